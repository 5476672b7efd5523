// Package modal reads training status from the Modal-hosted training script,
// both pulled from its status endpoint and pushed through its callback.
package modal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/observability"
)

// maxBodyBytes bounds status responses and callback bodies
const maxBodyBytes = 1 << 20

// Config holds the Modal status endpoint configuration
type Config struct {
	StatusURL string
	Token     string
	RetryMax  int
}

// Client queries the status endpoint of the training app
type Client struct {
	http      *retryablehttp.Client
	statusURL string
	token     string
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewClient creates a Modal status client
func NewClient(cfg Config, logger *zap.Logger, metrics *observability.Metrics) (*Client, error) {
	if cfg.StatusURL == "" {
		return nil, fmt.Errorf("modal status url is required")
	}
	if _, err := url.Parse(cfg.StatusURL); err != nil {
		return nil, fmt.Errorf("invalid modal status url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 250 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second

	return &Client{
		http:      hc,
		statusURL: strings.TrimRight(cfg.StatusURL, "/"),
		token:     cfg.Token,
		logger:    logger.With(zap.String("provider", string(models.ProviderModal))),
		metrics:   metrics,
	}, nil
}

// Provider identifies the vocabulary of observations built here
func (c *Client) Provider() models.Provider {
	return models.ProviderModal
}

// FetchStatus asks the training app for the state of job's call
func (c *Client) FetchStatus(ctx context.Context, job *models.TrainingJob) (*models.Observation, error) {
	start := time.Now()
	payload, err := c.fetch(ctx, job.ProviderJobID)
	c.metrics.RecordProviderCall(ctx, string(models.ProviderModal), "status", time.Since(start), err)
	if err != nil {
		return nil, apperrors.ProviderUnavailable("modal.status", err)
	}
	obs := payload.Observation()
	obs.Source = models.SourcePoll
	return &obs, nil
}

func (c *Client) fetch(ctx context.Context, callID string) (*Payload, error) {
	endpoint := c.statusURL + "/" + url.PathEscape(callID)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	if p.Status == "" {
		return nil, fmt.Errorf("status response for %s has no status", callID)
	}
	return &p, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
