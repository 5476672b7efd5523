// Package replicate adapts the Replicate trainings API to the reconciler:
// status queries, the published-model inventory, submission and webhooks.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/replicate/replicate-go"
	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/converter"
	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/observability"
)

// api is the subset of *replicate.Client used here
type api interface {
	GetTraining(ctx context.Context, trainingID string) (*replicate.Training, error)
	GetModel(ctx context.Context, modelOwner, modelName string) (*replicate.Model, error)
	CreateTraining(ctx context.Context, modelOwner, modelName, version, destination string,
		input replicate.TrainingInput, webhook *replicate.Webhook) (*replicate.Training, error)
}

// Client talks to Replicate on behalf of one account
type Client struct {
	api        api
	webhookURL string
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// Config holds Replicate connection configuration
type Config struct {
	APIToken string
	// WebhookURL receives training events; empty disables webhooks
	WebhookURL string
}

// NewClient creates a Replicate client
func NewClient(cfg Config, logger *zap.Logger, metrics *observability.Metrics) (*Client, error) {
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("replicate api token is required")
	}
	r8, err := replicate.NewClient(replicate.WithToken(cfg.APIToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create replicate client: %w", err)
	}
	return newClient(r8, cfg.WebhookURL, logger, metrics), nil
}

func newClient(a api, webhookURL string, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:        a,
		webhookURL: webhookURL,
		logger:     logger.With(zap.String("provider", string(models.ProviderReplicate))),
		metrics:    metrics,
	}
}

// Provider identifies the vocabulary of observations built here
func (c *Client) Provider() models.Provider {
	return models.ProviderReplicate
}

// FetchStatus queries the training behind job and turns it into an observation
func (c *Client) FetchStatus(ctx context.Context, job *models.TrainingJob) (*models.Observation, error) {
	start := time.Now()
	training, err := c.api.GetTraining(ctx, job.ProviderJobID)
	c.metrics.RecordProviderCall(ctx, string(models.ProviderReplicate), "get_training", time.Since(start), err)
	if err != nil {
		return nil, apperrors.ProviderUnavailable("replicate.GetTraining", err)
	}

	obs := &models.Observation{
		Provider:  models.ProviderReplicate,
		RawStatus: string(training.Status),
		Error:     errorText(training.Error),
	}
	if training.Logs != nil {
		obs.Logs = *training.Logs
	}
	if output, ok := training.Output.(map[string]interface{}); ok {
		obs.Artifact = artifactFromOutput(output, job.MetadataString(models.MetaReplicateDest))
	}
	return obs, nil
}

// FindArtifact reports the latest version of the job's destination model.
// A missing model, a model without versions, or a latest version published
// before the job was created means nothing was published for this job.
func (c *Client) FindArtifact(ctx context.Context, job *models.TrainingJob) (*models.ResultArtifact, error) {
	dest := job.MetadataString(models.MetaReplicateDest)
	owner, name, ok := strings.Cut(dest, "/")
	if !ok || owner == "" || name == "" {
		return nil, apperrors.Validation("metadata", fmt.Sprintf("job %s has no replicate destination model", job.ID))
	}

	start := time.Now()
	model, err := c.api.GetModel(ctx, owner, name)
	if isNotFound(err) {
		err = nil
		model = nil
	}
	c.metrics.RecordProviderCall(ctx, string(models.ProviderReplicate), "get_model", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to get model %s: %w", dest, err)
	}
	if model == nil || model.LatestVersion == nil || model.LatestVersion.ID == "" {
		return nil, nil
	}
	if !publishedFor(job, model.LatestVersion) {
		c.logger.Debug("Ignoring model version older than the job",
			zap.String("job_id", job.ID),
			zap.String("version", model.LatestVersion.ID),
			zap.String("version_created_at", model.LatestVersion.CreatedAt))
		return nil, nil
	}

	return &models.ResultArtifact{
		Version:  model.LatestVersion.ID,
		ModelURL: dest + ":" + model.LatestVersion.ID,
		Info:     map[string]interface{}{"source": "model_inventory"},
	}, nil
}

// publishedFor reports whether v can be the output of job: either it is the
// version already recorded on the job, or it was created after the job.
// A version without a readable creation time is never attributed.
func publishedFor(job *models.TrainingJob, v *replicate.ModelVersion) bool {
	if job.ResultArtifact != nil && job.ResultArtifact.Version == v.ID {
		return true
	}
	created, err := time.Parse(time.RFC3339Nano, v.CreatedAt)
	if err != nil {
		return false
	}
	return !created.Before(job.CreatedAt)
}

// Submit starts a training of the flux LoRA trainer and returns the id
// Replicate assigned to it
func (c *Client) Submit(ctx context.Context, job *models.TrainingJob, input map[string]interface{}) (string, error) {
	dest := job.MetadataString(models.MetaReplicateDest)
	if dest == "" {
		return "", apperrors.Validation("destination", "replicate destination model is required")
	}

	start := time.Now()
	trainer, err := c.api.GetModel(ctx, converter.DefaultTrainerOwner, converter.DefaultTrainerModel)
	c.metrics.RecordProviderCall(ctx, string(models.ProviderReplicate), "get_model", time.Since(start), err)
	if err != nil {
		return "", apperrors.ProviderUnavailable("replicate.GetModel", err)
	}
	if trainer.LatestVersion == nil {
		return "", apperrors.ProviderUnavailable("replicate.GetModel",
			fmt.Errorf("trainer %s/%s has no versions", converter.DefaultTrainerOwner, converter.DefaultTrainerModel))
	}

	var webhook *replicate.Webhook
	if c.webhookURL != "" {
		webhook = &replicate.Webhook{
			URL: c.webhookURL,
			Events: []replicate.WebhookEventType{
				replicate.WebhookEventStart,
				replicate.WebhookEventLogs,
				replicate.WebhookEventCompleted,
			},
		}
	}

	start = time.Now()
	training, err := c.api.CreateTraining(ctx, converter.DefaultTrainerOwner, converter.DefaultTrainerModel,
		trainer.LatestVersion.ID, dest, input, webhook)
	c.metrics.RecordProviderCall(ctx, string(models.ProviderReplicate), "create_training", time.Since(start), err)
	if err != nil {
		return "", apperrors.ProviderUnavailable("replicate.CreateTraining", err)
	}

	c.logger.Info("Started replicate training",
		zap.String("job_id", job.ID),
		zap.String("provider_job_id", training.ID),
		zap.String("destination", dest),
		zap.Bool("webhook", webhook != nil))
	return training.ID, nil
}

// artifactFromOutput reads the {version, weights} output of a finished training
func artifactFromOutput(output map[string]interface{}, dest string) *models.ResultArtifact {
	version, _ := output["version"].(string)
	weights, _ := output["weights"].(string)
	if version == "" && weights == "" {
		return nil
	}
	artifact := &models.ResultArtifact{
		Version:    version,
		WeightsURL: weights,
		Info:       map[string]interface{}{"output": output},
	}
	if version != "" && dest != "" {
		// version may already be "owner/model:id"
		if strings.Contains(version, ":") {
			artifact.ModelURL = version
			artifact.Version = version[strings.LastIndex(version, ":")+1:]
		} else {
			artifact.ModelURL = dest + ":" + version
		}
	}
	return artifact
}

func errorText(v interface{}) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		return fmt.Sprint(e)
	}
}

func isNotFound(err error) bool {
	var apiErr *replicate.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
