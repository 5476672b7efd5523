package replicate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
)

// WebhookPayload is the training object Replicate posts on each event
type WebhookPayload struct {
	ID          string                 `json:"id"`
	Status      string                 `json:"status"`
	Logs        string                 `json:"logs"`
	Error       interface{}            `json:"error"`
	Output      map[string]interface{} `json:"output"`
	CompletedAt string                 `json:"completed_at"`
}

// ParseWebhook decodes and validates a webhook body
func ParseWebhook(body []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperrors.Validation("body", fmt.Sprintf("malformed replicate webhook: %v", err))
	}
	if p.ID == "" {
		return nil, apperrors.Validation("id", "replicate webhook has no training id")
	}
	if p.Status == "" {
		return nil, apperrors.Validation("status", "replicate webhook has no status")
	}
	return &p, nil
}

// Observation converts the payload for the job it belongs to
func (p *WebhookPayload) Observation(job *models.TrainingJob) models.Observation {
	obs := models.Observation{
		Provider:  models.ProviderReplicate,
		RawStatus: p.Status,
		Logs:      p.Logs,
		Error:     errorText(p.Error),
		Source:    models.SourceWebhook,
	}
	if p.Output != nil {
		obs.Artifact = artifactFromOutput(p.Output, job.MetadataString(models.MetaReplicateDest))
	}
	return obs
}

// Standard Webhooks headers used by Replicate
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"

	secretPrefix              = "whsec_"
	DefaultTimestampTolerance = 5 * time.Minute
)

// ErrInvalidSignature is returned for deliveries that fail verification
var ErrInvalidSignature = errors.New("invalid webhook signature")

// SignatureVerifier checks the HMAC-SHA256 signature Replicate attaches to
// webhook deliveries
type SignatureVerifier struct {
	key       []byte
	tolerance time.Duration
	clock     clock.Clock
}

// NewSignatureVerifier creates a verifier from a "whsec_..." signing secret
func NewSignatureVerifier(secret string, clk clock.Clock) (*SignatureVerifier, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid replicate webhook secret: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SignatureVerifier{key: key, tolerance: DefaultTimestampTolerance, clock: clk}, nil
}

// Verify checks the delivery headers against body
func (v *SignatureVerifier) Verify(header http.Header, body []byte) error {
	id := header.Get(HeaderWebhookID)
	ts := header.Get(HeaderWebhookTimestamp)
	sigs := header.Get(HeaderWebhookSignature)
	if id == "" || ts == "" || sigs == "" {
		return fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	skew := v.clock.Now().Sub(time.Unix(unix, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := v.Sign(id, ts, body)
	for _, candidate := range strings.Fields(sigs) {
		_, sig, ok := strings.Cut(candidate, ",")
		if !ok {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign returns the base64 signature of one delivery
func (v *SignatureVerifier) Sign(id, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
