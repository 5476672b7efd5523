package converter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
)

const (
	DefaultTrainerOwner = "ostris"
	DefaultTrainerModel = "flux-dev-lora-trainer"
	DefaultSteps        = 1000
	DefaultLoraRank     = 16
	DefaultOptimizer    = "adamw8bit"
	DefaultBatchSize    = 1
	DefaultResolution   = "512,768,1024"
	DefaultLearningRate = 0.0004
	DefaultTriggerWord  = "TOK"
	maxModelNameLength  = 40
	maxTrainingSteps    = 10000
	destinationIDSuffix = 8
)

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashes   = regexp.MustCompile(`-+`)
)

// Converter turns submission requests into the initial job record and the
// provider training input
type Converter struct {
	// replicateOwner is the account that owns per-job destination models
	replicateOwner string
}

// NewConverter creates a new converter instance
func NewConverter(replicateOwner string) *Converter {
	return &Converter{replicateOwner: replicateOwner}
}

// Validate checks a submission request
func (c *Converter) Validate(req *models.SubmitTrainingRequest) error {
	if strings.TrimSpace(req.ModelName) == "" {
		return apperrors.Validation("modelName", "modelName is required")
	}
	switch req.Provider {
	case models.ProviderReplicate:
		if req.ImagesURL == "" {
			return apperrors.Validation("imagesUrl", "imagesUrl is required for replicate training")
		}
		if req.Destination == "" && c.replicateOwner == "" {
			return apperrors.Validation("destination", "destination is required when no replicate owner is configured")
		}
	case models.ProviderModal:
	default:
		return apperrors.Validation("provider", fmt.Sprintf("unsupported provider %q", req.Provider))
	}
	if req.Steps < 0 || req.Steps > maxTrainingSteps {
		return apperrors.Validation("steps", fmt.Sprintf("steps must be between 1 and %d", maxTrainingSteps))
	}
	if req.LearningRate < 0 {
		return apperrors.Validation("learningRate", "learningRate must be positive")
	}
	return nil
}

// NewJob builds the record created at submission time
func (c *Converter) NewJob(req *models.SubmitTrainingRequest, jobID string, now time.Time) *models.TrainingJob {
	metadata := make(map[string]interface{}, len(req.Extra)+4)
	for k, v := range req.Extra {
		metadata[k] = v
	}
	metadata[models.MetaModelName] = req.ModelName
	metadata[models.MetaTrainingSteps] = c.steps(req)
	if req.TriggerWord != "" {
		metadata[models.MetaTriggerWord] = req.TriggerWord
	}
	if req.Provider == models.ProviderReplicate {
		metadata[models.MetaReplicateDest] = c.Destination(req, jobID)
	}

	return &models.TrainingJob{
		ID:            jobID,
		Provider:      req.Provider,
		ProviderJobID: req.ProviderJobID,
		Status:        models.StatusStarting,
		Progress:      0,
		StageLabel:    "queued",
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Destination returns the "owner/model" the trained weights are pushed to
func (c *Converter) Destination(req *models.SubmitTrainingRequest, jobID string) string {
	if req.Destination != "" {
		return req.Destination
	}
	suffix := jobID
	if len(suffix) > destinationIDSuffix {
		suffix = suffix[len(suffix)-destinationIDSuffix:]
	}
	return c.replicateOwner + "/" + SanitizeModelName(req.ModelName+"-"+suffix)
}

// BuildReplicateInput creates the input of the flux LoRA trainer
func (c *Converter) BuildReplicateInput(req *models.SubmitTrainingRequest) map[string]interface{} {
	input := map[string]interface{}{
		"input_images":  req.ImagesURL,
		"trigger_word":  c.triggerWord(req),
		"steps":         c.steps(req),
		"lora_rank":     c.loraRank(req),
		"optimizer":     DefaultOptimizer,
		"batch_size":    DefaultBatchSize,
		"resolution":    DefaultResolution,
		"autocaption":   true,
		"learning_rate": c.learningRate(req),
	}
	for k, v := range req.Extra {
		if _, reserved := input[k]; !reserved {
			input[k] = v
		}
	}
	return input
}

// SanitizeModelName lowercases name and keeps it within Replicate's model
// name rules
func SanitizeModelName(name string) string {
	out := invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	out = repeatedDashes.ReplaceAllString(out, "-")
	out = strings.Trim(out, "-")
	if len(out) > maxModelNameLength {
		out = strings.TrimRight(out[:maxModelNameLength], "-")
	}
	return out
}

func (c *Converter) steps(req *models.SubmitTrainingRequest) int {
	if req.Steps > 0 {
		return req.Steps
	}
	return DefaultSteps
}

func (c *Converter) loraRank(req *models.SubmitTrainingRequest) int {
	if req.LoraRank > 0 {
		return req.LoraRank
	}
	return DefaultLoraRank
}

func (c *Converter) learningRate(req *models.SubmitTrainingRequest) float64 {
	if req.LearningRate > 0 {
		return req.LearningRate
	}
	return DefaultLearningRate
}

func (c *Converter) triggerWord(req *models.SubmitTrainingRequest) string {
	if req.TriggerWord != "" {
		return req.TriggerWord
	}
	return DefaultTriggerWord
}
