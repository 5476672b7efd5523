package modal

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
)

// Payload is the progress report of the training script. The same shape is
// posted to the callback endpoint and returned by the status endpoint.
type Payload struct {
	ID string `json:"id"`
	// ModelID is the key older script versions send instead of id
	ModelID string `json:"modelId"`
	Status  string `json:"status"`
	// Progress is a fraction in [0,1]. Values above 1 are read as
	// percentages, so exactly 1 always means done (100%), never 1%.
	Progress  *float64               `json:"progress"`
	Steps     *models.StepCounter    `json:"steps"`
	Logs      string                 `json:"logs"`
	Error     string                 `json:"error"`
	ModelInfo map[string]interface{} `json:"model_info"`
}

// ParsePayload decodes and validates a callback body
func ParsePayload(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, apperrors.Validation("body", fmt.Sprintf("malformed modal callback: %v", err))
	}
	if p.Key() == "" {
		return nil, apperrors.Validation("id", "modal callback has no id")
	}
	if p.Status == "" {
		return nil, apperrors.Validation("status", "modal callback has no status")
	}
	if p.Progress != nil && (math.IsNaN(*p.Progress) || *p.Progress < 0 || *p.Progress > 100) {
		return nil, apperrors.Validation("progress", fmt.Sprintf("progress %v out of range", *p.Progress))
	}
	return &p, nil
}

// Key is the provider job id the payload refers to
func (p *Payload) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.ModelID
}

// Observation converts the payload; the caller sets the source
func (p *Payload) Observation() models.Observation {
	obs := models.Observation{
		Provider:  models.ProviderModal,
		RawStatus: p.Status,
		Logs:      p.Logs,
		Steps:     p.Steps,
		Error:     p.Error,
	}
	if p.Progress != nil {
		pct := *p.Progress
		if pct <= 1 {
			pct *= 100
		}
		obs.Percent = &pct
	}
	if len(p.ModelInfo) > 0 {
		obs.Artifact = artifactFromModelInfo(p.ModelInfo)
	}
	return obs
}

func artifactFromModelInfo(info map[string]interface{}) *models.ResultArtifact {
	artifact := &models.ResultArtifact{Info: info}
	for _, key := range []string{"model_url", "path", "model_path"} {
		if s, ok := info[key].(string); ok && s != "" {
			artifact.ModelURL = s
			break
		}
	}
	if s, ok := info["weights_url"].(string); ok {
		artifact.WeightsURL = s
	}
	if files, ok := info["files"].([]interface{}); ok {
		for _, f := range files {
			if s, ok := f.(string); ok {
				artifact.Files = append(artifact.Files, s)
			}
		}
	}
	return artifact
}
