package models

import "time"

// SubmitTrainingRequest is the payload of POST /api/v1/jobs
type SubmitTrainingRequest struct {
	ModelName     string                 `json:"modelName" binding:"required"`
	Provider      Provider               `json:"provider" binding:"required"`
	TriggerWord   string                 `json:"triggerWord"`
	ImagesURL     string                 `json:"imagesUrl"`
	Steps         int                    `json:"steps"`
	LoraRank      int                    `json:"loraRank"`
	LearningRate  float64                `json:"learningRate"`
	Destination   string                 `json:"destination"`   // replicate "owner/model"
	ProviderJobID string                 `json:"providerJobId"` // pre-assigned by a modal launcher
	Extra         map[string]interface{} `json:"extra"`
}

// JobStatusResponse is the canonical view returned by the status query
type JobStatusResponse struct {
	ID                        string          `json:"id"`
	Provider                  Provider        `json:"provider"`
	ProviderJobID             string          `json:"providerJobId,omitempty"`
	Status                    Status          `json:"status"`
	Progress                  int             `json:"progress"`
	StageLabel                string          `json:"stageLabel"`
	Error                     string          `json:"error,omitempty"`
	ResultArtifact            *ResultArtifact `json:"resultArtifact,omitempty"`
	EstimatedMinutesRemaining *int            `json:"estimatedMinutesRemaining,omitempty"`
	CreatedAt                 time.Time       `json:"createdAt"`
	UpdatedAt                 time.Time       `json:"updatedAt"`
}

// percentPerMinute is the rough pace used for the remaining-time hint.
const percentPerMinute = 2

// NewJobStatusResponse builds the status view of a job
func NewJobStatusResponse(job *TrainingJob) *JobStatusResponse {
	resp := &JobStatusResponse{
		ID:             job.ID,
		Provider:       job.Provider,
		ProviderJobID:  job.ProviderJobID,
		Status:         job.Status,
		Progress:       job.Progress,
		StageLabel:     job.StageLabel,
		Error:          job.ErrorMessage,
		ResultArtifact: job.ResultArtifact,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if !job.IsTerminal() && job.Progress > 0 && job.Progress < 100 {
		remaining := (100 - job.Progress) / percentPerMinute
		if remaining < 1 {
			remaining = 1
		}
		resp.EstimatedMinutesRemaining = &remaining
	}
	return resp
}

// ForceUpdateResponse reports what the force-update action decided
type ForceUpdateResponse struct {
	Job            *JobStatusResponse `json:"job"`
	PreviousStatus Status             `json:"previousStatus"`
	Decision       string             `json:"decision"`
	Reason         string             `json:"reason"`
	ArtifactFound  bool               `json:"artifactFound"`
	AgeMinutes     int                `json:"ageMinutes"`
	Outcome        string             `json:"outcome"`
}

// WebhookAck is returned to providers for every webhook delivery
type WebhookAck struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"jobId,omitempty"`
	Status   Status `json:"status,omitempty"`
	Progress int    `json:"progress"`
	Outcome  string `json:"outcome,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
