package models

import (
	"encoding/json"
	"time"
)

// Status is the canonical lifecycle state of a training job
type Status string

const (
	StatusStarting      Status = "starting"
	StatusPreprocessing Status = "preprocessing"
	StatusTraining      Status = "training"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// rank orders statuses along Starting -> Preprocessing -> Training -> terminal.
var rank = map[Status]int{
	StatusStarting:      0,
	StatusPreprocessing: 1,
	StatusTraining:      2,
	StatusCompleted:     3,
	StatusFailed:        3,
}

// IsValid reports whether s is one of the canonical statuses
func (s Status) IsValid() bool {
	_, ok := rank[s]
	return ok
}

// IsTerminal reports whether s is Completed or Failed
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank returns the position of s in the forward-only lifecycle
func (s Status) Rank() int {
	return rank[s]
}

func (s Status) String() string {
	return string(s)
}

// Provider identifies which external service runs a job
type Provider string

const (
	ProviderReplicate Provider = "replicate"
	ProviderModal     Provider = "modal"
	// ProviderInternal tags observations produced by this service itself
	// (sweeper, force-update); they use the canonical vocabulary.
	ProviderInternal Provider = "internal"
)

// Source tags the channel an observation arrived through. It is used for
// logging and metrics only.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceForce   Source = "force"
	SourceSweep   Source = "sweep"
	SourceSubmit  Source = "submit"
)

// ResultArtifact describes the trained model produced by a completed job
type ResultArtifact struct {
	Version    string                 `json:"version,omitempty"`
	ModelURL   string                 `json:"modelUrl,omitempty"`
	WeightsURL string                 `json:"weightsUrl,omitempty"`
	Files      []string               `json:"files,omitempty"`
	Info       map[string]interface{} `json:"info,omitempty"`
}

// Clone returns a deep copy of the artifact
func (a *ResultArtifact) Clone() *ResultArtifact {
	if a == nil {
		return nil
	}
	out := *a
	out.Files = append([]string(nil), a.Files...)
	if a.Info != nil {
		out.Info = make(map[string]interface{}, len(a.Info))
		for k, v := range a.Info {
			out.Info[k] = v
		}
	}
	return &out
}

// TrainingJob is the reconciled view of one training job
type TrainingJob struct {
	ID             string                 `json:"id"`
	Provider       Provider               `json:"provider"`
	ProviderJobID  string                 `json:"providerJobId,omitempty"`
	Status         Status                 `json:"status"`
	Progress       int                    `json:"progress"`
	StageLabel     string                 `json:"stageLabel"`
	ErrorMessage   string                 `json:"errorMessage,omitempty"`
	ResultArtifact *ResultArtifact        `json:"resultArtifact,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Revision       uint64                 `json:"revision"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// IsTerminal reports whether the job has reached Completed or Failed
func (j *TrainingJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// MetadataString returns a string metadata value or "" when absent
func (j *TrainingJob) MetadataString(key string) string {
	if j.Metadata == nil {
		return ""
	}
	if s, ok := j.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// MetadataInt returns an integer metadata value. JSON round trips turn
// numbers into float64, so both shapes are accepted.
func (j *TrainingJob) MetadataInt(key string) int {
	if j.Metadata == nil {
		return 0
	}
	switch v := j.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// Clone returns a deep copy so callers never share maps with a store
func (j *TrainingJob) Clone() *TrainingJob {
	if j == nil {
		return nil
	}
	out := *j
	if j.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	out.ResultArtifact = j.ResultArtifact.Clone()
	return &out
}

// Well-known metadata keys
const (
	MetaModelName     = "modelName"
	MetaReplicateDest = "replicateModelName"
	MetaTrainingSteps = "steps"
	MetaTriggerWord   = "triggerWord"
)

// StepCounter is a structured current/total counter reported by a provider
type StepCounter struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Observation is one status snapshot arriving from a trigger
type Observation struct {
	Provider  Provider
	RawStatus string
	Logs      string
	// Percent is a structured progress percentage (0-100) reported by the
	// training tool itself, if any.
	Percent  *float64
	Steps    *StepCounter
	Error    string
	Artifact *ResultArtifact
	Source   Source
	// Reason is a free-text note recorded with the transition event.
	Reason string
}

// JobEvent is one accepted transition of a job record
type JobEvent struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"jobId"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Progress   int       `json:"progress"`
	Source     Source    `json:"source"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}
