package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/studioforge/model-trainer/backend/models"
)

// Store persists training job records. Every mutation of an existing record
// goes through UpdateIf so concurrent writers never overwrite each other.
type Store interface {
	Create(ctx context.Context, job *models.TrainingJob) error
	Get(ctx context.Context, id string) (*models.TrainingJob, error)
	GetByProviderJobID(ctx context.Context, provider models.Provider, providerJobID string) (*models.TrainingJob, error)
	// ListActive returns every job that has not reached a terminal status
	ListActive(ctx context.Context) ([]*models.TrainingJob, error)
	UpdateIf(ctx context.Context, req UpdateRequest) (*models.TrainingJob, error)

	AppendEvent(ctx context.Context, event *models.JobEvent) error
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
}

// UpdateCondition guards a write against the record the writer last read.
// Zero values are not checked.
type UpdateCondition struct {
	ExpectedStatus   models.Status
	ExpectedRevision uint64
}

// Validate checks the condition against the stored job
func (c UpdateCondition) Validate(job *models.TrainingJob) error {
	if c.ExpectedStatus != "" && c.ExpectedStatus != job.Status {
		return NewErrConditionFailed(job, c)
	}
	if c.ExpectedRevision != 0 && c.ExpectedRevision != job.Revision {
		return NewErrConditionFailed(job, c)
	}
	return nil
}

// JobUpdate holds the mutable fields of a record. It replaces them as a
// whole; the store bumps the revision.
type JobUpdate struct {
	ProviderJobID  string
	Status         models.Status
	Progress       int
	StageLabel     string
	ErrorMessage   string
	ResultArtifact *models.ResultArtifact
	UpdatedAt      time.Time
}

// UpdateFrom copies the mutable fields of job
func UpdateFrom(job *models.TrainingJob) JobUpdate {
	return JobUpdate{
		ProviderJobID:  job.ProviderJobID,
		Status:         job.Status,
		Progress:       job.Progress,
		StageLabel:     job.StageLabel,
		ErrorMessage:   job.ErrorMessage,
		ResultArtifact: job.ResultArtifact,
		UpdatedAt:      job.UpdatedAt,
	}
}

// UpdateRequest is a conditional write of one record
type UpdateRequest struct {
	JobID     string
	Condition UpdateCondition
	Values    JobUpdate
}

func (u JobUpdate) applyTo(job *models.TrainingJob) {
	job.ProviderJobID = u.ProviderJobID
	job.Status = u.Status
	job.Progress = u.Progress
	job.StageLabel = u.StageLabel
	job.ErrorMessage = u.ErrorMessage
	job.ResultArtifact = u.ResultArtifact
	job.UpdatedAt = u.UpdatedAt
}

// ErrJobNotFound is returned when the job is not found
type ErrJobNotFound struct {
	JobID string
}

func NewErrJobNotFound(id string) ErrJobNotFound {
	return ErrJobNotFound{JobID: id}
}

func (e ErrJobNotFound) Error() string {
	return "job not found: " + e.JobID
}

// ErrJobAlreadyExists is returned when a job id, or a provider job id within
// one provider, is reused
type ErrJobAlreadyExists struct {
	JobID         string
	Provider      models.Provider
	ProviderJobID string
}

func NewErrJobAlreadyExists(id string) ErrJobAlreadyExists {
	return ErrJobAlreadyExists{JobID: id}
}

// NewErrProviderJobIDInUse reports that providerJobID already routes to
// the job owner
func NewErrProviderJobIDInUse(owner string, provider models.Provider, providerJobID string) ErrJobAlreadyExists {
	return ErrJobAlreadyExists{JobID: owner, Provider: provider, ProviderJobID: providerJobID}
}

func (e ErrJobAlreadyExists) Error() string {
	if e.ProviderJobID != "" {
		return fmt.Sprintf("%s job id %s already belongs to job %s", e.Provider, e.ProviderJobID, e.JobID)
	}
	return "job already exists: " + e.JobID
}

// ErrConditionFailed is returned when a conditional write lost the race
type ErrConditionFailed struct {
	JobID            string
	ActualStatus     models.Status
	ExpectedStatus   models.Status
	ActualRevision   uint64
	ExpectedRevision uint64
}

func NewErrConditionFailed(job *models.TrainingJob, c UpdateCondition) ErrConditionFailed {
	return ErrConditionFailed{
		JobID:            job.ID,
		ActualStatus:     job.Status,
		ExpectedStatus:   c.ExpectedStatus,
		ActualRevision:   job.Revision,
		ExpectedRevision: c.ExpectedRevision,
	}
}

func (e ErrConditionFailed) Error() string {
	return fmt.Sprintf("job %s is %s at revision %d but expected %s at revision %d",
		e.JobID, e.ActualStatus, e.ActualRevision, e.ExpectedStatus, e.ExpectedRevision)
}

// IsNotFound reports whether err is an ErrJobNotFound
func IsNotFound(err error) bool {
	var target ErrJobNotFound
	return errors.As(err, &target)
}

// IsConditionFailed reports whether err is an ErrConditionFailed
func IsAlreadyExists(err error) bool {
	var target ErrJobAlreadyExists
	return errors.As(err, &target)
}

func IsConditionFailed(err error) bool {
	var target ErrConditionFailed
	return errors.As(err, &target)
}
