package triggers

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/converter"
	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/reconciler"
	"github.com/studioforge/model-trainer/backend/repository"
)

// Launcher starts a training run at the provider and returns its id
type Launcher interface {
	Submit(ctx context.Context, job *models.TrainingJob, input map[string]interface{}) (string, error)
}

// Submitter creates job records and hands them to the provider
type Submitter struct {
	reconciler *reconciler.Reconciler
	converter  *converter.Converter
	replicate  Launcher
	logger     *zap.Logger
	newID      func() string
}

// NewSubmitter creates the submitter. replicate may be nil when no API
// token is configured; replicate submissions are then rejected.
func NewSubmitter(r *reconciler.Reconciler, conv *converter.Converter, replicate Launcher, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		reconciler: r,
		converter:  conv,
		replicate:  replicate,
		logger:     logger,
		newID:      uuid.NewString,
	}
}

// Submit validates req, stores a Starting record and launches the training.
// A modal job is keyed by its own id unless the launcher already assigned one.
// When the launch fails the record is failed and the error returned.
func (s *Submitter) Submit(ctx context.Context, req *models.SubmitTrainingRequest) (*models.TrainingJob, error) {
	if err := s.converter.Validate(req); err != nil {
		return nil, err
	}
	if req.Provider == models.ProviderReplicate && s.replicate == nil {
		return nil, apperrors.ProviderUnavailable("replicate.submit", errors.New("replicate API token is not configured"))
	}

	jobID := s.newID()
	job := s.converter.NewJob(req, jobID, s.reconciler.Clock().Now().UTC())
	if job.Provider == models.ProviderModal && job.ProviderJobID == "" {
		job.ProviderJobID = job.ID
	}
	if err := s.reconciler.Store().Create(ctx, job); err != nil {
		if repository.IsAlreadyExists(err) {
			return nil, apperrors.Conflict(jobID, err.Error())
		}
		return nil, fmt.Errorf("failed to create training job: %w", err)
	}
	logger := s.logger.With(zap.String("job_id", jobID), zap.String("provider", string(job.Provider)))
	logger.Info("Created training job", zap.String("model_name", req.ModelName))

	if job.Provider != models.ProviderReplicate {
		return job, nil
	}

	providerJobID, err := s.replicate.Submit(ctx, job, s.converter.BuildReplicateInput(req))
	if err != nil {
		logger.Error("Failed to start training", zap.Error(err))
		obs := internal(models.StatusFailed, "submission failed")
		obs.Source = models.SourceSubmit
		obs.Error = fmt.Sprintf("Failed to start training: %v", err)
		if _, applyErr := s.reconciler.Apply(ctx, jobID, obs); applyErr != nil {
			logger.Error("Failed to record submission failure", zap.Error(applyErr))
		}
		return nil, err
	}

	return s.reconciler.AttachProviderJobID(ctx, jobID, providerJobID)
}
