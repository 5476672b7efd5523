package triggers

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/reconciler"
	"github.com/studioforge/model-trainer/backend/repository"
)

// WebhookResult is what a delivery is acknowledged with. Rejected deliveries
// are still acknowledged so providers do not retry them.
type WebhookResult struct {
	Accepted bool
	Job      *models.TrainingJob
	Outcome  reconciler.Outcome
	Reason   string
}

// Webhook routes provider push notifications to the reconciler
type Webhook struct {
	reconciler *reconciler.Reconciler
	logger     *zap.Logger
}

// NewWebhook creates the webhook trigger
func NewWebhook(r *reconciler.Reconciler, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{reconciler: r, logger: logger}
}

// Deliver maps providerJobID to a job and applies the observation built
// for it. Unknown ids never create records.
func (w *Webhook) Deliver(ctx context.Context, provider models.Provider, providerJobID string,
	observe func(job *models.TrainingJob) models.Observation) (*WebhookResult, error) {
	logger := w.logger.With(
		zap.String("provider", string(provider)),
		zap.String("provider_job_id", providerJobID))

	job, err := w.reconciler.Store().GetByProviderJobID(ctx, provider, providerJobID)
	if repository.IsNotFound(err) {
		logger.Warn("Dropped webhook for unknown provider job")
		return &WebhookResult{Reason: "unknown provider job id"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up provider job %s: %w", providerJobID, err)
	}

	obs := observe(job)
	obs.Source = models.SourceWebhook
	res, err := w.reconciler.Apply(ctx, job.ID, obs)
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		logger.Warn("Dropped webhook with invalid payload", zap.String("job_id", job.ID), zap.Error(err))
		return &WebhookResult{Job: job, Reason: err.Error()}, nil
	case errors.Is(err, apperrors.ErrNotFound):
		logger.Warn("Dropped webhook for deleted job", zap.String("job_id", job.ID))
		return &WebhookResult{Reason: "unknown job"}, nil
	case err != nil:
		return nil, err
	}

	return &WebhookResult{Accepted: true, Job: res.Job, Outcome: res.Outcome}, nil
}
