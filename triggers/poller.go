package triggers

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/reconciler"
)

// DefaultPollTimeout bounds the provider call made on behalf of a client
const DefaultPollTimeout = 20 * time.Second

// PollResult is the record returned to the polling client
type PollResult struct {
	Job     *models.TrainingJob
	Outcome reconciler.Outcome
	// Polled is false when the stored record was returned without asking
	// the provider
	Polled bool
}

// Poller refreshes a job from its provider when a client asks for it
type Poller struct {
	reconciler *reconciler.Reconciler
	sources    map[models.Provider]StatusSource
	timeout    time.Duration
	logger     *zap.Logger
}

// NewPoller creates the poll trigger
func NewPoller(r *reconciler.Reconciler, timeout time.Duration, logger *zap.Logger, sources ...StatusSource) *Poller {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		reconciler: r,
		sources:    sourcesByProvider(sources),
		timeout:    timeout,
		logger:     logger,
	}
}

// Poll returns the current record of jobID after merging what the provider
// reports. Provider failures surface as ProviderUnavailable.
func (p *Poller) Poll(ctx context.Context, jobID string) (*PollResult, error) {
	job, err := p.reconciler.Store().Get(ctx, jobID)
	if err != nil {
		return nil, storeError(jobID, err)
	}
	if job.IsTerminal() || job.ProviderJobID == "" {
		return &PollResult{Job: job}, nil
	}
	source, ok := p.sources[job.Provider]
	if !ok {
		return &PollResult{Job: job}, nil
	}

	logger := p.logger.With(zap.String("job_id", jobID), zap.String("provider", string(job.Provider)))

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	obs, err := source.FetchStatus(callCtx, job)
	cancel()
	if err != nil {
		logger.Warn("Provider status query failed", zap.Error(err))
		if !errors.Is(err, apperrors.ErrProviderUnavailable) {
			err = apperrors.ProviderUnavailable(string(job.Provider)+".status", err)
		}
		return nil, err
	}

	obs.Source = models.SourcePoll
	res, err := p.reconciler.Apply(ctx, jobID, *obs)
	if errors.Is(err, apperrors.ErrValidation) {
		// the provider said something we cannot map; the client still gets
		// the stored view
		logger.Warn("Ignored provider status", zap.Error(err))
		return &PollResult{Job: job, Polled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &PollResult{Job: res.Job, Outcome: res.Outcome, Polled: true}, nil
}
