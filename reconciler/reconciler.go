// Package reconciler merges observations from every trigger into the stored
// job record. It is the only writer of training job state.
package reconciler

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/observability"
	"github.com/studioforge/model-trainer/backend/progress"
	"github.com/studioforge/model-trainer/backend/repository"
	"github.com/studioforge/model-trainer/backend/status"
)

// Outcome describes what Apply did with an observation
type Outcome string

const (
	// OutcomeApplied means the candidate record was written.
	OutcomeApplied Outcome = "applied"
	// OutcomeUnchanged means the observation produced the stored record again.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeIdempotent means a terminal job saw its own terminal status again.
	OutcomeIdempotent Outcome = "idempotent"
	// OutcomeTerminalConflict means a terminal job saw a contradicting status.
	OutcomeTerminalConflict Outcome = "terminal_conflict"
	// OutcomeSuperseded means the write lost the race twice and was dropped.
	OutcomeSuperseded Outcome = "superseded"
)

// DefaultFailureMessage is recorded when a failure observation carries no error text
const DefaultFailureMessage = "Training failed"

// maxAttempts is the initial try plus one retry after a lost race
const maxAttempts = 2

// Result is the record after an observation was processed
type Result struct {
	Job            *models.TrainingJob
	PreviousStatus models.Status
	Outcome        Outcome
}

// Reconciler applies observations with optimistic concurrency
type Reconciler struct {
	store       repository.Store
	normalizers *status.Registry
	clock       clock.Clock
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock overrides the wall clock
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithNormalizers replaces the default status vocabularies
func WithNormalizers(n *status.Registry) Option {
	return func(r *Reconciler) { r.normalizers = n }
}

// New creates a Reconciler writing to store
func New(store repository.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		normalizers: status.DefaultRegistry(),
		clock:       clock.New(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Clock returns the clock used for ages and timestamps
func (r *Reconciler) Clock() clock.Clock {
	return r.clock
}

// Store returns the underlying store for read-only use
func (r *Reconciler) Store() repository.Store {
	return r.store
}

// Apply merges one observation into the record of jobID.
//
// A terminal record is never modified. A non-terminal record moves forward
// with progress clamped to the stored value, and the write is conditional on
// the status and revision that were read. A lost race is retried once from a
// fresh read; a second loss drops the observation and returns the record
// that won.
func (r *Reconciler) Apply(ctx context.Context, jobID string, obs models.Observation) (*Result, error) {
	logger := r.logger.With(
		zap.String("job_id", jobID),
		zap.String("source", string(obs.Source)),
		zap.String("provider", string(obs.Provider)),
		zap.String("raw_status", obs.RawStatus),
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, err := r.get(ctx, jobID)
		if err != nil {
			return nil, err
		}

		observed, normErr := r.normalizers.Normalize(obs.Provider, obs.RawStatus)

		if current.IsTerminal() {
			return r.terminal(ctx, logger, current, observed, normErr, obs)
		}

		if normErr != nil {
			logger.Info("Rejected observation with unrecognized status", zap.Error(normErr))
			r.metrics.RecordObservation(ctx, string(obs.Source), "rejected")
			return nil, normErr
		}

		candidate := r.candidate(current, observed, obs)
		if sameState(current, candidate) {
			r.metrics.RecordObservation(ctx, string(obs.Source), string(OutcomeUnchanged))
			return &Result{Job: current, PreviousStatus: current.Status, Outcome: OutcomeUnchanged}, nil
		}

		updated, err := r.store.UpdateIf(ctx, repository.UpdateRequest{
			JobID: jobID,
			Condition: repository.UpdateCondition{
				ExpectedStatus:   current.Status,
				ExpectedRevision: current.Revision,
			},
			Values: repository.UpdateFrom(candidate),
		})
		if repository.IsConditionFailed(err) {
			r.metrics.RecordConflict(ctx, string(obs.Source))
			logger.Debug("Lost conditional write", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if repository.IsNotFound(err) {
			return nil, apperrors.NotFound(jobID)
		}
		if err != nil {
			logger.Error("Failed to write training job", zap.Error(err))
			return nil, fmt.Errorf("failed to write training job %s: %w", jobID, err)
		}

		r.recordEvent(ctx, logger, current.Status, updated, obs.Source, eventReason(obs, candidate))
		logger.Info("Applied observation",
			zap.String("from_status", string(current.Status)),
			zap.String("to_status", string(updated.Status)),
			zap.Int("progress", updated.Progress),
			zap.String("outcome", string(OutcomeApplied)))
		r.metrics.RecordObservation(ctx, string(obs.Source), string(OutcomeApplied))
		return &Result{Job: updated, PreviousStatus: current.Status, Outcome: OutcomeApplied}, nil
	}

	current, err := r.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	logger.Info("Discarded superseded observation",
		zap.String("to_status", string(current.Status)),
		zap.Int("progress", current.Progress),
		zap.String("outcome", string(OutcomeSuperseded)))
	r.metrics.RecordObservation(ctx, string(obs.Source), string(OutcomeSuperseded))
	return &Result{Job: current, PreviousStatus: current.Status, Outcome: OutcomeSuperseded}, nil
}

// AttachProviderJobID records the id the provider assigned after submission.
// It uses the same conditional write as Apply and refuses terminal jobs.
func (r *Reconciler) AttachProviderJobID(ctx context.Context, jobID, providerJobID string) (*models.TrainingJob, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, err := r.get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if current.ProviderJobID == providerJobID {
			return current, nil
		}
		if current.IsTerminal() {
			return nil, apperrors.Conflict(jobID, fmt.Sprintf("already %s", current.Status))
		}

		next := current.Clone()
		next.ProviderJobID = providerJobID
		next.UpdatedAt = r.clock.Now().UTC()
		updated, err := r.store.UpdateIf(ctx, repository.UpdateRequest{
			JobID: jobID,
			Condition: repository.UpdateCondition{
				ExpectedStatus:   current.Status,
				ExpectedRevision: current.Revision,
			},
			Values: repository.UpdateFrom(next),
		})
		if repository.IsConditionFailed(err) {
			r.metrics.RecordConflict(ctx, string(models.SourceSubmit))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to attach provider job id: %w", err)
		}
		r.logger.Info("Attached provider job id",
			zap.String("job_id", jobID),
			zap.String("provider_job_id", providerJobID))
		return updated, nil
	}
	return nil, apperrors.Conflict(jobID, "provider job id changed concurrently")
}

func (r *Reconciler) get(ctx context.Context, jobID string) (*models.TrainingJob, error) {
	job, err := r.store.Get(ctx, jobID)
	if repository.IsNotFound(err) {
		return nil, apperrors.NotFound(jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read training job %s: %w", jobID, err)
	}
	return job, nil
}

// terminal handles an observation for a job that already finished
func (r *Reconciler) terminal(ctx context.Context, logger *zap.Logger, current *models.TrainingJob,
	observed models.Status, normErr error, obs models.Observation) (*Result, error) {
	if normErr == nil && observed == current.Status {
		r.metrics.RecordObservation(ctx, string(obs.Source), string(OutcomeIdempotent))
		return &Result{Job: current, PreviousStatus: current.Status, Outcome: OutcomeIdempotent}, nil
	}

	conflict := apperrors.TerminalConflict(current.ID, string(current.Status), obs.RawStatus)
	logger.Warn("Ignored observation for terminal job",
		zap.String("from_status", string(current.Status)),
		zap.String("outcome", string(OutcomeTerminalConflict)),
		zap.NamedError("conflict", conflict))
	r.metrics.RecordObservation(ctx, string(obs.Source), string(OutcomeTerminalConflict))
	return &Result{Job: current, PreviousStatus: current.Status, Outcome: OutcomeTerminalConflict}, nil
}

// candidate builds the record the observation asks for. An observed status
// behind the stored one keeps the stored status; progress never moves back.
func (r *Reconciler) candidate(current *models.TrainingJob, observed models.Status, obs models.Observation) *models.TrainingJob {
	next := current.Clone()
	next.UpdatedAt = r.clock.Now().UTC()

	target := observed
	if target.Rank() < current.Status.Rank() {
		target = current.Status
	}

	est := progress.Extract(progress.Input{
		Status:  target,
		Logs:    obs.Logs,
		Percent: obs.Percent,
		Steps:   obs.Steps,
		Elapsed: r.clock.Since(current.CreatedAt),
	})

	next.Status = target
	next.Progress = est.Progress
	next.StageLabel = est.StageLabel

	switch target {
	case models.StatusCompleted:
		next.ErrorMessage = ""
		next.ResultArtifact = obs.Artifact.Clone()
	case models.StatusFailed:
		next.ResultArtifact = nil
		next.ErrorMessage = obs.Error
		if next.ErrorMessage == "" {
			next.ErrorMessage = DefaultFailureMessage
		}
	default:
		next.ErrorMessage = ""
		next.ResultArtifact = nil
		if next.Progress < current.Progress {
			next.Progress = current.Progress
			if target == current.Status {
				next.StageLabel = current.StageLabel
			}
		}
	}
	return next
}

func (r *Reconciler) recordEvent(ctx context.Context, logger *zap.Logger, from models.Status,
	job *models.TrainingJob, source models.Source, reason string) {
	event := &models.JobEvent{
		JobID:      job.ID,
		FromStatus: from,
		ToStatus:   job.Status,
		Progress:   job.Progress,
		Source:     source,
		Reason:     reason,
		At:         job.UpdatedAt,
	}
	if err := r.store.AppendEvent(ctx, event); err != nil {
		logger.Warn("Failed to append job event", zap.Error(err))
	}
}

func sameState(a, b *models.TrainingJob) bool {
	return a.Status == b.Status &&
		a.Progress == b.Progress &&
		a.StageLabel == b.StageLabel &&
		a.ErrorMessage == b.ErrorMessage &&
		a.ProviderJobID == b.ProviderJobID &&
		(a.ResultArtifact == nil) == (b.ResultArtifact == nil)
}

func eventReason(obs models.Observation, job *models.TrainingJob) string {
	if obs.Reason != "" {
		return obs.Reason
	}
	if job.Status == models.StatusFailed {
		return job.ErrorMessage
	}
	return job.StageLabel
}
