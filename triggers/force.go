package triggers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/apperrors"
	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/reconciler"
	"github.com/studioforge/model-trainer/backend/repository"
)

// DefaultInventoryTimeout bounds the artifact listing of a force-update
const DefaultInventoryTimeout = 30 * time.Second

// Decision names what a force-update concluded
type Decision string

const (
	DecisionAlreadyTerminal Decision = "already_terminal"
	DecisionCompleted       Decision = "completed"
	DecisionFailed          Decision = "failed"
	DecisionTraining        Decision = "training"
	DecisionStarting        Decision = "starting"
	DecisionNoChange        Decision = "no_change"
)

// ForceResult is the diagnostic returned to the operator
type ForceResult struct {
	Job            *models.TrainingJob
	PreviousStatus models.Status
	Decision       Decision
	Reason         string
	ArtifactFound  bool
	AgeMinutes     int
	// Outcome is empty when no observation was applied
	Outcome reconciler.Outcome
}

// Response converts the result to its API shape
func (r *ForceResult) Response() *models.ForceUpdateResponse {
	return &models.ForceUpdateResponse{
		Job:            models.NewJobStatusResponse(r.Job),
		PreviousStatus: r.PreviousStatus,
		Decision:       string(r.Decision),
		Reason:         r.Reason,
		ArtifactFound:  r.ArtifactFound,
		AgeMinutes:     r.AgeMinutes,
		Outcome:        string(r.Outcome),
	}
}

// ForceUpdater consults the artifact inventory on operator request.
// A found artifact completes the job whatever the provider reports.
type ForceUpdater struct {
	reconciler  *reconciler.Reconciler
	inventories map[models.Provider]ArtifactInventory
	policy      TimeoutPolicy
	timeout     time.Duration
	clock       clock.Clock
	logger      *zap.Logger
}

// NewForceUpdater creates the force-update trigger
func NewForceUpdater(r *reconciler.Reconciler, policy TimeoutPolicy, timeout time.Duration,
	logger *zap.Logger, inventories ...ArtifactInventory) *ForceUpdater {
	if timeout <= 0 {
		timeout = DefaultInventoryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForceUpdater{
		reconciler:  r,
		inventories: inventoriesByProvider(inventories),
		policy:      policy,
		timeout:     timeout,
		clock:       r.Clock(),
		logger:      logger,
	}
}

// ForceUpdate re-evaluates jobID against the artifact inventory and its age
func (f *ForceUpdater) ForceUpdate(ctx context.Context, jobID string) (*ForceResult, error) {
	job, err := f.reconciler.Store().Get(ctx, jobID)
	if err != nil {
		return nil, storeError(jobID, err)
	}

	age := f.clock.Since(job.CreatedAt)
	result := &ForceResult{
		Job:            job,
		PreviousStatus: job.Status,
		AgeMinutes:     AgeMinutes(age),
	}
	logger := f.logger.With(
		zap.String("job_id", jobID),
		zap.String("status", string(job.Status)),
		zap.Int("age_minutes", result.AgeMinutes))

	if job.IsTerminal() {
		result.Decision = DecisionAlreadyTerminal
		result.Reason = fmt.Sprintf("job is already %s", job.Status)
		return result, nil
	}

	artifact, invErr := f.findArtifact(ctx, job)
	timeout := f.policy.For(job)

	var obs models.Observation
	switch {
	case invErr == nil && artifact != nil:
		result.ArtifactFound = true
		result.Decision = DecisionCompleted
		result.Reason = "completed artifact found in inventory"
		obs = internal(models.StatusCompleted, result.Reason)
		obs.Artifact = artifact
	case invErr != nil && age > timeout:
		result.Decision = DecisionFailed
		result.Reason = fmt.Sprintf("%s. Inventory check error: %v", TimeoutMessage(age), invErr)
		obs = internal(models.StatusFailed, result.Reason)
		obs.Error = result.Reason
	case invErr != nil:
		logger.Warn("Artifact inventory check failed", zap.Error(invErr))
		if !errors.Is(invErr, apperrors.ErrProviderUnavailable) {
			invErr = apperrors.ProviderUnavailable(string(job.Provider)+".inventory", invErr)
		}
		return nil, invErr
	case age > timeout:
		result.Decision = DecisionFailed
		result.Reason = TimeoutMessage(age)
		obs = internal(models.StatusFailed, "no artifact after timeout")
		obs.Error = result.Reason
	case age > timeout/2:
		result.Decision = DecisionTraining
		result.Reason = "no artifact yet; job presumed training"
		obs = internal(models.StatusTraining, result.Reason)
	case job.Status == models.StatusStarting:
		result.Decision = DecisionStarting
		result.Reason = "no artifact yet; job still starting"
		obs = internal(models.StatusStarting, result.Reason)
	default:
		result.Decision = DecisionNoChange
		result.Reason = "no artifact yet; nothing to change"
		return result, nil
	}

	obs.Source = models.SourceForce
	res, err := f.reconciler.Apply(ctx, jobID, obs)
	if err != nil {
		return nil, err
	}
	result.Job = res.Job
	result.PreviousStatus = res.PreviousStatus
	result.Outcome = res.Outcome
	logger.Info("Force-update decided",
		zap.String("decision", string(result.Decision)),
		zap.Bool("artifact_found", result.ArtifactFound),
		zap.String("outcome", string(res.Outcome)))
	return result, nil
}

func (f *ForceUpdater) findArtifact(ctx context.Context, job *models.TrainingJob) (*models.ResultArtifact, error) {
	inv, ok := f.inventories[job.Provider]
	if !ok {
		return nil, fmt.Errorf("no artifact inventory for provider %s", job.Provider)
	}
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return inv.FindArtifact(callCtx, job)
}

// internal builds an observation in the canonical vocabulary
func internal(s models.Status, reason string) models.Observation {
	return models.Observation{
		Provider:  models.ProviderInternal,
		RawStatus: string(s),
		Reason:    reason,
	}
}

func storeError(jobID string, err error) error {
	if repository.IsNotFound(err) {
		return apperrors.NotFound(jobID)
	}
	return fmt.Errorf("failed to read training job %s: %w", jobID, err)
}
