package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/studioforge/model-trainer/backend/models"
	"github.com/studioforge/model-trainer/backend/observability"
	"github.com/studioforge/model-trainer/backend/reconciler"
	"github.com/studioforge/model-trainer/backend/triggers"
)

// DefaultInterval is how often the background loop sweeps
const DefaultInterval = time.Minute

// Sweep actions, also used as metric attributes
const (
	ActionTimedOut = "timed_out"
	ActionBridged  = "bridged"
)

// Report summarizes one sweep pass
type Report struct {
	Checked  int
	TimedOut int
	Bridged  int
}

// Sweeper fails jobs that outlived their timeout and moves stalled early
// jobs to Training, so every job eventually terminates without a provider
// signal.
type Sweeper struct {
	reconciler *reconciler.Reconciler
	policy     triggers.TimeoutPolicy
	interval   time.Duration
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *observability.Metrics
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewSweeper creates a sweeper; it uses the reconciler's clock
func NewSweeper(r *reconciler.Reconciler, policy triggers.TimeoutPolicy, interval time.Duration,
	logger *zap.Logger, metrics *observability.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		reconciler: r,
		policy:     policy,
		interval:   interval,
		clock:      r.Clock(),
		logger:     logger,
		metrics:    metrics,
		stopChan:   make(chan struct{}),
	}
}

// Start begins sweeping every interval
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("Stale job sweeper started", zap.Duration("interval", s.interval))
}

// Stop stops the loop and waits for an in-flight pass
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("Stale job sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("Sweep finished with errors", zap.Error(err))
			}
			cancel()
		}
	}
}

// RunOnce sweeps every non-terminal job once. A failure on one job does not
// stop the pass; all failures are returned together.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	start := s.clock.Now()

	jobs, err := s.reconciler.Store().ListActive(ctx)
	if err != nil {
		s.logger.Error("Failed to list active jobs", zap.Error(err))
		return report, err
	}

	var errs error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		report.Checked++
		action, err := s.sweepJob(ctx, job)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		switch action {
		case ActionTimedOut:
			report.TimedOut++
		case ActionBridged:
			report.Bridged++
		}
	}

	s.metrics.RecordSweep(ctx, len(jobs), s.clock.Since(start))
	if report.TimedOut > 0 || report.Bridged > 0 {
		s.logger.Info("Swept active jobs",
			zap.Int("checked", report.Checked),
			zap.Int("timed_out", report.TimedOut),
			zap.Int("bridged", report.Bridged))
	}
	return report, errs
}

// sweepJob applies the age policy to one job and returns the action taken
func (s *Sweeper) sweepJob(ctx context.Context, job *models.TrainingJob) (string, error) {
	age := s.clock.Since(job.CreatedAt)
	timeout := s.policy.For(job)

	var (
		obs    models.Observation
		action string
	)
	switch {
	case age > timeout:
		action = ActionTimedOut
		obs = models.Observation{
			Provider:  models.ProviderInternal,
			RawStatus: string(models.StatusFailed),
			Error:     triggers.TimeoutMessage(age),
			Reason:    "stale job timeout",
		}
	case age > timeout/2 && stalled(job.Status):
		action = ActionBridged
		obs = models.Observation{
			Provider:  models.ProviderInternal,
			RawStatus: string(models.StatusTraining),
			Reason:    "no provider signal; presumed training",
		}
	default:
		return "", nil
	}
	obs.Source = models.SourceSweep

	res, err := s.reconciler.Apply(ctx, job.ID, obs)
	if err != nil {
		s.logger.Warn("Failed to sweep job", zap.String("job_id", job.ID), zap.Error(err))
		return "", err
	}
	if res.Outcome != reconciler.OutcomeApplied {
		// another trigger got there first
		return "", nil
	}
	s.metrics.RecordSweepAction(ctx, action)
	return action, nil
}

func stalled(status models.Status) bool {
	return status == models.StatusStarting || status == models.StatusPreprocessing
}
