// Package scheduler decides when rotations happen.
//
// A single loop ticks at a configurable interval and does four things: it
// reclaims jobs from dead workers, enqueues a job for every policy whose
// due time has passed, demotes PREVIOUS versions whose grace window
// elapsed, and purges records past their deletion retention. All state
// lives in the store; a scheduler restart loses nothing and a missed tick
// only delays work until the next one.
package scheduler

import (
	"context"
	"time"

	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/logging"
	"github.com/systmms/secretd/internal/metrics"
	"github.com/systmms/secretd/internal/store"
)

// Scheduler runs the periodic rotation scan.
type Scheduler struct {
	store   *store.Store
	logger  *logging.Logger
	metrics *metrics.Registry

	tick           time.Duration
	claimStaleness time.Duration
	now            func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler.
func New(st *store.Store, logger *logging.Logger, m *metrics.Registry, tick, claimStaleness time.Duration) *Scheduler {
	return &Scheduler{
		store:          st,
		logger:         logger,
		metrics:        m,
		tick:           tick,
		claimStaleness: claimStaleness,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// NewWithOptions creates a scheduler with test options applied.
func NewWithOptions(st *store.Store, logger *logging.Logger, m *metrics.Registry, tick, claimStaleness time.Duration, opts ...Option) *Scheduler {
	s := New(st, logger, m, tick, claimStaleness)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled. The first tick fires immediately so a
// restart picks up overdue work without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one full scheduler pass. Each phase logs and continues on
// error; a broken phase must not starve the others.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	if _, err := s.store.ReclaimStaleJobs(ctx, s.claimStaleness); err != nil {
		s.logger.Error("Failed to reclaim stale jobs: %v", err)
	}

	s.enqueueDue(ctx, now)

	if _, err := s.store.SweepExpiredPrevious(ctx); err != nil {
		s.logger.Error("Grace-period sweep failed: %v", err)
	}
	if _, err := s.store.Purge(ctx); err != nil {
		s.logger.Error("Retention purge failed: %v", err)
	}

	s.observe(ctx)
}

func (s *Scheduler) enqueueDue(ctx context.Context, now time.Time) {
	due, err := s.store.DuePolicies(ctx, now)
	if err != nil {
		s.logger.Error("Failed to scan due rotation policies: %v", err)
		return
	}

	for _, pol := range due {
		job, enqueued, err := s.store.EnqueueJob(ctx, pol.SecretName)
		if err != nil {
			s.logger.Error("Failed to enqueue rotation for %s: %v", pol.SecretName, err)
			continue
		}
		if !enqueued {
			// A job is already outstanding; the due time stays put and
			// the next tick tries again once that job resolves.
			continue
		}

		s.logger.Info("Rotation due for %s, enqueued job %s", pol.SecretName, job.ID)
		if err := s.store.AdvanceNextDue(ctx, pol.SecretName, now.Add(pol.Interval())); err != nil {
			s.logger.Error("Failed to advance due time for %s: %v", pol.SecretName, err)
		}
	}
}

// ForceRotate enqueues a rotation for one secret immediately, using the
// same dedup primitive as the periodic scan. Returns false when a job was
// already outstanding. Disabled and deleting records refuse rotations; a
// job for them could never write its PENDING version.
func (s *Scheduler) ForceRotate(ctx context.Context, secretName string) (store.Job, bool, error) {
	rec, err := s.store.DescribeRecord(ctx, secretName)
	if err != nil {
		return store.Job{}, false, err
	}
	if rec.State != store.StateActive && rec.State != store.StateRotating {
		return store.Job{}, false, dserrors.InvalidStateError{
			Name: secretName, State: string(rec.State),
			Message: "secret does not accept rotations",
		}
	}
	if _, err := s.store.GetRotationPolicy(ctx, secretName); err != nil {
		return store.Job{}, false, err
	}
	return s.store.EnqueueJob(ctx, secretName)
}

func (s *Scheduler) observe(ctx context.Context) {
	if n, err := s.store.OutstandingJobCount(ctx); err == nil {
		s.metrics.SetJobsOutstanding(n)
	}
	if stuck, err := s.store.StuckRecords(ctx); err == nil {
		s.metrics.SetStuckRotations(len(stuck))
		for _, rec := range stuck {
			s.logger.Warn("Secret %s is stuck in ROTATING and needs operator attention", rec.Name)
		}
	}
}
