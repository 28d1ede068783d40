// Package worker executes rotation jobs.
//
// Each worker claims one QUEUED job at a time via a compare-and-set and
// drives the four-step rotation: generate material, write it as PENDING,
// apply the external action under a hard timeout, then promote. The steps
// are ordered so that every failure mode leaves the system in a state the
// protocol can resume from:
//
//   - failure before the PENDING write changes nothing;
//   - failure after the PENDING write leaves material that the retry
//     reuses, so the external system and the store never diverge on which
//     value attempt N carried;
//   - failure after the action but before promote is the one window where
//     the external system may already accept the new value; retrying the
//     action with the same material is required to be safe, and promote
//     then completes the rotation.
//
// Key provider failures are infrastructure, not rotation failures: they
// release the claim without consuming an attempt.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/systmms/secretd/internal/accessctl"
	"github.com/systmms/secretd/internal/audit"
	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/logging"
	"github.com/systmms/secretd/internal/metrics"
	"github.com/systmms/secretd/internal/rotation"
	"github.com/systmms/secretd/internal/store"
)

// Emitter is the audit surface the pool needs.
type Emitter interface {
	Emit(rec audit.Record)
}

// Pool runs N rotation workers over the shared job queue.
type Pool struct {
	store   *store.Store
	logger  *logging.Logger
	metrics *metrics.Registry
	audit   Emitter

	count         int
	actionTimeout time.Duration
	pollInterval  time.Duration
	releaseDelay  time.Duration
	backoffBase   time.Duration

	// newAction is swapped by tests to inject scripted actions.
	newAction func(kind rotation.Kind, logger *logging.Logger) (rotation.Action, error)

	now func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithPollInterval sets how long an idle worker waits before rechecking the
// queue.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

// WithBackoffBase sets the base delay for attempt re-queues.
func WithBackoffBase(d time.Duration) Option {
	return func(p *Pool) { p.backoffBase = d }
}

// WithActionFactory overrides action construction. Test hook.
func WithActionFactory(f func(kind rotation.Kind, logger *logging.Logger) (rotation.Action, error)) Option {
	return func(p *Pool) { p.newAction = f }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// New creates a pool of count workers.
func New(st *store.Store, logger *logging.Logger, m *metrics.Registry, auditor Emitter, count int, actionTimeout time.Duration, opts ...Option) *Pool {
	p := &Pool{
		store:         st,
		logger:        logger,
		metrics:       m,
		audit:         auditor,
		count:         count,
		actionTimeout: actionTimeout,
		pollInterval:  time.Second,
		releaseDelay:  5 * time.Second,
		backoffBase:   30 * time.Second,
		newAction:     rotation.NewAction,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled and all workers
// have finished their in-flight job.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.count; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer func() { done <- struct{}{} }()
			p.runWorker(ctx, workerID)
		}()
	}
	for i := 0; i < p.count; i++ {
		<-done
	}
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, ok, err := p.store.ClaimJob(ctx, workerID)
		if err != nil {
			p.logger.Error("Worker %s failed to claim a job: %v", workerID, err)
		}
		if !ok || err != nil {
			select {
			case <-time.After(p.pollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		p.Process(ctx, job)
	}
}

// Process runs one rotation attempt for a claimed job.
func (p *Pool) Process(ctx context.Context, job store.Job) {
	name := job.SecretName
	start := p.now()

	pol, err := p.store.GetRotationPolicy(ctx, name)
	if err != nil {
		p.logger.Error("Job %s has no rotation policy for %s: %v", job.ID, name, err)
		_ = p.store.FailJobTerminal(ctx, job.ID, "no rotation policy")
		return
	}

	p.metrics.RecordRotationStarted(name, pol.ActionKind)

	newVersion, material, err := p.ensurePending(ctx, name, pol)
	if err != nil {
		if isTerminal(err) {
			p.failTerminal(ctx, job, pol, err, start)
			return
		}
		p.handleInfraFailure(ctx, job, err)
		return
	}

	action, err := p.newAction(rotation.Kind(pol.ActionKind), p.logger)
	if err != nil {
		// A policy referencing an unknown action kind can never succeed.
		p.finishFailed(ctx, job, pol, newVersion, err, start)
		return
	}

	actionCtx, cancel := context.WithTimeout(ctx, p.actionTimeout)
	err = action.Apply(actionCtx, rotation.Request{
		SecretName: name,
		Version:    newVersion,
		NewValue:   material,
		Config:     pol.ActionConfig,
	})
	cancel()
	if err != nil {
		actionErr := dserrors.ExternalActionError{
			Secret: name, Kind: pol.ActionKind, Attempt: job.Attempts + 1, Err: err,
		}
		p.finishFailed(ctx, job, pol, newVersion, actionErr, start)
		return
	}

	if err := p.store.Promote(ctx, name, newVersion); err != nil {
		if isTerminal(err) {
			p.failTerminal(ctx, job, pol, err, start)
			return
		}
		// Transient storage trouble; the claim stays resumable.
		p.handleInfraFailure(ctx, job, err)
		return
	}

	if err := p.store.CompleteJob(ctx, job.ID); err != nil {
		p.logger.Error("Failed to mark job %s complete: %v", job.ID, err)
	}

	p.metrics.RecordRotationCompleted(name, "succeeded", pol.ActionKind, p.now().Sub(start).Seconds())
	p.emitAttempt(name, job.ID, newVersion, audit.OutcomeSuccess, "")
	p.logger.Info("Rotated %s to version %d (job %s)", name, newVersion, job.ID)
}

// ensurePending returns the PENDING version and its material, creating them
// on the first attempt and reusing them on retries.
func (p *Pool) ensurePending(ctx context.Context, name string, pol store.RotationPolicy) (int64, []byte, error) {
	if pending, ok, err := p.store.PendingVersion(ctx, name); err != nil {
		return 0, nil, err
	} else if ok {
		ver, err := p.store.Get(ctx, name, store.WithVersion(pending))
		if err != nil {
			return 0, nil, err
		}
		return pending, ver.Value, nil
	}

	material, err := rotation.Generate(pol.SecretLength, pol.SecretCharset)
	if err != nil {
		return 0, nil, err
	}

	rec, err := p.store.DescribeRecord(ctx, name)
	if err != nil {
		return 0, nil, err
	}

	// The wrap call inside Put is the one transient dependency here; a
	// short retry rides out provider blips without giving up the claim.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	newVersion, err := backoff.Retry(ctx, func() (int64, error) {
		v, err := p.store.Put(ctx, name, material, rec.CurrentVersion)
		if err != nil && !dserrors.IsRetryable(err) {
			return 0, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(3))
	if err != nil {
		return 0, nil, err
	}
	return newVersion, material, nil
}

// isTerminal reports whether a store failure can never be cleared by
// retrying the claim: the secret is gone or in a state that refuses writes.
func isTerminal(err error) bool {
	var inv dserrors.InvalidStateError
	return dserrors.IsNotFound(err) || errors.As(err, &inv)
}

// failTerminal finalizes a job whose secret can no longer be rotated, e.g.
// it was disabled or deleted after the job was enqueued.
func (p *Pool) failTerminal(ctx context.Context, job store.Job, pol store.RotationPolicy, cause error, start time.Time) {
	p.logger.Error("Job %s for %s cannot proceed: %v", job.ID, job.SecretName, cause)
	p.emitAttempt(job.SecretName, job.ID, 0, audit.OutcomeFailure, cause.Error())
	if err := p.store.FailJobTerminal(ctx, job.ID, cause.Error()); err != nil {
		p.logger.Error("Failed to finalize job %s: %v", job.ID, err)
	}
	p.metrics.RecordRotationCompleted(job.SecretName, "failed", pol.ActionKind, p.now().Sub(start).Seconds())
}

// handleInfraFailure releases the claim without consuming an attempt.
func (p *Pool) handleInfraFailure(ctx context.Context, job store.Job, err error) {
	p.logger.Warn("Job %s for %s hit an infrastructure failure, releasing claim: %v",
		job.ID, job.SecretName, err)
	if releaseErr := p.store.ReleaseJob(ctx, job.ID, p.releaseDelay); releaseErr != nil {
		p.logger.Error("Failed to release job %s: %v", job.ID, releaseErr)
	}
}

// finishFailed records a failed attempt: re-queue with backoff while the
// ceiling allows, otherwise fail terminally and leave the record ROTATING
// for the operator.
func (p *Pool) finishFailed(ctx context.Context, job store.Job, pol store.RotationPolicy, version int64, cause error, start time.Time) {
	attempt := job.Attempts + 1
	p.emitAttempt(job.SecretName, job.ID, version, audit.OutcomeFailure, cause.Error())

	if attempt >= pol.MaxAttempts {
		p.logger.Error("Rotation of %s failed terminally after %d attempts: %v",
			job.SecretName, attempt, cause)
		if err := p.store.FailJobTerminal(ctx, job.ID, cause.Error()); err != nil {
			p.logger.Error("Failed to finalize job %s: %v", job.ID, err)
		}
		p.metrics.RecordRotationCompleted(job.SecretName, "failed", pol.ActionKind, p.now().Sub(start).Seconds())
		return
	}

	delay := p.backoffBase << (attempt - 1)
	p.logger.Warn("Rotation attempt %d/%d for %s failed, retrying in %s: %v",
		attempt, pol.MaxAttempts, job.SecretName, delay, cause)
	if err := p.store.RequeueJob(ctx, job.ID, cause.Error(), delay); err != nil {
		p.logger.Error("Failed to re-queue job %s: %v", job.ID, err)
	}
}

func (p *Pool) emitAttempt(secret, jobID string, version int64, outcome audit.Outcome, detail string) {
	rec := audit.NewRecord(accessctl.SystemRotation, secret, "ROTATE", outcome)
	rec.JobID = jobID
	rec.Version = version
	rec.Detail = detail
	p.audit.Emit(rec)
}
