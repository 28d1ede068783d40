// Package service is the control-plane facade.
//
// Every externally initiated operation flows through here in the same order:
// authorize the principal, perform the store operation, emit an audit record.
// Audit emission is asynchronous and never blocks or fails the operation.
// The scheduler and worker pool bypass this facade and act as the
// system:rotation principal directly.
package service

import (
	"context"
	"time"

	"github.com/systmms/secretd/internal/accessctl"
	"github.com/systmms/secretd/internal/audit"
	"github.com/systmms/secretd/internal/logging"
	"github.com/systmms/secretd/internal/metrics"
	"github.com/systmms/secretd/internal/scheduler"
	"github.com/systmms/secretd/internal/store"
)

// Emitter is the audit surface the facade needs.
type Emitter interface {
	Emit(rec audit.Record)
}

// Service wires authorization, storage, rotation and auditing behind one API.
type Service struct {
	store   *store.Store
	engine  *accessctl.Engine
	sched   *scheduler.Scheduler
	audit   Emitter
	metrics *metrics.Registry
	logger  *logging.Logger
}

// New builds the facade.
func New(st *store.Store, engine *accessctl.Engine, sched *scheduler.Scheduler, auditor Emitter, m *metrics.Registry, logger *logging.Logger) *Service {
	return &Service{
		store:   st,
		engine:  engine,
		sched:   sched,
		audit:   auditor,
		metrics: m,
		logger:  logger,
	}
}

// authorize checks the policy engine and records denials.
func (s *Service) authorize(principal, secret string, op accessctl.Operation, operation string) error {
	err := s.engine.Authorize(principal, secret, op)
	if err == nil {
		return nil
	}
	s.metrics.RecordAuthzDenied(string(op))
	s.emit(principal, secret, operation, audit.OutcomeDenied, 0, err.Error())
	return err
}

func (s *Service) emit(principal, secret, operation string, outcome audit.Outcome, version int64, detail string) {
	rec := audit.NewRecord(principal, secret, operation, outcome)
	rec.Version = version
	rec.Detail = detail
	s.audit.Emit(rec)
}

// finish emits the success or failure record for a completed store call.
func (s *Service) finish(principal, secret, operation string, version int64, err error) {
	if err != nil {
		s.emit(principal, secret, operation, audit.OutcomeFailure, version, err.Error())
		return
	}
	s.emit(principal, secret, operation, audit.OutcomeSuccess, version, "")
}

// CreateSecret provisions a new secret with an initial value.
func (s *Service) CreateSecret(ctx context.Context, principal, name string, value []byte) (int64, error) {
	if err := s.authorize(principal, name, accessctl.OpWrite, "CREATE"); err != nil {
		return 0, err
	}
	version, err := s.store.CreateSecret(ctx, name, value)
	s.finish(principal, name, "CREATE", version, err)
	return version, err
}

// GetSecret reads and decrypts a secret version.
func (s *Service) GetSecret(ctx context.Context, principal, name string, opts ...store.GetOption) (store.Version, error) {
	if err := s.authorize(principal, name, accessctl.OpRead, "READ"); err != nil {
		return store.Version{}, err
	}
	ver, err := s.store.Get(ctx, name, opts...)
	s.finish(principal, name, "READ", ver.Version, err)
	return ver, err
}

// PutSecret writes a new version under optimistic concurrency control.
func (s *Service) PutSecret(ctx context.Context, principal, name string, value []byte, expectedVersion int64) (int64, error) {
	if err := s.authorize(principal, name, accessctl.OpWrite, "WRITE"); err != nil {
		return 0, err
	}
	version, err := s.store.Put(ctx, name, value, expectedVersion)
	s.finish(principal, name, "WRITE", version, err)
	return version, err
}

// PromoteSecret commits a caller-written PENDING version as CURRENT. Rotation
// promotes through the worker pool; this is the manual-write counterpart.
func (s *Service) PromoteSecret(ctx context.Context, principal, name string, version int64) error {
	if err := s.authorize(principal, name, accessctl.OpWrite, "PROMOTE"); err != nil {
		return err
	}
	err := s.store.Promote(ctx, name, version)
	s.finish(principal, name, "PROMOTE", version, err)
	return err
}

// DescribeSecret returns record metadata. Works for disabled and stuck
// records because no secret material is touched.
func (s *Service) DescribeSecret(ctx context.Context, principal, name string) (store.SecretRecord, error) {
	if err := s.authorize(principal, name, accessctl.OpRead, "DESCRIBE"); err != nil {
		return store.SecretRecord{}, err
	}
	return s.store.DescribeRecord(ctx, name)
}

// ListVersions returns version metadata for a secret, newest first.
func (s *Service) ListVersions(ctx context.Context, principal, name string) ([]store.VersionInfo, error) {
	if err := s.authorize(principal, name, accessctl.OpRead, "DESCRIBE"); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, name)
}

// ListSecrets returns all secret records. Requires read access on "*".
func (s *Service) ListSecrets(ctx context.Context, principal string) ([]store.SecretRecord, error) {
	if err := s.authorize(principal, "*", accessctl.OpRead, "LIST"); err != nil {
		return nil, err
	}
	return s.store.List(ctx)
}

// DisableSecret blocks reads and writes without destroying material.
func (s *Service) DisableSecret(ctx context.Context, principal, name string) error {
	if err := s.authorize(principal, name, accessctl.OpWrite, "DISABLE"); err != nil {
		return err
	}
	err := s.store.Disable(ctx, name)
	s.finish(principal, name, "DISABLE", 0, err)
	return err
}

// EnableSecret returns a disabled secret to service.
func (s *Service) EnableSecret(ctx context.Context, principal, name string) error {
	if err := s.authorize(principal, name, accessctl.OpWrite, "ENABLE"); err != nil {
		return err
	}
	err := s.store.Enable(ctx, name)
	s.finish(principal, name, "ENABLE", 0, err)
	return err
}

// DeleteSecret schedules destruction after the retention window.
func (s *Service) DeleteSecret(ctx context.Context, principal, name string, retention time.Duration) error {
	if err := s.authorize(principal, name, accessctl.OpWrite, "DELETE"); err != nil {
		return err
	}
	err := s.store.MarkPendingDelete(ctx, name, retention)
	s.finish(principal, name, "DELETE", 0, err)
	return err
}

// SetRotationPolicy installs or replaces a secret's rotation policy.
func (s *Service) SetRotationPolicy(ctx context.Context, principal string, pol store.RotationPolicy) error {
	if err := s.authorize(principal, pol.SecretName, accessctl.OpRotate, "POLICY_SET"); err != nil {
		return err
	}
	err := s.store.SetRotationPolicy(ctx, pol)
	s.finish(principal, pol.SecretName, "POLICY_SET", 0, err)
	return err
}

// GetRotationPolicy reads a secret's rotation policy.
func (s *Service) GetRotationPolicy(ctx context.Context, principal, name string) (store.RotationPolicy, error) {
	if err := s.authorize(principal, name, accessctl.OpRead, "POLICY_GET"); err != nil {
		return store.RotationPolicy{}, err
	}
	return s.store.GetRotationPolicy(ctx, name)
}

// Rotate enqueues an immediate rotation, subject to the same dedup as the
// periodic scan. Returns false when a job was already outstanding.
func (s *Service) Rotate(ctx context.Context, principal, name string) (store.Job, bool, error) {
	if err := s.authorize(principal, name, accessctl.OpRotate, "ROTATE"); err != nil {
		return store.Job{}, false, err
	}
	job, enqueued, err := s.sched.ForceRotate(ctx, name)
	s.finish(principal, name, "ROTATE", 0, err)
	return job, enqueued, err
}

// ListJobs returns rotation job history. Requires read access on "*".
func (s *Service) ListJobs(ctx context.Context, principal string, status store.JobStatus, limit int) ([]store.Job, error) {
	if err := s.authorize(principal, "*", accessctl.OpRead, "JOBS"); err != nil {
		return nil, err
	}
	return s.store.ListJobs(ctx, status, limit)
}

// StuckSecrets returns records stuck in ROTATING past the attempt ceiling.
// Requires read access on "*".
func (s *Service) StuckSecrets(ctx context.Context, principal string) ([]store.SecretRecord, error) {
	if err := s.authorize(principal, "*", accessctl.OpRead, "JOBS"); err != nil {
		return nil, err
	}
	return s.store.StuckRecords(ctx)
}
