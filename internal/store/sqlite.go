// Package store implements the versioned secret store on SQLite.
//
// Every mutation runs in a single transaction so invariants hold under
// concurrent callers: a secret has at most one CURRENT version, version
// numbers are contiguous, and optimistic writes lose cleanly with a
// VersionConflictError. Two invariants are additionally enforced by partial
// unique indexes (one_current, one_outstanding) so even a buggy caller
// cannot violate them.
//
// Plaintext secret material exists only in the envelope seal/open paths;
// everything at rest and on the commit event bus is ciphertext.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	dserrors "github.com/systmms/secretd/internal/errors"
	"github.com/systmms/secretd/internal/logging"
	"github.com/systmms/secretd/pkg/kms"
)

// Store is the durable secret store.
type Store struct {
	db       *sql.DB
	provider kms.KeyProvider
	logger   *logging.Logger
	now      func() time.Time

	defaultGrace time.Duration

	mu   sync.Mutex
	subs []chan CommitEvent
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDefaultGrace sets the PREVIOUS-stage grace window used for secrets
// that have no rotation policy.
func WithDefaultGrace(d time.Duration) Option {
	return func(s *Store) { s.defaultGrace = d }
}

// New creates a Store over an opened database.
func New(db *sql.DB, provider kms.KeyProvider, logger *logging.Logger, opts ...Option) *Store {
	s := &Store{
		db:           db,
		provider:     provider,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		defaultGrace: time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// isUniqueViolation reports whether err is a SQLite unique-index failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateSecret provisions a new secret with an initial CURRENT version 1.
func (s *Store) CreateSecret(ctx context.Context, name string, plaintext []byte) (int64, error) {
	env, err := sealVersion(ctx, s.provider, name, 1, plaintext)
	if err != nil {
		return 0, err
	}

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO secret_records (name, current_version, state, created_at, updated_at)
		 VALUES (?, 1, ?, ?, ?)`,
		name, StateActive, now, now)
	if isUniqueViolation(err) {
		return 0, dserrors.InvalidStateError{
			Name: name, State: "EXISTS", Message: "secret already exists",
		}
	}
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO secret_versions (name, version, stage, ciphertext, nonce, wrapped_key_ref, key_id, created_at, promoted_at)
		 VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?)`,
		name, StageCurrent, env.Ciphertext, env.Nonce, env.WrappedKeyRef, env.KeyID, now, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.logger.Info("Created secret %s (version 1)", name)
	s.publish(CommitEvent{
		Name: name, Version: 1, Stage: StageCurrent,
		KeyID: env.KeyID, WrappedKeyRef: env.WrappedKeyRef,
		Nonce: env.Nonce, Ciphertext: env.Ciphertext,
		CommittedAt: now,
	})
	return 1, nil
}

// Get reads and decrypts one version of a secret. With no options it returns
// the CURRENT version. WithStage(StagePrevious) serves the grace window: once
// the window has elapsed the version is demoted to DEPRECATED on the spot and
// the read reports not found. DEPRECATED material is never returned, not
// even when addressed by explicit version.
func (s *Store) Get(ctx context.Context, name string, opts ...GetOption) (Version, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.stage == "" && o.version == 0 {
		o.stage = StageCurrent
	}

	rec, err := s.DescribeRecord(ctx, name)
	if err != nil {
		return Version{}, err
	}
	switch rec.State {
	case StateDisabled:
		return Version{}, dserrors.InvalidStateError{
			Name: name, State: string(rec.State), Message: "secret is disabled",
		}
	case StatePendingDelete:
		return Version{}, dserrors.NotFoundError{Name: name}
	}

	var (
		row       *sql.Row
		ver       Version
		env       envelope
		demotedAt sql.NullTime
	)
	const cols = `version, stage, ciphertext, nonce, wrapped_key_ref, key_id, created_at, demoted_at`
	if o.version > 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM secret_versions WHERE name = ? AND version = ?`,
			name, o.version)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM secret_versions WHERE name = ? AND stage = ?`,
			name, o.stage)
	}

	err = row.Scan(&ver.Version, &ver.Stage, &env.Ciphertext, &env.Nonce,
		&env.WrappedKeyRef, &env.KeyID, &ver.CreatedAt, &demotedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, dserrors.NotFoundError{Name: name, Version: o.version, Stage: string(o.stage)}
	}
	if err != nil {
		return Version{}, err
	}

	if ver.Stage == StagePrevious {
		grace := s.graceFor(ctx, name)
		if demotedAt.Valid && s.now().After(demotedAt.Time.Add(grace)) {
			if _, err := s.db.ExecContext(ctx,
				`UPDATE secret_versions SET stage = ? WHERE name = ? AND version = ? AND stage = ?`,
				StageDeprecated, name, ver.Version, StagePrevious); err != nil {
				return Version{}, err
			}
			s.logger.Debug("Deprecated %s version %d (grace window elapsed)", name, ver.Version)
			return Version{}, dserrors.NotFoundError{Name: name, Stage: string(StagePrevious)}
		}
	}
	if ver.Stage == StageDeprecated {
		return Version{}, dserrors.NotFoundError{Name: name, Version: o.version, Stage: string(o.stage)}
	}

	value, err := openVersion(ctx, s.provider, name, ver.Version, env)
	if err != nil {
		return Version{}, err
	}

	ver.Name = name
	ver.KeyID = env.KeyID
	ver.Value = value
	return ver, nil
}

// graceFor returns the policy grace window for a secret, or the default.
func (s *Store) graceFor(ctx context.Context, name string) time.Duration {
	pol, err := s.GetRotationPolicy(ctx, name)
	if err != nil {
		return s.defaultGrace
	}
	return pol.Grace()
}

// Put writes plaintext as a new PENDING version numbered expectedVersion+1.
// It fails with VersionConflictError when expectedVersion is stale or when a
// concurrent Put won the race for the same slot. The ciphertext is produced
// before the transaction opens, so a key provider failure leaves no partial
// write behind.
func (s *Store) Put(ctx context.Context, name string, plaintext []byte, expectedVersion int64) (int64, error) {
	newVersion := expectedVersion + 1
	env, err := sealVersion(ctx, s.provider, name, newVersion, plaintext)
	if err != nil {
		return 0, err
	}

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current int64
		state   RecordState
	)
	err = tx.QueryRowContext(ctx,
		`SELECT current_version, state FROM secret_records WHERE name = ?`, name).
		Scan(&current, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, dserrors.NotFoundError{Name: name}
	}
	if err != nil {
		return 0, err
	}
	if state == StateDisabled || state == StatePendingDelete {
		return 0, dserrors.InvalidStateError{
			Name: name, State: string(state), Message: "secret does not accept writes",
		}
	}
	if current != expectedVersion {
		return 0, dserrors.VersionConflictError{Name: name, Expected: expectedVersion, Actual: current}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO secret_versions (name, version, stage, ciphertext, nonce, wrapped_key_ref, key_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		name, newVersion, StagePending, env.Ciphertext, env.Nonce, env.WrappedKeyRef, env.KeyID, now)
	if isUniqueViolation(err) {
		// A concurrent Put claimed the slot between our read and insert.
		return 0, dserrors.VersionConflictError{Name: name, Expected: expectedVersion, Actual: newVersion}
	}
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE secret_records SET state = ?, updated_at = ? WHERE name = ?`,
		StateRotating, now, name); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// PendingVersion returns the version number of the PENDING version, if any.
// Retried rotations reuse it instead of minting new material.
func (s *Store) PendingVersion(ctx context.Context, name string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM secret_versions WHERE name = ? AND stage = ?`,
		name, StagePending).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// Promote commits a rotation: in one transaction the old PREVIOUS becomes
// DEPRECATED, CURRENT becomes PREVIOUS, the named PENDING version becomes
// CURRENT and the record returns to ACTIVE. A commit event is published
// after the transaction lands.
func (s *Store) Promote(ctx context.Context, name string, version int64) error {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var stage Stage
	var env envelope
	err = tx.QueryRowContext(ctx,
		`SELECT stage, ciphertext, nonce, wrapped_key_ref, key_id
		 FROM secret_versions WHERE name = ? AND version = ?`,
		name, version).Scan(&stage, &env.Ciphertext, &env.Nonce, &env.WrappedKeyRef, &env.KeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return dserrors.NotFoundError{Name: name, Version: version}
	}
	if err != nil {
		return err
	}
	if stage != StagePending {
		return dserrors.InvalidStateError{
			Name: name, State: string(stage),
			Message: "only a PENDING version can be promoted",
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE secret_versions SET stage = ? WHERE name = ? AND stage = ?`,
		StageDeprecated, name, StagePrevious); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE secret_versions SET stage = ?, demoted_at = ? WHERE name = ? AND stage = ?`,
		StagePrevious, now, name, StageCurrent); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE secret_versions SET stage = ?, promoted_at = ? WHERE name = ? AND version = ?`,
		StageCurrent, now, name, version); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE secret_records SET current_version = ?, state = ?, updated_at = ? WHERE name = ?`,
		version, StateActive, now, name); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info("Promoted %s to version %d", name, version)
	s.publish(CommitEvent{
		Name: name, Version: version, Stage: StageCurrent,
		KeyID: env.KeyID, WrappedKeyRef: env.WrappedKeyRef,
		Nonce: env.Nonce, Ciphertext: env.Ciphertext,
		CommittedAt: now,
	})
	return nil
}

// Disable blocks reads and writes without destroying material.
func (s *Store) Disable(ctx context.Context, name string) error {
	return s.setState(ctx, name, StateDisabled, nil)
}

// Enable returns a disabled secret to service.
func (s *Store) Enable(ctx context.Context, name string) error {
	return s.setState(ctx, name, StateActive, nil)
}

// MarkPendingDelete schedules destruction after the retention window.
func (s *Store) MarkPendingDelete(ctx context.Context, name string, retention time.Duration) error {
	deleteAfter := s.now().Add(retention)
	return s.setState(ctx, name, StatePendingDelete, &deleteAfter)
}

func (s *Store) setState(ctx context.Context, name string, state RecordState, deleteAfter *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE secret_records SET state = ?, delete_after = ?, updated_at = ? WHERE name = ?`,
		state, deleteAfter, s.now(), name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dserrors.NotFoundError{Name: name}
	}
	s.logger.Info("Secret %s is now %s", name, state)
	return nil
}

// Purge permanently removes records whose retention window has elapsed,
// along with their versions, policy and job history. Returns the purged names.
func (s *Store) Purge(ctx context.Context) ([]string, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM secret_records WHERE state = ? AND delete_after <= ?`,
		StatePendingDelete, now)
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, name := range names {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return names, err
		}
		for _, q := range []string{
			`DELETE FROM secret_versions WHERE name = ?`,
			`DELETE FROM rotation_policies WHERE secret_name = ?`,
			`DELETE FROM rotation_jobs WHERE secret_name = ?`,
			`DELETE FROM secret_records WHERE name = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, name); err != nil {
				_ = tx.Rollback()
				return names, err
			}
		}
		if err := tx.Commit(); err != nil {
			return names, err
		}
		s.logger.Info("Purged secret %s after retention", name)
	}
	return names, nil
}

// DescribeRecord returns record metadata. Never touches secret material, so
// it works for stuck and disabled records alike.
func (s *Store) DescribeRecord(ctx context.Context, name string) (SecretRecord, error) {
	var (
		rec         SecretRecord
		deleteAfter sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT name, current_version, state, created_at, updated_at, delete_after
		 FROM secret_records WHERE name = ?`, name).
		Scan(&rec.Name, &rec.CurrentVersion, &rec.State, &rec.CreatedAt, &rec.UpdatedAt, &deleteAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return SecretRecord{}, dserrors.NotFoundError{Name: name}
	}
	if err != nil {
		return SecretRecord{}, err
	}
	if deleteAfter.Valid {
		rec.DeleteAfter = &deleteAfter.Time
	}
	return rec, nil
}

// ListVersions returns version metadata for a secret, newest first.
func (s *Store) ListVersions(ctx context.Context, name string) ([]VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, stage, key_id, created_at, promoted_at, demoted_at
		 FROM secret_versions WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []VersionInfo
	for rows.Next() {
		var (
			vi         VersionInfo
			promotedAt sql.NullTime
			demotedAt  sql.NullTime
		)
		if err := rows.Scan(&vi.Version, &vi.Stage, &vi.KeyID, &vi.CreatedAt, &promotedAt, &demotedAt); err != nil {
			return nil, err
		}
		if promotedAt.Valid {
			vi.PromotedAt = &promotedAt.Time
		}
		if demotedAt.Valid {
			vi.DemotedAt = &demotedAt.Time
		}
		out = append(out, vi)
	}
	return out, rows.Err()
}

// List returns all secret records ordered by name.
func (s *Store) List(ctx context.Context) ([]SecretRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, current_version, state, created_at, updated_at, delete_after
		 FROM secret_records ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SecretRecord
	for rows.Next() {
		var (
			rec         SecretRecord
			deleteAfter sql.NullTime
		)
		if err := rows.Scan(&rec.Name, &rec.CurrentVersion, &rec.State, &rec.CreatedAt, &rec.UpdatedAt, &deleteAfter); err != nil {
			return nil, err
		}
		if deleteAfter.Valid {
			rec.DeleteAfter = &deleteAfter.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SweepExpiredPrevious demotes PREVIOUS versions whose grace window has
// elapsed. The lazy demotion in Get covers read paths; this sweep covers
// secrets nobody reads.
func (s *Store) SweepExpiredPrevious(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.name, v.version, v.demoted_at, COALESCE(p.grace_seconds, ?)
		 FROM secret_versions v
		 LEFT JOIN rotation_policies p ON p.secret_name = v.name
		 WHERE v.stage = ? AND v.demoted_at IS NOT NULL`,
		int(s.defaultGrace.Seconds()), StagePrevious)
	if err != nil {
		return 0, err
	}

	type target struct {
		name    string
		version int64
	}
	var targets []target
	now := s.now()
	for rows.Next() {
		var (
			t         target
			demotedAt time.Time
			graceSecs int
		)
		if err := rows.Scan(&t.name, &t.version, &demotedAt, &graceSecs); err != nil {
			_ = rows.Close()
			return 0, err
		}
		if now.After(demotedAt.Add(time.Duration(graceSecs) * time.Second)) {
			targets = append(targets, t)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, t := range targets {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE secret_versions SET stage = ? WHERE name = ? AND version = ? AND stage = ?`,
			StageDeprecated, t.name, t.version, StagePrevious); err != nil {
			return 0, err
		}
	}
	if len(targets) > 0 {
		s.logger.Debug("Deprecated %d expired PREVIOUS versions", len(targets))
	}
	return len(targets), nil
}

// StuckRecords returns records sitting in ROTATING with no outstanding job:
// the worker exhausted the attempt ceiling and gave the record back to the
// operator.
func (s *Store) StuckRecords(ctx context.Context) ([]SecretRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.name, r.current_version, r.state, r.created_at, r.updated_at
		 FROM secret_records r
		 WHERE r.state = ?
		   AND NOT EXISTS (
			SELECT 1 FROM rotation_jobs j
			WHERE j.secret_name = r.name AND j.status IN (?, ?))
		 ORDER BY r.name`,
		StateRotating, JobQueued, JobInProgress)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SecretRecord
	for rows.Next() {
		var rec SecretRecord
		if err := rows.Scan(&rec.Name, &rec.CurrentVersion, &rec.State, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CommittedVersions returns all CURRENT and PREVIOUS envelopes, for
// replication catch-up after restart or dropped events.
func (s *Store) CommittedVersions(ctx context.Context) ([]CommitEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.name, v.version, v.stage, v.key_id, v.wrapped_key_ref, v.nonce, v.ciphertext, v.created_at
		 FROM secret_versions v
		 JOIN secret_records r ON r.name = v.name
		 WHERE v.stage IN (?, ?) AND r.state != ?
		 ORDER BY v.name, v.version`,
		StageCurrent, StagePrevious, StatePendingDelete)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CommitEvent
	for rows.Next() {
		var ev CommitEvent
		if err := rows.Scan(&ev.Name, &ev.Version, &ev.Stage, &ev.KeyID,
			&ev.WrappedKeyRef, &ev.Nonce, &ev.Ciphertext, &ev.CommittedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
