package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	dserrors "github.com/systmms/secretd/internal/errors"
)

// SetRotationPolicy creates or replaces the rotation policy for a secret.
// A zero NextDue schedules the first rotation one interval from now.
func (s *Store) SetRotationPolicy(ctx context.Context, pol RotationPolicy) error {
	if _, err := s.DescribeRecord(ctx, pol.SecretName); err != nil {
		return err
	}
	if pol.NextDue.IsZero() {
		pol.NextDue = s.now().Add(pol.Interval())
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rotation_policies
		   (secret_name, interval_seconds, grace_seconds, max_attempts, action_kind,
		    action_config, secret_length, secret_charset, next_due)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (secret_name) DO UPDATE SET
		   interval_seconds = excluded.interval_seconds,
		   grace_seconds    = excluded.grace_seconds,
		   max_attempts     = excluded.max_attempts,
		   action_kind      = excluded.action_kind,
		   action_config    = excluded.action_config,
		   secret_length    = excluded.secret_length,
		   secret_charset   = excluded.secret_charset,
		   next_due         = excluded.next_due`,
		pol.SecretName, pol.IntervalSeconds, pol.GraceSeconds, pol.MaxAttempts,
		pol.ActionKind, string(pol.ActionConfig), pol.SecretLength, pol.SecretCharset,
		pol.NextDue)
	if err != nil {
		return err
	}
	s.logger.Info("Rotation policy set for %s (every %s)", pol.SecretName, pol.Interval())
	return nil
}

// GetRotationPolicy reads the policy for a secret.
func (s *Store) GetRotationPolicy(ctx context.Context, secretName string) (RotationPolicy, error) {
	var (
		pol          RotationPolicy
		actionConfig sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT secret_name, interval_seconds, grace_seconds, max_attempts, action_kind,
		        action_config, secret_length, secret_charset, next_due
		 FROM rotation_policies WHERE secret_name = ?`, secretName).
		Scan(&pol.SecretName, &pol.IntervalSeconds, &pol.GraceSeconds, &pol.MaxAttempts,
			&pol.ActionKind, &actionConfig, &pol.SecretLength, &pol.SecretCharset, &pol.NextDue)
	if errors.Is(err, sql.ErrNoRows) {
		return RotationPolicy{}, dserrors.NotFoundError{Name: secretName, Stage: "policy"}
	}
	if err != nil {
		return RotationPolicy{}, err
	}
	if actionConfig.Valid {
		pol.ActionConfig = []byte(actionConfig.String)
	}
	return pol, nil
}

// DuePolicies returns policies whose next_due has passed and whose record is
// ACTIVE. ROTATING records are skipped: either a job is already in flight or
// the record is stuck and waits for the operator.
func (s *Store) DuePolicies(ctx context.Context, now time.Time) ([]RotationPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.secret_name, p.interval_seconds, p.grace_seconds, p.max_attempts,
		        p.action_kind, p.action_config, p.secret_length, p.secret_charset, p.next_due
		 FROM rotation_policies p
		 JOIN secret_records r ON r.name = p.secret_name
		 WHERE p.next_due <= ? AND r.state = ?
		 ORDER BY p.next_due`,
		now, StateActive)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RotationPolicy
	for rows.Next() {
		var (
			pol          RotationPolicy
			actionConfig sql.NullString
		)
		if err := rows.Scan(&pol.SecretName, &pol.IntervalSeconds, &pol.GraceSeconds,
			&pol.MaxAttempts, &pol.ActionKind, &actionConfig, &pol.SecretLength,
			&pol.SecretCharset, &pol.NextDue); err != nil {
			return nil, err
		}
		if actionConfig.Valid {
			pol.ActionConfig = []byte(actionConfig.String)
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

// AdvanceNextDue moves a policy's due time forward. Called only after a
// successful enqueue, so a failed tick retries the same due time.
func (s *Store) AdvanceNextDue(ctx context.Context, secretName string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rotation_policies SET next_due = ? WHERE secret_name = ?`,
		next, secretName)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dserrors.NotFoundError{Name: secretName, Stage: "policy"}
	}
	return nil
}
