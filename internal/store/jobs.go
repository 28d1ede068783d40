package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	dserrors "github.com/systmms/secretd/internal/errors"
)

// EnqueueJob inserts a QUEUED rotation job for the secret unless one is
// already outstanding. The one_outstanding index makes the check-and-insert
// atomic; losing to it is the normal dedup path, not an error.
func (s *Store) EnqueueJob(ctx context.Context, secretName string) (Job, bool, error) {
	now := s.now()
	job := Job{
		ID:            uuid.NewString(),
		SecretName:    secretName,
		Status:        JobQueued,
		ScheduledAt:   now,
		NextAttemptAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rotation_jobs (id, secret_name, status, attempts, scheduled_at, next_attempt_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		job.ID, secretName, JobQueued, now, now)
	if isUniqueViolation(err) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}

	s.logger.Debug("Enqueued rotation job %s for %s", job.ID, secretName)
	return job, true, nil
}

// ClaimJob atomically moves one due QUEUED job to IN_PROGRESS for the given
// worker. The claim is a compare-and-set on status, so two workers can race
// for the same row and exactly one wins. Returns false when nothing is due.
func (s *Store) ClaimJob(ctx context.Context, workerID string) (Job, bool, error) {
	now := s.now()
	for {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM rotation_jobs
			 WHERE status = ? AND next_attempt_at <= ?
			 ORDER BY scheduled_at LIMIT 1`,
			JobQueued, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		if err != nil {
			return Job{}, false, err
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE rotation_jobs
			 SET status = ?, claimed_by = ?, claimed_at = ?
			 WHERE id = ? AND status = ?`,
			JobInProgress, workerID, now, id, JobQueued)
		if err != nil {
			return Job{}, false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Job{}, false, err
		}
		if n == 0 {
			// Lost the race; look for another job.
			continue
		}

		job, err := s.GetJob(ctx, id)
		if err != nil {
			return Job{}, false, err
		}
		return job, true, nil
	}
}

// ReclaimStaleJobs re-queues IN_PROGRESS jobs whose claim is older than the
// staleness threshold, covering workers that died mid-rotation. The attempt
// counter is untouched: a reclaimed attempt never ran to a verdict.
func (s *Store) ReclaimStaleJobs(ctx context.Context, staleness time.Duration) (int, error) {
	cutoff := s.now().Add(-staleness)
	res, err := s.db.ExecContext(ctx,
		`UPDATE rotation_jobs
		 SET status = ?, claimed_by = '', claimed_at = NULL
		 WHERE status = ? AND claimed_at <= ?`,
		JobQueued, JobInProgress, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("Reclaimed %d stale rotation jobs", n)
	}
	return int(n), nil
}

// CompleteJob marks a job SUCCEEDED.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, JobSucceeded, "")
}

// FailJobTerminal marks a job FAILED for good. The secret record stays in
// ROTATING; StuckRecords surfaces it to the operator.
func (s *Store) FailJobTerminal(ctx context.Context, id, lastError string) error {
	return s.finishJob(ctx, id, JobFailed, lastError)
}

func (s *Store) finishJob(ctx context.Context, id string, status JobStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rotation_jobs
		 SET status = ?, attempts = attempts + 1, finished_at = ?, last_error = ?
		 WHERE id = ? AND status = ?`,
		status, s.now(), lastError, id, JobInProgress)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dserrors.InvalidStateError{
			Name: id, State: "NOT_IN_PROGRESS",
			Message: "job is not in progress",
		}
	}
	return nil
}

// RequeueJob returns a failed attempt to QUEUED with a backoff delay before
// the next claim. The attempt counter advances here, so the ceiling counts
// completed attempts.
func (s *Store) RequeueJob(ctx context.Context, id, lastError string, nextAttemptIn time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rotation_jobs
		 SET status = ?, attempts = attempts + 1, next_attempt_at = ?, last_error = ?,
		     claimed_by = '', claimed_at = NULL
		 WHERE id = ? AND status = ?`,
		JobQueued, s.now().Add(nextAttemptIn), lastError, id, JobInProgress)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dserrors.InvalidStateError{
			Name: id, State: "NOT_IN_PROGRESS",
			Message: "job is not in progress",
		}
	}
	return nil
}

// ReleaseJob puts a claimed job back to QUEUED without counting an attempt.
// Used when the failure was infrastructure (key provider down), not the
// rotation itself: such retries never consume the policy ceiling.
func (s *Store) ReleaseJob(ctx context.Context, id string, retryIn time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rotation_jobs
		 SET status = ?, next_attempt_at = ?, claimed_by = '', claimed_at = NULL
		 WHERE id = ? AND status = ?`,
		JobQueued, s.now().Add(retryIn), id, JobInProgress)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dserrors.InvalidStateError{
			Name: id, State: "NOT_IN_PROGRESS",
			Message: "job is not in progress",
		}
	}
	return nil
}

// GetJob reads one job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, secret_name, status, attempts, scheduled_at, next_attempt_at,
		        claimed_by, claimed_at, finished_at, last_error
		 FROM rotation_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns jobs, newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	query := `SELECT id, secret_name, status, attempts, scheduled_at, next_attempt_at,
	                 claimed_by, claimed_at, finished_at, last_error
	          FROM rotation_jobs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY scheduled_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// OutstandingJobCount returns how many jobs are QUEUED or IN_PROGRESS.
func (s *Store) OutstandingJobCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rotation_jobs WHERE status IN (?, ?)`,
		JobQueued, JobInProgress).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job        Job
		claimedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.SecretName, &job.Status, &job.Attempts,
		&job.ScheduledAt, &job.NextAttemptAt, &job.ClaimedBy, &claimedAt,
		&finishedAt, &job.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, dserrors.NotFoundError{Name: "job"}
	}
	if err != nil {
		return Job{}, err
	}
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return job, nil
}
