package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS secret_records (
	name            TEXT PRIMARY KEY,
	current_version INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL,
	delete_after    DATETIME
);

CREATE TABLE IF NOT EXISTS secret_versions (
	name            TEXT NOT NULL,
	version         INTEGER NOT NULL,
	stage           TEXT NOT NULL,
	ciphertext      BLOB NOT NULL,
	nonce           BLOB NOT NULL,
	wrapped_key_ref BLOB NOT NULL,
	key_id          TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	promoted_at     DATETIME,
	demoted_at      DATETIME,
	PRIMARY KEY (name, version)
);

-- Storage-level guarantee that a secret never has two CURRENT versions.
CREATE UNIQUE INDEX IF NOT EXISTS one_current
	ON secret_versions (name) WHERE stage = 'CURRENT';

CREATE TABLE IF NOT EXISTS rotation_policies (
	secret_name      TEXT PRIMARY KEY,
	interval_seconds INTEGER NOT NULL,
	grace_seconds    INTEGER NOT NULL,
	max_attempts     INTEGER NOT NULL,
	action_kind      TEXT NOT NULL,
	action_config    TEXT,
	secret_length    INTEGER NOT NULL,
	secret_charset   TEXT,
	next_due         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rotation_jobs (
	id              TEXT PRIMARY KEY,
	secret_name     TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	scheduled_at    DATETIME NOT NULL,
	next_attempt_at DATETIME NOT NULL,
	claimed_by      TEXT NOT NULL DEFAULT '',
	claimed_at      DATETIME,
	finished_at     DATETIME,
	last_error      TEXT NOT NULL DEFAULT ''
);

-- "Insert if none pending": at most one QUEUED or IN_PROGRESS job per secret.
CREATE UNIQUE INDEX IF NOT EXISTS one_outstanding
	ON rotation_jobs (secret_name) WHERE status IN ('QUEUED', 'IN_PROGRESS');

CREATE INDEX IF NOT EXISTS jobs_by_status
	ON rotation_jobs (status, next_attempt_at);
`

// OpenDB opens the SQLite database at path and applies the schema. The
// busy timeout keeps concurrent workers from surfacing spurious
// SQLITE_BUSY errors as failures.
func OpenDB(ctx context.Context, path string, busyTimeoutMs int) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach store database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply store schema: %w", err)
	}
	return db, nil
}
