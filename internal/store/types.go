package store

import (
	"encoding/json"
	"time"
)

// RecordState is the lifecycle state of a secret record.
type RecordState string

const (
	StateActive        RecordState = "ACTIVE"
	StateRotating      RecordState = "ROTATING"
	StateDisabled      RecordState = "DISABLED"
	StatePendingDelete RecordState = "PENDING_DELETE"
)

// Stage is the position of a version in the rotation window.
type Stage string

const (
	StagePending    Stage = "PENDING"
	StageCurrent    Stage = "CURRENT"
	StagePrevious   Stage = "PREVIOUS"
	StageDeprecated Stage = "DEPRECATED"
)

// JobStatus is the state of a rotation job.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
)

// SecretRecord is the metadata row for one named secret.
type SecretRecord struct {
	Name           string
	CurrentVersion int64
	State          RecordState
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeleteAfter    *time.Time // set when state is PENDING_DELETE
}

// Version is a decrypted secret version as returned by Get. Value is
// plaintext; callers must not log it and should wipe it when done.
type Version struct {
	Name      string
	Version   int64
	Stage     Stage
	Value     []byte
	KeyID     string
	CreatedAt time.Time
}

// VersionInfo describes a version without exposing any material.
type VersionInfo struct {
	Version    int64
	Stage      Stage
	KeyID      string
	CreatedAt  time.Time
	PromotedAt *time.Time
	DemotedAt  *time.Time
}

// RotationPolicy drives the scheduler and the worker for one secret.
type RotationPolicy struct {
	SecretName      string
	IntervalSeconds int
	GraceSeconds    int
	MaxAttempts     int
	ActionKind      string // none | credential-update | key-regeneration
	ActionConfig    json.RawMessage
	SecretLength    int
	SecretCharset   string
	NextDue         time.Time
}

// Interval returns the rotation period.
func (p RotationPolicy) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Grace returns the window during which PREVIOUS stays readable.
func (p RotationPolicy) Grace() time.Duration {
	return time.Duration(p.GraceSeconds) * time.Second
}

// Job is one rotation attempt series for a secret.
type Job struct {
	ID            string
	SecretName    string
	Status        JobStatus
	Attempts      int
	ScheduledAt   time.Time
	NextAttemptAt time.Time
	ClaimedBy     string
	ClaimedAt     *time.Time
	FinishedAt    *time.Time
	LastError     string
}

// CommitEvent announces a durably committed version to replication. It
// carries ciphertext only; plaintext never crosses the event bus.
type CommitEvent struct {
	Name          string
	Version       int64
	Stage         Stage
	KeyID         string
	WrappedKeyRef []byte
	Nonce         []byte
	Ciphertext    []byte
	CommittedAt   time.Time
}

// GetOption narrows a Get to a specific version or stage.
type GetOption func(*getOptions)

type getOptions struct {
	version int64
	stage   Stage
}

// WithVersion pins the read to an explicit version number.
func WithVersion(v int64) GetOption {
	return func(o *getOptions) { o.version = v }
}

// WithStage reads the version currently holding the given stage.
func WithStage(s Stage) GetOption {
	return func(o *getOptions) { o.stage = s }
}
