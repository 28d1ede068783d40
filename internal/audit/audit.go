// Package audit emits the control plane's audit trail.
//
// Every externally observable operation produces one Record. Emission never
// blocks or fails the operation that produced it: records are queued, a
// background goroutine appends them to the configured sink with retries, and
// when the sink stays down past the retry budget the records spill to a
// durable local directory. Spilled records are replayed once the sink
// recovers. Record IDs are UUIDs so a sink that receives a record twice can
// deduplicate.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how an operation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeDenied  Outcome = "DENIED"
)

// Record is one audit trail entry. Detail must never contain secret material.
type Record struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Principal string    `json:"principal"`
	Secret    string    `json:"secret,omitempty"`
	Operation string    `json:"operation"`
	Outcome   Outcome   `json:"outcome"`
	Version   int64     `json:"version,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// NewRecord builds a record with a fresh ID and the current time.
func NewRecord(principal, secret, operation string, outcome Outcome) Record {
	return Record{
		ID:        uuid.NewString(),
		Time:      time.Now().UTC(),
		Principal: principal,
		Secret:    secret,
		Operation: operation,
		Outcome:   outcome,
	}
}
