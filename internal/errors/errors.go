// Package errors defines the error taxonomy of the secretd control plane.
//
// Every component returns one of the typed errors below so that callers can
// classify failures with errors.As and decide between surfacing, retrying and
// degrading. The taxonomy:
//
//   - NotFoundError: unknown secret, version or stage. Never retried.
//   - VersionConflictError: optimistic-concurrency collision on Put. The caller
//     re-reads the current version and retries.
//   - UnauthorizedError: access policy denial. Never retried, always audited.
//   - ExternalActionError: the rotation action against the external resource
//     failed. Retried with backoff up to the policy ceiling, then escalated.
//   - KeyProviderError: the key provider was unreachable or timed out. Always
//     transient; no partial write exists before a successful wrap, so retrying
//     is safe.
//   - AuditSinkError: the audit sink rejected or never acknowledged an append.
//     Triggers local spill, never blocks the operation that produced the record.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError indicates that a secret, version or stage does not exist.
type NotFoundError struct {
	Name    string
	Version int64  // 0 when addressing by stage or name only
	Stage   string // empty when addressing by version or name only
}

func (e NotFoundError) Error() string {
	switch {
	case e.Version > 0:
		return fmt.Sprintf("secret not found: %s version %d", e.Name, e.Version)
	case e.Stage != "":
		return fmt.Sprintf("secret not found: %s stage %s", e.Name, e.Stage)
	default:
		return "secret not found: " + e.Name
	}
}

// VersionConflictError indicates that a Put carried a stale expected version.
type VersionConflictError struct {
	Name     string
	Expected int64
	Actual   int64
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current is %d",
		e.Name, e.Expected, e.Actual)
}

// UnauthorizedError indicates a closed-world policy denial.
type UnauthorizedError struct {
	Principal string
	Secret    string
	Operation string
	Reason    string
}

func (e UnauthorizedError) Error() string {
	msg := fmt.Sprintf("principal %q is not authorized to %s %s",
		e.Principal, strings.ToLower(e.Operation), e.Secret)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ExternalActionError indicates that the rotation action step failed.
// Attempt carries the attempt number that failed so job records and audit
// entries can reference it.
type ExternalActionError struct {
	Secret  string
	Kind    string
	Attempt int
	Err     error
}

func (e ExternalActionError) Error() string {
	return fmt.Sprintf("rotation action %s failed for %s (attempt %d): %v",
		e.Kind, e.Secret, e.Attempt, e.Err)
}

func (e ExternalActionError) Unwrap() error { return e.Err }

// KeyProviderError indicates a transient key provider failure. No ciphertext
// is written before a successful wrap, so callers retry without cleanup.
type KeyProviderError struct {
	Operation string // "wrap", "unwrap" or "describe"
	Err       error
}

func (e KeyProviderError) Error() string {
	return fmt.Sprintf("key provider %s failed: %v", e.Operation, e.Err)
}

func (e KeyProviderError) Unwrap() error { return e.Err }

// AuditSinkError indicates the audit sink could not acknowledge an append
// within the retry budget. The emitter spills the record locally instead.
type AuditSinkError struct {
	RecordID string
	Err      error
}

func (e AuditSinkError) Error() string {
	return fmt.Sprintf("audit sink append failed for record %s: %v", e.RecordID, e.Err)
}

func (e AuditSinkError) Unwrap() error { return e.Err }

// InvalidStateError indicates an operation against a record or version in a
// state that does not permit it, e.g. promoting a version that is not PENDING.
type InvalidStateError struct {
	Name    string
	State   string
	Message string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for %s (%s): %s", e.Name, e.State, e.Message)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a VersionConflictError.
func IsConflict(err error) bool {
	var vc VersionConflictError
	return errors.As(err, &vc)
}

// IsUnauthorized reports whether err is an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var ua UnauthorizedError
	return errors.As(err, &ua)
}

// IsRetryable reports whether the failure is transient and safe to retry.
// Conflicts require a fresh read before retrying, which is the caller's
// job, so they are not reported here.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var kp KeyProviderError
	if errors.As(err, &kp) {
		return true
	}
	var ea ExternalActionError
	if errors.As(err, &ea) {
		return true
	}
	var as AuditSinkError
	if errors.As(err, &as) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// UserError wraps an error with operator-facing guidance for CLI output.
type UserError struct {
	Message    string
	Suggestion string
	Err        error
}

func (e UserError) Error() string {
	var parts []string
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if e.Suggestion != "" {
		parts = append(parts, "\n  Try: "+e.Suggestion)
	}
	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error { return e.Err }

// ConfigError reports a problem in secretd.yaml with enough context to fix it.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message
	if e.Suggestion != "" {
		msg += "\n  " + e.Suggestion
	}
	return msg
}
