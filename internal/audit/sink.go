package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	dserrors "github.com/systmms/secretd/internal/errors"
)

// Sink is the destination for audit records. Append must be safe for
// concurrent use and should be idempotent on Record.ID.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// FileSink appends records as JSON lines to a single log file.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates the sink, ensuring the parent directory exists.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return &FileSink{path: path}, nil
}

// Append writes one record as a JSON line, fsynced before returning so an
// acknowledged record survives a crash.
func (s *FileSink) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return dserrors.AuditSinkError{RecordID: rec.ID, Err: err}
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return dserrors.AuditSinkError{RecordID: rec.ID, Err: err}
	}
	if err := f.Sync(); err != nil {
		return dserrors.AuditSinkError{RecordID: rec.ID, Err: err}
	}
	return nil
}

// MemorySink collects records in memory. Test double with fault injection.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	seen    map[string]bool
	failErr error
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]bool)}
}

// SetFailure makes Append fail with err until cleared with nil.
func (s *MemorySink) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Append records the entry, deduplicating on ID.
func (s *MemorySink) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return dserrors.AuditSinkError{RecordID: rec.ID, Err: s.failErr}
	}
	if s.seen[rec.ID] {
		return nil
	}
	s.seen[rec.ID] = true
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
