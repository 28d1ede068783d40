// Package replication pushes committed secret versions to replica regions.
//
// The propagator listens to store commit events and writes each version to
// every configured region at least once. Replica writes are keyed by the
// (name, version) pair and carry ciphertext only, so replays are harmless
// and a replica never holds plaintext. Replication lag is surfaced through
// per-region watermarks; it never blocks a promotion on the primary.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Item is one committed version to replicate. All material is ciphertext.
type Item struct {
	Name          string    `json:"name"`
	Version       int64     `json:"version"`
	Stage         string    `json:"stage"`
	KeyID         string    `json:"key_id"`
	WrappedKeyRef []byte    `json:"wrapped_key_ref"`
	Nonce         []byte    `json:"nonce"`
	Ciphertext    []byte    `json:"ciphertext"`
	CommittedAt   time.Time `json:"committed_at"`
}

// Key returns the idempotency key for replica writes.
func (i Item) Key() string {
	return fmt.Sprintf("%s/v%d", i.Name, i.Version)
}

// Payload returns the serialized replica document.
func (i Item) Payload() ([]byte, error) {
	return json.Marshal(i)
}

// Backend writes items to one replica target. Write must be idempotent on
// Item.Key: delivering the same committed version twice leaves the replica
// unchanged.
type Backend interface {
	Name() string
	Write(ctx context.Context, item Item) error
}

// replicaSlug flattens a secret path into the naming alphabet the cloud
// stores accept.
func replicaSlug(name string, version int64) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, name)
	return fmt.Sprintf("secretd-%s-v%d", slug, version)
}

// MemoryBackend stores items in memory. Used in tests and as a staging
// target when a region has no cloud store configured yet.
type MemoryBackend struct {
	mu      sync.Mutex
	items   map[string]Item
	writes  int
	failErr error
}

// NewMemoryBackend creates an empty in-memory replica.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]Item)}
}

// Name returns the backend type.
func (b *MemoryBackend) Name() string { return "memory" }

// SetFailure makes Write fail with err until cleared with nil.
func (b *MemoryBackend) SetFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
}

// Write stores the item, keyed for idempotency.
func (b *MemoryBackend) Write(ctx context.Context, item Item) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return b.failErr
	}
	b.writes++
	b.items[item.Key()] = item
	return nil
}

// Get returns a stored item by secret name and version.
func (b *MemoryBackend) Get(name string, version int64) (Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.items[Item{Name: name, Version: version}.Key()]
	return item, ok
}

// Len returns how many distinct versions the replica holds.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Writes returns the total number of write calls, including replays.
func (b *MemoryBackend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}
