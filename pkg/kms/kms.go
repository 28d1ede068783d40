// Package kms defines the key provider interface the secret store uses for
// envelope encryption.
//
// secretd never implements master-key cryptography itself. Each secret version
// is encrypted with a fresh data key, and the data key is wrapped by an
// external key-management service reached through the KeyProvider interface.
// The wrapped key reference is the only key material that touches durable
// storage; plaintext keys live in secure memory buffers and are destroyed
// after use.
//
// The provider call is the dominant latency source on the write path. Callers
// must apply a timeout via context and treat timeouts as retryable: no
// ciphertext is persisted before a successful wrap, so a retried wrap can
// never corrupt state.
//
// Implementations must be thread-safe; the store and the worker pool call the
// provider concurrently.
package kms

import (
	"context"
	"time"
)

// KeyProvider wraps and unwraps data keys against an external key service.
type KeyProvider interface {
	// Name returns the provider's stable, lowercase identifier, e.g.
	// "aws.kms" or "static". Used for logging and configuration.
	Name() string

	// WrapKey encrypts a plaintext data key under the provider's master key
	// and returns an opaque reference that can be persisted. The provider
	// must not retain the plaintext.
	WrapKey(ctx context.Context, plaintextKey []byte) (WrappedKey, error)

	// UnwrapKey decrypts a previously wrapped data key. The returned slice
	// is plaintext key material; callers seal it into a secure buffer or
	// wipe it as soon as possible.
	UnwrapKey(ctx context.Context, ref WrappedKey) ([]byte, error)

	// DescribeKey returns metadata about the master key backing the given
	// reference, without exposing any key material.
	DescribeKey(ctx context.Context, ref WrappedKey) (KeyMetadata, error)
}

// WrappedKey is an opaque, persistable reference to an encrypted data key.
type WrappedKey struct {
	// KeyID identifies the master key that wrapped the data key.
	KeyID string `json:"key_id"`

	// Ciphertext is the encrypted data key blob as returned by the service.
	Ciphertext []byte `json:"ciphertext"`
}

// KeyMetadata describes a master key without exposing material.
type KeyMetadata struct {
	KeyID     string    `json:"key_id"`
	Enabled   bool      `json:"enabled"`
	Algorithm string    `json:"algorithm,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
