package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	dserrors "github.com/systmms/secretd/internal/errors"
)

// StaticProvider is a KeyProvider backed by a single in-process master key.
// It exists for local development and tests; production deployments use an
// external service such as AWS KMS.
type StaticProvider struct {
	aead      cipher.AEAD
	keyID     string
	createdAt time.Time

	mu       sync.Mutex
	failNext error // injected fault for tests
}

// NewStaticProvider derives an AES-256-GCM master key from the given
// passphrase. The same passphrase always yields the same master key, so
// wrapped keys survive restarts.
func NewStaticProvider(keyID, passphrase string) (*StaticProvider, error) {
	if passphrase == "" {
		return nil, dserrors.ConfigError{
			Field:      "kms.passphrase",
			Message:    "passphrase is required for the static provider",
			Suggestion: "Set kms.passphrase, or switch kms.provider to aws.kms",
		}
	}

	sum := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &StaticProvider{
		aead:      aead,
		keyID:     keyID,
		createdAt: time.Now().UTC(),
	}, nil
}

// FailNext makes the next provider call return the given error. Test hook.
func (p *StaticProvider) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

func (p *StaticProvider) takeFault() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.failNext
	p.failNext = nil
	return err
}

// Name returns the provider identifier.
func (p *StaticProvider) Name() string { return "static" }

// WrapKey seals the data key under the derived master key.
func (p *StaticProvider) WrapKey(ctx context.Context, plaintextKey []byte) (WrappedKey, error) {
	if err := p.takeFault(); err != nil {
		return WrappedKey{}, dserrors.KeyProviderError{Operation: "wrap", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return WrappedKey{}, dserrors.KeyProviderError{Operation: "wrap", Err: err}
	}

	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return WrappedKey{}, dserrors.KeyProviderError{Operation: "wrap", Err: err}
	}

	sealed := p.aead.Seal(nonce, nonce, plaintextKey, []byte(p.keyID))
	return WrappedKey{KeyID: p.keyID, Ciphertext: sealed}, nil
}

// UnwrapKey opens a wrapped data key.
func (p *StaticProvider) UnwrapKey(ctx context.Context, ref WrappedKey) ([]byte, error) {
	if err := p.takeFault(); err != nil {
		return nil, dserrors.KeyProviderError{Operation: "unwrap", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, dserrors.KeyProviderError{Operation: "unwrap", Err: err}
	}

	ns := p.aead.NonceSize()
	if len(ref.Ciphertext) < ns {
		return nil, dserrors.KeyProviderError{
			Operation: "unwrap",
			Err:       fmt.Errorf("wrapped key blob too short (%d bytes)", len(ref.Ciphertext)),
		}
	}

	nonce, sealed := ref.Ciphertext[:ns], ref.Ciphertext[ns:]
	plaintext, err := p.aead.Open(nil, nonce, sealed, []byte(ref.KeyID))
	if err != nil {
		return nil, dserrors.KeyProviderError{Operation: "unwrap", Err: err}
	}
	return plaintext, nil
}

// DescribeKey returns metadata for the static master key.
func (p *StaticProvider) DescribeKey(ctx context.Context, ref WrappedKey) (KeyMetadata, error) {
	if err := p.takeFault(); err != nil {
		return KeyMetadata{}, dserrors.KeyProviderError{Operation: "describe", Err: err}
	}
	return KeyMetadata{
		KeyID:     p.keyID,
		Enabled:   true,
		Algorithm: "AES_256_GCM",
		CreatedAt: p.createdAt,
	}, nil
}
