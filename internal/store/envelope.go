package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/systmms/secretd/internal/secure"
	"github.com/systmms/secretd/pkg/kms"
)

// dataKeySize is the AES-256 data key length. One fresh key per version;
// compromise of a single version never exposes its siblings.
const dataKeySize = 32

// envelope is the persisted ciphertext bundle for one secret version.
type envelope struct {
	Ciphertext    []byte
	Nonce         []byte
	WrappedKeyRef []byte
	KeyID         string
}

// sealVersion encrypts plaintext with a fresh data key and wraps the key via
// the provider. The additional data binds the ciphertext to its (name,
// version) address so a blob cannot be replayed under another identity.
func sealVersion(ctx context.Context, provider kms.KeyProvider, name string, version int64, plaintext []byte) (envelope, error) {
	rawKey := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, rawKey); err != nil {
		return envelope{}, fmt.Errorf("failed to generate data key: %w", err)
	}

	// Wrap before sealing into the enclave: memguard wipes the input slice.
	wrapped, err := provider.WrapKey(ctx, rawKey)
	if err != nil {
		return envelope{}, err
	}

	keyBuf, err := secure.NewBuffer(rawKey)
	if err != nil {
		return envelope{}, err
	}
	defer keyBuf.Destroy()

	locked, err := keyBuf.Open()
	if err != nil {
		return envelope{}, err
	}
	defer locked.Destroy()

	aead, err := newAEAD(locked.Bytes())
	if err != nil {
		return envelope{}, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return envelope{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, versionAAD(name, version))
	return envelope{
		Ciphertext:    ct,
		Nonce:         nonce,
		WrappedKeyRef: wrapped.Ciphertext,
		KeyID:         wrapped.KeyID,
	}, nil
}

// openVersion unwraps the data key via the provider and decrypts the
// ciphertext. The plaintext data key passes through a secure buffer and is
// destroyed before return.
func openVersion(ctx context.Context, provider kms.KeyProvider, name string, version int64, env envelope) ([]byte, error) {
	rawKey, err := provider.UnwrapKey(ctx, kms.WrappedKey{
		KeyID:      env.KeyID,
		Ciphertext: env.WrappedKeyRef,
	})
	if err != nil {
		return nil, err
	}

	keyBuf, err := secure.NewBuffer(rawKey)
	if err != nil {
		return nil, err
	}
	defer keyBuf.Destroy()

	locked, err := keyBuf.Open()
	if err != nil {
		return nil, err
	}
	defer locked.Destroy()

	aead, err := newAEAD(locked.Bytes())
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, versionAAD(name, version))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt version %d of %s: %w", version, name, err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func versionAAD(name string, version int64) []byte {
	return []byte(fmt.Sprintf("%s:%d", name, version))
}
