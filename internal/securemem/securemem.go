// Package securemem keeps bearer tokens out of ordinary heap memory.
// Values are sealed in a memguard enclave (encrypted at rest, key held in
// locked memory) and only decrypted for the moment they are read.
package securemem

import (
	"crypto/subtle"
	"sync/atomic"

	"github.com/awnumar/memguard"
)

// Secret is an immutable sealed value. It is safe for concurrent use;
// Destroy makes every later read return the empty value.
type Secret struct {
	enclave atomic.Pointer[memguard.Enclave]
}

// NewSecret seals plaintext. An empty plaintext yields an empty Secret.
func NewSecret(plaintext string) *Secret {
	s := &Secret{}
	if plaintext == "" {
		return s
	}
	// NewEnclave wipes its input, so hand it a private copy.
	s.enclave.Store(memguard.NewEnclave([]byte(plaintext)))
	return s
}

// WithBytes opens the secret for the duration of fn. The slice is wiped
// when fn returns and must not be retained.
func (s *Secret) WithBytes(fn func([]byte)) bool {
	if s == nil {
		return false
	}
	e := s.enclave.Load()
	if e == nil {
		return false
	}
	buf, err := e.Open()
	if err != nil {
		return false
	}
	defer buf.Destroy()
	fn(buf.Bytes())
	return true
}

// String returns a plaintext copy in regular memory. Callers should keep it
// only as long as a request needs it.
func (s *Secret) String() string {
	var out string
	s.WithBytes(func(b []byte) { out = string(b) })
	return out
}

// IsEmpty reports whether s holds no value or was destroyed.
func (s *Secret) IsEmpty() bool {
	return s == nil || s.enclave.Load() == nil
}

// Equal compares against plaintext in constant time.
func (s *Secret) Equal(other string) bool {
	if s.IsEmpty() {
		return other == ""
	}
	equal := false
	s.WithBytes(func(b []byte) {
		equal = subtle.ConstantTimeCompare(b, []byte(other)) == 1
	})
	return equal
}

// Destroy drops the sealed value.
func (s *Secret) Destroy() {
	if s != nil {
		s.enclave.Store(nil)
	}
}

// Init installs memguard's interrupt handler, which wipes locked memory on
// SIGINT. Call once from main.
func Init() {
	memguard.CatchInterrupt()
}

// Purge wipes all memguard-managed memory. Call before exiting.
func Purge() {
	memguard.Purge()
}
