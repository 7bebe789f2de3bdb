package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when revealing a destroyed String.
var ErrDestroyed = errors.New("secure string destroyed")

// String is an immutable secret held in a memguard enclave.
// The zero value and nil both reveal as the empty string.
type String struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	empty     bool
	destroyed bool
}

// NewString seals s into an enclave. memguard wipes the buffer it is
// given, so a private copy is sealed and s itself is untouched.
func NewString(s string) *String {
	if s == "" {
		return &String{empty: true}
	}
	buf := []byte(s)
	return &String{enclave: memguard.NewEnclave(buf)}
}

// Reveal decrypts the secret and returns a plaintext copy.
func (s *String) Reveal() (string, error) {
	if s == nil {
		return "", nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return "", ErrDestroyed
	}
	if s.empty || s.enclave == nil {
		return "", nil
	}

	locked, err := s.enclave.Open()
	if err != nil {
		return "", err
	}
	defer locked.Destroy()

	return string(locked.Bytes()), nil
}

// MustReveal is Reveal for call sites that cannot fail in practice, such
// as building views of values sealed by this process. Errors reveal as "".
func (s *String) MustReveal() string {
	v, err := s.Reveal()
	if err != nil {
		return ""
	}
	return v
}

// Destroy drops the enclave. It is idempotent.
func (s *String) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enclave = nil
	s.destroyed = true
}

// String implements fmt.Stringer and never prints the secret.
func (s *String) String() string {
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v.
func (s *String) GoString() string {
	return "[REDACTED]"
}
