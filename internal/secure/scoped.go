package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// ScopedSecret is a plaintext credential held in a locked buffer for the
// lifetime of one dispatch. Wipe releases it; every accessor returns the
// zero value afterwards.
type ScopedSecret struct {
	mu    sync.Mutex
	buf   *memguard.LockedBuffer
	wiped bool
}

// NewScopedSecret moves data into a locked buffer. data is wiped.
func NewScopedSecret(data []byte) *ScopedSecret {
	if len(data) == 0 {
		return &ScopedSecret{}
	}
	return &ScopedSecret{buf: memguard.NewBufferFromBytes(data)}
}

// NewScopedSecretString is NewScopedSecret for values that arrive as strings,
// such as a plugin's pull result.
func NewScopedSecretString(value string) *ScopedSecret {
	return NewScopedSecret([]byte(value))
}

// Bytes returns a view of the plaintext. The slice is invalid after Wipe.
func (s *ScopedSecret) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wiped || s.buf == nil {
		return nil
	}
	return s.buf.Bytes()
}

// String returns a copy of the plaintext.
func (s *ScopedSecret) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wiped || s.buf == nil {
		return ""
	}
	return string(s.buf.Bytes())
}

// Len reports the plaintext length, zero once wiped.
func (s *ScopedSecret) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wiped || s.buf == nil {
		return 0
	}
	return s.buf.Size()
}

// Wipe destroys the buffer. Safe to call more than once and on nil.
func (s *ScopedSecret) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wiped {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.wiped = true
}

// Wiped reports whether Wipe has run.
func (s *ScopedSecret) Wiped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wiped
}

// WithScoped acquires a secret, hands it to use and wipes it on every exit
// path, including a panic in use.
func WithScoped(acquire func() (*ScopedSecret, error), use func(*ScopedSecret) error) error {
	secret, err := acquire()
	if err != nil {
		return err
	}
	defer secret.Wipe()
	return use(secret)
}
