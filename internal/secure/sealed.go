package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// SealedSecret keeps a credential encrypted at rest in memory.
//
// memguard.Enclave has no Destroy method; after Destroy the enclave
// reference is dropped and the ciphertext is left to the garbage collector.
// Call memguard.Purge at process exit for a full wipe.
type SealedSecret struct {
	enclave   *memguard.Enclave
	mu        sync.RWMutex
	destroyed bool
}

// Seal copies data into an encrypted enclave and wipes data.
func Seal(data []byte) *SealedSecret {
	if len(data) == 0 {
		return &SealedSecret{}
	}
	return &SealedSecret{enclave: memguard.NewEnclave(data)}
}

// Open decrypts the value into a ScopedSecret. The caller must Wipe it.
func (s *SealedSecret) Open() (*ScopedSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed || s.enclave == nil {
		return NewScopedSecret(nil), nil
	}
	locked, err := s.enclave.Open()
	if err != nil {
		return nil, err
	}
	return &ScopedSecret{buf: locked}, nil
}

// Destroy drops the enclave. Safe to call more than once.
func (s *SealedSecret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enclave = nil
	s.destroyed = true
}
