package loader

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

// CredentialVault stores the opaque payload each plugin uses to authenticate
// against its own destination store. It is re-applied after every load.
type CredentialVault interface {
	// Get returns ok=false when nothing is stored for pluginName.
	Get(pluginName string) (payload []byte, ok bool, err error)
	Set(pluginName string, payload []byte) error
	Delete(pluginName string) error
}

// DefaultKeyringService is the keyring service name used when none is set.
const DefaultKeyringService = "dsbroker"

// KeyringVault keeps payloads in the OS keyring (Secret Service, Keychain,
// Windows Credential Manager).
type KeyringVault struct {
	Service string
}

var _ CredentialVault = (*KeyringVault)(nil)

func NewKeyringVault(service string) *KeyringVault {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringVault{Service: service}
}

func (v *KeyringVault) Get(pluginName string) ([]byte, bool, error) {
	encoded, err := keyring.Get(v.Service, pluginName)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read vault credential for %s: %w", pluginName, err)
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("decode vault credential for %s: %w", pluginName, err)
	}
	return payload, true, nil
}

func (v *KeyringVault) Set(pluginName string, payload []byte) error {
	if err := keyring.Set(v.Service, pluginName, base64.StdEncoding.EncodeToString(payload)); err != nil {
		return fmt.Errorf("store vault credential for %s: %w", pluginName, err)
	}
	return nil
}

func (v *KeyringVault) Delete(pluginName string) error {
	if err := keyring.Delete(v.Service, pluginName); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete vault credential for %s: %w", pluginName, err)
	}
	return nil
}

// MemoryVault keeps payloads in process memory, for hosts without a keyring.
type MemoryVault struct {
	mu       sync.Mutex
	payloads map[string][]byte
}

var _ CredentialVault = (*MemoryVault)(nil)

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{payloads: make(map[string][]byte)}
}

func (v *MemoryVault) Get(pluginName string) ([]byte, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.payloads[pluginName]
	return append([]byte(nil), p...), ok, nil
}

func (v *MemoryVault) Set(pluginName string, payload []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.payloads[pluginName] = append([]byte(nil), payload...)
	return nil
}

func (v *MemoryVault) Delete(pluginName string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.payloads, pluginName)
	return nil
}
