package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/systmms/dsbroker/internal/secure"
	"github.com/systmms/dsbroker/pkg/plugin"
)

type secretKey struct {
	handle string
	kind   plugin.Kind
}

type memorySubscription struct {
	handles map[string]bool
	onEvent EventFunc
}

// MemorySource holds credentials sealed in memory and delivers change
// notifications synchronously. Used by tests and demos.
type MemorySource struct {
	mu      sync.Mutex
	secrets map[secretKey]*secure.SealedSecret
	subs    map[Subscription]*memorySubscription
	nextID  int

	// SubscribeErr, when set, is returned by Subscribe.
	SubscribeErr error
}

var _ Source = (*MemorySource)(nil)

func NewMemorySource() *MemorySource {
	return &MemorySource{
		secrets: make(map[secretKey]*secure.SealedSecret),
		subs:    make(map[Subscription]*memorySubscription),
	}
}

// Set stores value and notifies subscribers of the handle.
func (m *MemorySource) Set(asset, account string, kind plugin.Kind, value string) {
	handle := Handle(asset, account)
	m.store(handle, kind, []byte(value))
	m.Emit(asset, account)
}

// Emit delivers a change notification without changing any value.
func (m *MemorySource) Emit(asset, account string) {
	handle := Handle(asset, account)
	body := EncodeEvent(Event{AssetName: asset, AccountName: account})

	m.mu.Lock()
	var targets []EventFunc
	for _, sub := range m.subs {
		if sub.handles[handle] {
			targets = append(targets, sub.onEvent)
		}
	}
	m.mu.Unlock()

	for _, fn := range targets {
		fn(EventCredentialChanged, body)
	}
}

func (m *MemorySource) store(handle string, kind plugin.Kind, value []byte) {
	sealed := secure.Seal(value)

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.secrets[secretKey{handle, kind}]; ok {
		old.Destroy()
	}
	m.secrets[secretKey{handle, kind}] = sealed
}

func (m *MemorySource) Subscribe(_ context.Context, handles []string, onEvent EventFunc) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubscribeErr != nil {
		return "", m.SubscribeErr
	}

	set := make(map[string]bool, len(handles))
	for _, h := range handles {
		set[h] = true
	}
	m.nextID++
	id := Subscription(fmt.Sprintf("mem-%d", m.nextID))
	m.subs[id] = &memorySubscription{handles: set, onEvent: onEvent}
	return id, nil
}

func (m *MemorySource) Unsubscribe(_ context.Context, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[sub]; !ok {
		return fmt.Errorf("unknown subscription %s", sub)
	}
	delete(m.subs, sub)
	return nil
}

// Subscriptions returns the number of open subscriptions.
func (m *MemorySource) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *MemorySource) RetrieveSecret(_ context.Context, handle string, kind plugin.Kind) (*secure.ScopedSecret, error) {
	m.mu.Lock()
	sealed, ok := m.secrets[secretKey{handle, kind}]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrSecretNotFound, handle, kind)
	}
	return sealed.Open()
}

func (m *MemorySource) UpdateSecret(_ context.Context, handle string, kind plugin.Kind, value *secure.ScopedSecret) error {
	asset, account, err := SplitHandle(handle)
	if err != nil {
		return err
	}
	m.store(handle, kind, append([]byte(nil), value.Bytes()...))
	m.Emit(asset, account)
	return nil
}

// Value returns the stored plaintext for assertions in tests.
func (m *MemorySource) Value(handle string, kind plugin.Kind) (string, bool) {
	s, err := m.RetrieveSecret(context.Background(), handle, kind)
	if err != nil {
		return "", false
	}
	defer s.Wipe()
	return s.String(), true
}
