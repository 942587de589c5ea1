package fakes

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// FakePlugin is a manual fake implementation of plugin.Plugin.
//
// Pushes are recorded and, unless a PushFunc is set, stored so a later Pull
// returns them. Example usage:
//
//	fake := fakes.NewFakePlugin("vault").
//	    WithRequiredKeys("endpoint").
//	    WithPullValue("web", "admin", "s3cret")
type FakePlugin struct {
	mu sync.Mutex

	meta         plugin.Metadata
	initial      map[string]string
	requiredKeys []string

	config     map[string]string
	vaultCred  []byte
	connected  bool
	unloaded   bool
	pushes     []plugin.PushRequest
	pulls      []plugin.PullRequest
	values     map[string]string
	pushErr    error
	pullErr    error
	callCounts map[string]int

	// PushFunc replaces the default Push behavior when set.
	PushFunc func(ctx context.Context, req plugin.PushRequest) (string, error)
	// PullFunc replaces the default Pull behavior when set.
	PullFunc func(ctx context.Context, req plugin.PullRequest) (*plugin.PullResult, error)
	// MetadataPanic makes Metadata panic, simulating a broken constructor.
	MetadataPanic bool
}

var _ plugin.Plugin = (*FakePlugin)(nil)

// NewFakePlugin returns a fake supporting every credential kind, push and
// reverse flow.
func NewFakePlugin(name string) *FakePlugin {
	return &FakePlugin{
		meta: plugin.Metadata{
			Name:                name,
			DisplayName:         name,
			Version:             "1.0.0",
			SupportedKinds:      append([]plugin.Kind(nil), plugin.Kinds...),
			SupportsPush:        true,
			SupportsReverseFlow: true,
		},
		initial:    map[string]string{},
		connected:  true,
		values:     make(map[string]string),
		callCounts: make(map[string]int),
	}
}

func (f *FakePlugin) WithKinds(kinds ...plugin.Kind) *FakePlugin {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta.SupportedKinds = kinds
	return f
}

// WithRequiredKeys makes SetConfiguration reject configurations lacking keys.
// The keys also make up the initial configuration, with empty values.
func (f *FakePlugin) WithRequiredKeys(keys ...string) *FakePlugin {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requiredKeys = keys
	for _, k := range keys {
		f.initial[k] = ""
	}
	return f
}

// WithPullValue seeds the value Pull returns for an account.
func (f *FakePlugin) WithPullValue(asset, account, value string) *FakePlugin {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[asset+"/"+account] = value
	return f
}

func (f *FakePlugin) WithPushError(err error) *FakePlugin {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushErr = err
	return f
}

func (f *FakePlugin) WithPullError(err error) *FakePlugin {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullErr = err
	return f
}

func (f *FakePlugin) WithConnected(ok bool) *FakePlugin {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = ok
	return f
}

func (f *FakePlugin) Metadata() plugin.Metadata {
	f.count("Metadata")
	if f.MetadataPanic {
		panic("fake plugin constructor failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meta
}

func (f *FakePlugin) GetInitialConfiguration() map[string]string {
	f.count("GetInitialConfiguration")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.initial))
	for k, v := range f.initial {
		out[k] = v
	}
	return out
}

func (f *FakePlugin) SetConfiguration(cfg map[string]string) error {
	f.count("SetConfiguration")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := plugin.MissingKeys(cfg, f.requiredKeys...); err != nil {
		return err
	}
	f.config = cfg
	return nil
}

func (f *FakePlugin) SetVaultCredential(_ context.Context, payload []byte) error {
	f.count("SetVaultCredential")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vaultCred = append([]byte(nil), payload...)
	return nil
}

func (f *FakePlugin) TestConnection(context.Context) bool {
	f.count("TestConnection")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakePlugin) Push(ctx context.Context, req plugin.PushRequest) (string, error) {
	f.count("Push")
	f.mu.Lock()
	f.pushes = append(f.pushes, req)
	fn, pushErr := f.PushFunc, f.pushErr
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if pushErr != nil {
		return "", pushErr
	}
	if len(req.Credential) == 0 {
		return "", fmt.Errorf("empty credential for %s/%s", req.AssetName, req.AccountName)
	}

	value := strings.Join(req.Credential, ":")
	f.mu.Lock()
	f.values[req.AssetName+"/"+req.AccountName] = value
	f.mu.Unlock()
	return value, nil
}

func (f *FakePlugin) Pull(ctx context.Context, req plugin.PullRequest) (*plugin.PullResult, error) {
	f.count("Pull")
	f.mu.Lock()
	f.pulls = append(f.pulls, req)
	fn, pullErr := f.PullFunc, f.pullErr
	value, ok := f.values[req.AssetName+"/"+req.AccountName]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if pullErr != nil {
		return nil, pullErr
	}
	if !ok {
		return nil, nil
	}
	return &plugin.PullResult{Value: value}, nil
}

func (f *FakePlugin) Unload() {
	f.count("Unload")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = true
}

// Pushes returns every push request received so far.
func (f *FakePlugin) Pushes() []plugin.PushRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]plugin.PushRequest(nil), f.pushes...)
}

// Pulls returns every pull request received so far.
func (f *FakePlugin) Pulls() []plugin.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]plugin.PullRequest(nil), f.pulls...)
}

// Value returns what the fake store currently holds for an account.
func (f *FakePlugin) Value(asset, account string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[asset+"/"+account]
	return v, ok
}

// Config returns the last accepted configuration.
func (f *FakePlugin) Config() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// VaultCredential returns the last vault payload received.
func (f *FakePlugin) VaultCredential() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vaultCred
}

func (f *FakePlugin) Unloaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unloaded
}

// CallCount returns how many times method was called.
func (f *FakePlugin) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCounts[method]
}

func (f *FakePlugin) count(method string) {
	f.mu.Lock()
	f.callCounts[method]++
	f.mu.Unlock()
}
