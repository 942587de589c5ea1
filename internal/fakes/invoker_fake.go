package fakes

import (
	"context"
	"sync"

	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// FakeInvoker stands in for the loader registry: every registered plugin is
// treated as loaded and configured.
type FakeInvoker struct {
	mu      sync.RWMutex
	plugins map[string]*FakePlugin
}

func NewFakeInvoker() *FakeInvoker {
	return &FakeInvoker{plugins: make(map[string]*FakePlugin)}
}

// WithPlugin registers p under name.
func (f *FakeInvoker) WithPlugin(name string, p *FakePlugin) *FakeInvoker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plugins[name] = p
	return f
}

// Remove makes name behave as unloaded.
func (f *FakeInvoker) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.plugins, name)
}

func (f *FakeInvoker) Invoke(ctx context.Context, name string, fn func(ctx context.Context, p plugin.Plugin) error) error {
	f.mu.RLock()
	p, ok := f.plugins[name]
	f.mu.RUnlock()
	if !ok {
		return dserrors.NotLoadedError{Plugin: name}
	}
	return fn(ctx, p)
}

// Configured returns every registered name.
func (f *FakeInvoker) Configured() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.plugins))
	for n := range f.plugins {
		names = append(names, n)
	}
	return names
}
