package fakes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/systmms/dsbroker/internal/loader"
	"github.com/systmms/dsbroker/pkg/plugin"
)

var _ loader.Isolator = (*FakeIsolator)(nil)

// FakeIsolator hands out registered FakePlugins by manifest name instead of
// starting processes.
type FakeIsolator struct {
	mu      sync.Mutex
	plugins map[string]*FakePlugin
	failOn  map[string]error
	opened  map[string]int
	handles []*FakeHandle
}

func NewFakeIsolator() *FakeIsolator {
	return &FakeIsolator{
		plugins: make(map[string]*FakePlugin),
		failOn:  make(map[string]error),
		opened:  make(map[string]int),
	}
}

// WithPlugin registers p under name.
func (f *FakeIsolator) WithPlugin(name string, p *FakePlugin) *FakeIsolator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plugins[name] = p
	return f
}

// WithOpenError makes Open fail for name.
func (f *FakeIsolator) WithOpenError(name string, err error) *FakeIsolator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[name] = err
	return f
}

func (f *FakeIsolator) Open(_ context.Context, m *plugin.Manifest, _ string) (loader.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[m.Name]; err != nil {
		return nil, err
	}
	p, ok := f.plugins[m.Name]
	if !ok {
		return nil, errors.New("no fake registered for " + m.Name)
	}
	f.opened[m.Name]++
	h := &FakeHandle{plugin: p}
	f.handles = append(f.handles, h)
	return h, nil
}

// Opened returns how many handles were opened for name.
func (f *FakeIsolator) Opened(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[name]
}

// Handles returns every handle opened so far.
func (f *FakeIsolator) Handles() []*FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeHandle(nil), f.handles...)
}

// FakeHandle wraps a FakePlugin.
type FakeHandle struct {
	mu       sync.Mutex
	plugin   *FakePlugin
	released bool
}

func (h *FakeHandle) Plugin() plugin.Plugin { return h.plugin }

func (h *FakeHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return fmt.Errorf("handle released twice")
	}
	h.released = true
	return nil
}

func (h *FakeHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// WritePackage writes a plugin package named name under root and returns
// its directory.
func WritePackage(t testing.TB, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0755))
	manifest := fmt.Sprintf(`{"name": %q, "module": %q, "entryType": "plugin", "version": "1.0.0"}`, name, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), []byte(manifest), 0644))
	return dir
}
