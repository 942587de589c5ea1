// Package loader discovers plugin packages, runs each one in its own
// isolation context and owns the table of live plugin instances.
package loader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/logging"
	"github.com/systmms/dsbroker/internal/metrics"
	"github.com/systmms/dsbroker/internal/status"
	"github.com/systmms/dsbroker/internal/store"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// State is the load state of a plugin instance.
type State string

const (
	StateLoading      State = "loading"
	StateUnconfigured State = "unconfigured"
	StateConfigured   State = "configured"
	StateFailed       State = "failed"
	StateUnloaded     State = "unloaded"
)

// DefaultInvokeTimeout bounds every plugin invocation.
const DefaultInvokeTimeout = 30 * time.Second

// Info is a read-only snapshot of one plugin instance.
type Info struct {
	Name     string          `json:"name"`
	Dir      string          `json:"dir"`
	Version  string          `json:"version"`
	State    State           `json:"state"`
	Metadata plugin.Metadata `json:"metadata"`
	Error    string          `json:"error,omitempty"`
	LoadedAt time.Time       `json:"loadedAt"`
}

// entry is one plugin instance. mu is held shared by invocations and
// exclusively by unload and reconfigure.
type entry struct {
	mu       sync.RWMutex
	name     string
	dir      string
	manifest *plugin.Manifest
	handle   Handle
	meta     plugin.Metadata
	state    State
	err      error
	loadedAt time.Time
}

func (e *entry) info() Info {
	i := Info{
		Name:     e.name,
		Dir:      e.dir,
		State:    e.state,
		Metadata: e.meta,
		LoadedAt: e.loadedAt,
	}
	if e.manifest != nil {
		i.Version = e.manifest.Version
	}
	if e.err != nil {
		i.Error = e.err.Error()
	}
	return i
}

// Registry is the single owner of plugin load state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	isolator Isolator
	settings store.PluginSettingsStore
	vault    CredentialVault
	timeout  time.Duration
	logger   *logging.Logger
	metrics  *metrics.Recorder
	status   *status.Tracker
}

// Option configures a Registry.
type Option func(*Registry)

// WithInvokeTimeout bounds each plugin invocation.
func WithInvokeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithVault re-applies stored vault credentials after every load.
func WithVault(v CredentialVault) Option {
	return func(r *Registry) { r.vault = v }
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l.With("loader") }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithStatus(t *status.Tracker) Option {
	return func(r *Registry) { r.status = t }
}

// NewRegistry creates an empty registry.
func NewRegistry(isolator Isolator, settings store.PluginSettingsStore, opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		isolator: isolator,
		settings: settings,
		timeout:  DefaultInvokeTimeout,
		logger:   logging.Discard(),
		metrics:  metrics.New(),
		status:   status.NewTracker(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load (re)loads the plugin package in dir. A plugin of the same name that
// is already loaded is unloaded first. The error is also logged; callers
// loading many packages should continue with the next one.
func (r *Registry) Load(ctx context.Context, dir string) error {
	manifestPath := filepath.Join(dir, plugin.ManifestFileName)
	m, err := plugin.ReadManifest(manifestPath)
	if err != nil {
		loadErr := dserrors.ModuleLoadError{Manifest: manifestPath, Stage: "manifest", Err: err}
		r.logger.Error("%v", loadErr)
		r.metrics.RecordPluginLoad(filepath.Base(dir), false)
		return loadErr
	}

	if err := r.Unload(ctx, m.Name); err != nil && !isNotLoaded(err) {
		r.logger.Warn("Unloading previous instance of %s: %v", m.Name, err)
	}

	e := &entry{name: m.Name, dir: dir, manifest: m, state: StateLoading}
	e.mu.Lock()

	r.mu.Lock()
	r.entries[m.Name] = e
	r.mu.Unlock()

	err = r.load(ctx, e)
	if err != nil {
		e.state = StateFailed
		e.err = err
	}
	state := e.state
	e.mu.Unlock()

	r.status.RecordLoad(m.Name, err)
	r.metrics.RecordPluginLoad(m.Name, err == nil)
	r.publishStates()
	if err != nil {
		r.logger.Error("%v", err)
		return err
	}
	r.logger.Info("Loaded plugin %s %s (%s)", m.Name, m.Version, state)
	return nil
}

// load runs with e.mu held exclusively.
func (r *Registry) load(ctx context.Context, e *entry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.release(e)
			err = dserrors.ModuleLoadError{Plugin: e.name, Stage: "construction", Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	handle, err := r.isolator.Open(ctx, e.manifest, e.dir)
	if err != nil {
		var loadErr dserrors.ModuleLoadError
		if errors.As(err, &loadErr) {
			return err
		}
		return dserrors.ModuleLoadError{Plugin: e.name, Stage: "module start", Err: err}
	}
	e.handle = handle
	e.loadedAt = time.Now()
	p := handle.Plugin()
	e.meta = p.Metadata()
	if e.meta.Name == "" {
		e.meta.Name = e.name
	}
	if e.meta.DisplayName == "" {
		e.meta.DisplayName = e.manifest.Title()
	}

	settings, err := r.settings.GetPluginSettings(ctx, e.name)
	if err != nil {
		r.release(e)
		return dserrors.ModuleLoadError{Plugin: e.name, Stage: "settings", Err: err}
	}

	if settings == nil {
		initial := p.GetInitialConfiguration()
		ps := store.PluginSettings{Name: e.name, Configuration: initial}
		if len(e.meta.SupportedKinds) > 0 {
			ps.AssignedKind = e.meta.SupportedKinds[0]
		}
		if err := r.settings.SavePluginSettings(ctx, ps); err != nil {
			r.release(e)
			return dserrors.ModuleLoadError{Plugin: e.name, Stage: "settings", Err: err}
		}
		e.state = StateUnconfigured
		r.logger.Warn("Plugin %s has no configuration yet; initial settings saved", e.name)
	} else if err := p.SetConfiguration(settings.Configuration); err != nil {
		e.state = StateUnconfigured
		e.err = err
		r.logger.Warn("Plugin %s is not configured: %v", e.name, err)
	} else {
		e.state = StateConfigured
	}

	if r.vault != nil {
		payload, ok, err := r.vault.Get(e.name)
		switch {
		case err != nil:
			r.logger.Warn("Reading vault credential for %s: %v", e.name, err)
		case ok:
			vctx, cancel := context.WithTimeout(ctx, r.timeout)
			if err := p.SetVaultCredential(vctx, payload); err != nil {
				r.logger.Warn("Applying vault credential to %s: %v", e.name, err)
			}
			cancel()
		}
	}
	return nil
}

// loadedSince reports whether the package in dir is live and was loaded no
// earlier than modTime.
func (r *Registry) loadedSince(dir string, modTime time.Time) bool {
	r.mu.RLock()
	var e *entry
	for _, candidate := range r.entries {
		if candidate.dir == dir {
			e = candidate
			break
		}
	}
	r.mu.RUnlock()
	if e == nil {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.handle == nil || e.state == StateFailed || e.state == StateUnloaded {
		return false
	}
	return !e.loadedAt.Before(modTime)
}

// release unloads and releases the handle of e. Caller holds e.mu.
func (r *Registry) release(e *entry) {
	if e.handle == nil {
		return
	}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Warn("Plugin %s panicked during unload: %v", e.name, rec)
			}
		}()
		e.handle.Plugin().Unload()
	}()
	if err := e.handle.Release(); err != nil {
		r.logger.Warn("Releasing plugin %s: %v", e.name, err)
	}
	e.handle = nil
}

// Unload unloads name and releases its isolation context. It waits for
// in-flight invocations of that plugin and returns only once the module
// file may be replaced.
func (r *Registry) Unload(_ context.Context, name string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return dserrors.NotLoadedError{Plugin: name}
	}

	e.mu.Lock()
	if e.state == StateUnloaded {
		e.mu.Unlock()
		return dserrors.NotLoadedError{Plugin: name}
	}
	r.release(e)
	e.state = StateUnloaded
	e.mu.Unlock()

	r.mu.Lock()
	if r.entries[name] == e {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	r.publishStates()
	r.logger.Info("Unloaded plugin %s", name)
	return nil
}

// UnloadDir unloads whichever plugin was loaded from dir.
func (r *Registry) UnloadDir(ctx context.Context, dir string) error {
	r.mu.RLock()
	var name string
	for n, e := range r.entries {
		if e.dir == dir {
			name = n
			break
		}
	}
	r.mu.RUnlock()

	if name == "" {
		return dserrors.NotLoadedError{Plugin: filepath.Base(dir)}
	}
	return r.Unload(ctx, name)
}

// Close unloads every plugin.
func (r *Registry) Close(ctx context.Context) {
	for _, info := range r.List() {
		if err := r.Unload(ctx, info.Name); err != nil && !isNotLoaded(err) {
			r.logger.Warn("Unloading %s: %v", info.Name, err)
		}
	}
}

// Invoke runs fn against a configured plugin with the invocation timeout
// applied to ctx. The plugin cannot be unloaded while fn runs.
func (r *Registry) Invoke(ctx context.Context, name string, fn func(ctx context.Context, p plugin.Plugin) error) error {
	return r.invoke(ctx, name, false, fn)
}

func (r *Registry) invoke(ctx context.Context, name string, allowUnconfigured bool, fn func(ctx context.Context, p plugin.Plugin) error) (err error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return dserrors.NotLoadedError{Plugin: name}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	switch e.state {
	case StateConfigured:
	case StateUnconfigured:
		if !allowUnconfigured {
			return &plugin.ConfigurationError{Reason: fmt.Sprintf("plugin %s is not configured", name)}
		}
	default:
		return dserrors.NotLoadedError{Plugin: name}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("plugin %s panicked: %v", name, rec)
		}
	}()
	return fn(ctx, e.handle.Plugin())
}

// Configure applies cfg to name and persists it on success. A rejected
// configuration leaves the plugin unconfigured.
func (r *Registry) Configure(ctx context.Context, name string, cfg map[string]string) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return dserrors.NotLoadedError{Plugin: name}
	}

	err := r.configure(ctx, e, cfg)
	r.publishStates()
	if err == nil {
		r.logger.Info("Plugin %s configured", name)
	}
	return err
}

func (r *Registry) configure(ctx context.Context, e *entry, cfg map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConfigured && e.state != StateUnconfigured {
		return dserrors.NotLoadedError{Plugin: e.name}
	}

	if err := e.handle.Plugin().SetConfiguration(cfg); err != nil {
		e.state = StateUnconfigured
		e.err = err
		return err
	}

	ps, err := r.settings.GetPluginSettings(ctx, e.name)
	if err != nil {
		return err
	}
	if ps == nil {
		ps = &store.PluginSettings{Name: e.name}
	}
	ps.Configuration = cfg
	if err := r.settings.SavePluginSettings(ctx, *ps); err != nil {
		return err
	}

	e.state = StateConfigured
	e.err = nil
	return nil
}

// SetVaultCredential stores payload and hands it to the plugin. Allowed
// while the plugin is still unconfigured.
func (r *Registry) SetVaultCredential(ctx context.Context, name string, payload []byte) error {
	if r.vault != nil {
		if err := r.vault.Set(name, payload); err != nil {
			return err
		}
	}
	return r.invoke(ctx, name, true, func(ctx context.Context, p plugin.Plugin) error {
		return p.SetVaultCredential(ctx, payload)
	})
}

// DeleteVaultCredential forgets the stored payload of name.
func (r *Registry) DeleteVaultCredential(name string) error {
	if r.vault == nil {
		return nil
	}
	return r.vault.Delete(name)
}

// TestConnection asks the plugin whether it can reach its store.
func (r *Registry) TestConnection(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := r.invoke(ctx, name, true, func(ctx context.Context, p plugin.Plugin) error {
		ok = p.TestConnection(ctx)
		return nil
	})
	if err != nil {
		return false, err
	}
	r.status.RecordConnectionTest(name, ok)
	return ok, nil
}

// Get returns a snapshot of name.
func (r *Registry) Get(name string) (Info, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Info{}, dserrors.NotLoadedError{Plugin: name}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info(), nil
}

// List returns snapshots of every known plugin, by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.info())
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Configured returns the names of plugins that can be invoked.
func (r *Registry) Configured() []string {
	var names []string
	for _, info := range r.List() {
		if info.State == StateConfigured {
			names = append(names, info.Name)
		}
	}
	return names
}

func (r *Registry) publishStates() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	counts := map[string]int{}
	for _, e := range entries {
		// An entry mid load or unload is counted on the next publish.
		if e.mu.TryRLock() {
			counts[string(e.state)]++
			e.mu.RUnlock()
		}
	}
	r.metrics.SetPluginStates(counts)
}

func isNotLoaded(err error) bool {
	var nl dserrors.NotLoadedError
	return errors.As(err, &nl)
}
