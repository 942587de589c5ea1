// Package manager composes the plugin loader with the push and reverse flows
// and exposes the operations the administrative surface needs.
package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/systmms/dsbroker/internal/cache"
	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/loader"
	"github.com/systmms/dsbroker/internal/logging"
	"github.com/systmms/dsbroker/internal/metrics"
	"github.com/systmms/dsbroker/internal/pushflow"
	"github.com/systmms/dsbroker/internal/reverseflow"
	"github.com/systmms/dsbroker/internal/source"
	"github.com/systmms/dsbroker/internal/status"
	"github.com/systmms/dsbroker/internal/store"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// Options configures a Manager. Zero values select the package defaults.
type Options struct {
	PluginDir              string
	SettleDelay            time.Duration
	InvokeTimeout          time.Duration
	ReverseFlowTick        time.Duration
	DefaultIntervalSeconds int64
	// PushFlowEnabled starts push monitoring with the manager.
	PushFlowEnabled bool

	// Isolator defaults to a process isolator.
	Isolator loader.Isolator
	Vault    loader.CredentialVault
	Logger   *logging.Logger
	Metrics  *metrics.Recorder
}

// Manager is the broker core.
type Manager struct {
	store     store.Store
	registry  *loader.Registry
	watcher   *loader.Watcher
	monitor   *pushflow.Monitor
	scheduler *reverseflow.Scheduler
	cache     *cache.Cache
	status    *status.Tracker
	logger    *logging.Logger
	pluginDir string

	// mu serializes monitor transitions and mapping changes.
	mu            sync.Mutex
	monitorWanted bool
}

func New(st store.Store, src source.Source, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	rec := opts.Metrics
	if rec == nil {
		rec = metrics.New()
	}
	isolator := opts.Isolator
	if isolator == nil {
		isolator = &loader.ProcessIsolator{CallTimeout: opts.InvokeTimeout, Logger: logger}
	}

	tracker := status.NewTracker()
	c := cache.New()

	regOpts := []loader.Option{
		loader.WithInvokeTimeout(opts.InvokeTimeout),
		loader.WithLogger(logger),
		loader.WithMetrics(rec),
		loader.WithStatus(tracker),
	}
	if opts.Vault != nil {
		regOpts = append(regOpts, loader.WithVault(opts.Vault))
	}
	registry := loader.NewRegistry(isolator, st, regOpts...)

	m := &Manager{
		store:    st,
		registry: registry,
		monitor: pushflow.New(src, st, st, registry, c,
			pushflow.WithLogger(logger),
			pushflow.WithMetrics(rec),
			pushflow.WithStatus(tracker)),
		scheduler: reverseflow.New(registry, st, src, c,
			reverseflow.WithLogger(logger),
			reverseflow.WithMetrics(rec),
			reverseflow.WithStatus(tracker),
			reverseflow.WithTick(opts.ReverseFlowTick),
			reverseflow.WithDefaultInterval(opts.DefaultIntervalSeconds)),
		cache:         c,
		status:        tracker,
		logger:        logger.With("manager"),
		pluginDir:     opts.PluginDir,
		monitorWanted: opts.PushFlowEnabled,
	}
	if opts.PluginDir != "" {
		m.watcher = loader.NewWatcher(opts.PluginDir, opts.SettleDelay, registry, logger)
	}
	return m
}

// Registry exposes the plugin registry for read access.
func (m *Manager) Registry() *loader.Registry { return m.registry }

// Start discovers plugins, starts the reverse-flow scheduler and, when
// enabled, push monitoring. A monitor with nothing to watch is logged and
// left stopped.
func (m *Manager) Start(ctx context.Context) error {
	if m.watcher != nil {
		if err := m.watcher.Start(ctx); err != nil {
			return err
		}
	}
	if err := m.scheduler.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monitorWanted {
		m.startMonitor(ctx)
	}
	return nil
}

// Stop stops both flows, waits for in-flight work and unloads every plugin.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if err := m.monitor.Stop(ctx); err != nil {
		m.logger.Warn("%v", err)
	}
	m.mu.Unlock()

	m.scheduler.Stop()
	if m.watcher != nil {
		m.watcher.Stop()
	}
	m.registry.Close(ctx)
}

// startMonitor runs with m.mu held.
func (m *Manager) startMonitor(ctx context.Context) error {
	err := m.monitor.Start(ctx)
	var cfgErr dserrors.ConfigError
	if errors.As(err, &cfgErr) {
		m.logger.Warn("Push monitoring enabled but idle: %v", cfgErr.Message)
	} else if err != nil {
		m.logger.Error("Push monitoring could not start: %v", err)
	}
	return err
}

// restartMonitor resubscribes so the subscription covers the current
// mappings. Runs with m.mu held.
func (m *Manager) restartMonitor(ctx context.Context) {
	if !m.monitorWanted {
		return
	}
	if err := m.monitor.Stop(ctx); err != nil {
		m.logger.Warn("%v", err)
	}
	_ = m.startMonitor(ctx)
}

// MonitorStatus reports whether push monitoring is enabled and subscribed.
type MonitorStatus struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
}

func (m *Manager) MonitorStatus() MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStatus{Enabled: m.monitorWanted, Running: m.monitor.Running()}
}

// EnableMonitor turns push monitoring on. It fails with AlreadyRunningError
// if the monitor is running, or with a ConfigError if nothing is mapped; the
// monitor then starts once a mapping is added.
func (m *Manager) EnableMonitor(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monitor.Running() {
		return dserrors.AlreadyRunningError{Component: "push monitor"}
	}
	m.monitorWanted = true
	return m.startMonitor(ctx)
}

// DisableMonitor turns push monitoring off.
func (m *Manager) DisableMonitor(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitorWanted = false
	return m.monitor.Stop(ctx)
}

// ReverseFlow returns the schedule of a plugin.
func (m *Manager) ReverseFlow(ctx context.Context, name string) (store.ReverseFlowState, error) {
	ps, err := m.store.GetPluginSettings(ctx, name)
	if err != nil {
		return store.ReverseFlowState{}, err
	}
	if ps == nil {
		return store.ReverseFlowState{}, dserrors.NotLoadedError{Plugin: name}
	}
	state, err := m.scheduler.State(ctx, name)
	if err != nil {
		return store.ReverseFlowState{}, err
	}
	state.Enabled = ps.ReverseFlowEnabled
	return state, nil
}

// SetReverseFlow sets the rotation interval of a plugin and enables or
// disables its reverse flow.
func (m *Manager) SetReverseFlow(ctx context.Context, name string, intervalSeconds int64, enabled bool) (store.ReverseFlowState, error) {
	if enabled {
		info, err := m.registry.Get(name)
		if err == nil && !info.Metadata.SupportsReverseFlow {
			return store.ReverseFlowState{}, dserrors.ConfigError{
				Field:   "enabled",
				Value:   enabled,
				Message: fmt.Sprintf("plugin %s does not support reverse flow", name),
			}
		}
	}
	return m.scheduler.Configure(ctx, name, intervalSeconds, enabled)
}

// RunReverseFlow polls one plugin now if it is due.
func (m *Manager) RunReverseFlow(ctx context.Context, name string) reverseflow.Result {
	return m.scheduler.Poll(ctx, name)
}

// PluginView combines load state, settings and last results of a plugin.
type PluginView struct {
	loader.Info
	Configuration      map[string]string `json:"configuration,omitempty"`
	AssignedKind       plugin.Kind       `json:"assignedKind,omitempty"`
	ReverseFlowEnabled bool              `json:"reverseFlowEnabled"`
	Status             *status.Plugin    `json:"status,omitempty"`
}

// Plugins lists every known plugin.
func (m *Manager) Plugins(ctx context.Context) ([]PluginView, error) {
	infos := m.registry.List()
	out := make([]PluginView, 0, len(infos))
	for _, info := range infos {
		v := PluginView{Info: info}
		ps, err := m.store.GetPluginSettings(ctx, info.Name)
		if err != nil {
			return nil, err
		}
		if ps != nil {
			v.Configuration = ps.Configuration
			v.AssignedKind = ps.AssignedKind
			v.ReverseFlowEnabled = ps.ReverseFlowEnabled
		}
		if st, ok := m.status.Plugin(info.Name); ok {
			v.Status = &st
		}
		out = append(out, v)
	}
	return out, nil
}

// InstallPlugin copies the package in srcDir into the plugin directory and
// loads it.
func (m *Manager) InstallPlugin(ctx context.Context, srcDir string) (*plugin.Manifest, error) {
	if m.pluginDir == "" {
		return nil, dserrors.ConfigError{Field: "pluginDir", Message: "no plugin directory configured"}
	}
	manifest, err := loader.Install(ctx, m.registry, m.pluginDir, srcDir)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Load(ctx, filepath.Join(m.pluginDir, manifest.Name)); err != nil {
		return manifest, err
	}
	return manifest, nil
}

// RemovePlugin unloads a plugin, deletes its package and forgets everything
// stored about it: mappings, settings, schedule and vault credential.
func (m *Manager) RemovePlugin(ctx context.Context, name string) error {
	if m.pluginDir != "" {
		if err := loader.Uninstall(ctx, m.registry, m.pluginDir, name); err != nil {
			return err
		}
	} else if err := m.registry.Unload(ctx, name); err != nil {
		var nl dserrors.NotLoadedError
		if !errors.As(err, &nl) {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mappings, err := m.store.GetMappingsForPlugin(ctx, name)
	if err != nil {
		return err
	}
	for _, mp := range mappings {
		if err := m.store.DeleteByKey(ctx, mp.Key); err != nil {
			return err
		}
		m.cache.Forget(mp.Key)
		m.status.ForgetMapping(mp.Key)
	}
	if err := m.store.DeletePluginSettings(ctx, name); err != nil {
		return err
	}
	if err := m.store.DeleteReverseFlowState(ctx, name); err != nil {
		return err
	}
	if err := m.registry.DeleteVaultCredential(name); err != nil {
		m.logger.Warn("Deleting vault credential of %s: %v", name, err)
	}
	m.status.ForgetPlugin(name)

	if len(mappings) > 0 {
		m.restartMonitor(ctx)
	}
	m.logger.Info("Removed plugin %s and %d mapping(s)", name, len(mappings))
	return nil
}

// ConfigurePlugin applies and persists a plugin configuration.
func (m *Manager) ConfigurePlugin(ctx context.Context, name string, cfg map[string]string) error {
	return m.registry.Configure(ctx, name, cfg)
}

// SetAssignedKind changes the credential kind pushed to a plugin.
func (m *Manager) SetAssignedKind(ctx context.Context, name string, kind plugin.Kind) error {
	if !kind.Valid() {
		return dserrors.ConfigError{Field: "assignedKind", Value: kind, Message: "unknown credential kind"}
	}
	if info, err := m.registry.Get(name); err == nil && !info.Metadata.Supports(kind) {
		return dserrors.ConfigError{
			Field:   "assignedKind",
			Value:   kind,
			Message: fmt.Sprintf("plugin %s does not accept %s credentials", name, kind),
		}
	}

	ps, err := m.store.GetPluginSettings(ctx, name)
	if err != nil {
		return err
	}
	if ps == nil {
		return dserrors.NotLoadedError{Plugin: name}
	}
	ps.AssignedKind = kind
	return m.store.SavePluginSettings(ctx, *ps)
}

// TestPlugin asks a plugin whether it can reach its store.
func (m *Manager) TestPlugin(ctx context.Context, name string) (bool, error) {
	return m.registry.TestConnection(ctx, name)
}

// SetVaultCredential stores and applies a plugin's own credential.
func (m *Manager) SetVaultCredential(ctx context.Context, name string, payload []byte) error {
	return m.registry.SetVaultCredential(ctx, name, payload)
}

// Mappings lists every account mapping.
func (m *Manager) Mappings(ctx context.Context) ([]store.Mapping, error) {
	return m.store.GetMappings(ctx)
}

// AddMapping registers an account against a plugin and resubscribes a
// running monitor.
func (m *Manager) AddMapping(ctx context.Context, mp store.Mapping) (store.Mapping, error) {
	if err := mp.Normalize(); err != nil {
		return store.Mapping{}, dserrors.ConfigError{Field: "mapping", Message: err.Error()}
	}
	ps, err := m.store.GetPluginSettings(ctx, mp.PluginName)
	if err != nil {
		return store.Mapping{}, err
	}
	if ps == nil {
		return store.Mapping{}, dserrors.NotLoadedError{Plugin: mp.PluginName}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Upsert(ctx, mp); err != nil {
		return store.Mapping{}, err
	}
	m.restartMonitor(ctx)
	return mp, nil
}

// DeleteMapping removes one mapping.
func (m *Manager) DeleteMapping(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.GetMapping(ctx, key); err != nil {
		return err
	}
	if err := m.store.DeleteByKey(ctx, key); err != nil {
		return err
	}
	m.cache.Forget(key)
	m.status.ForgetMapping(key)
	m.restartMonitor(ctx)
	return nil
}

// DeleteAllMappings removes every mapping and flushes the credential cache.
func (m *Manager) DeleteAllMappings(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteAll(ctx); err != nil {
		return err
	}
	m.cache.Clear()
	m.status.ForgetMappings()
	m.restartMonitor(ctx)
	return nil
}

// ManualPush pushes the current value of one mapping regardless of the cache.
func (m *Manager) ManualPush(ctx context.Context, key string) (pushflow.Outcome, error) {
	return m.monitor.Push(ctx, key)
}

// Status is a snapshot of every last result.
type Status struct {
	Monitor  MonitorStatus    `json:"monitor"`
	Plugins  []status.Plugin  `json:"plugins"`
	Mappings []status.Mapping `json:"mappings"`
}

func (m *Manager) Status() Status {
	return Status{
		Monitor:  m.MonitorStatus(),
		Plugins:  m.status.Plugins(),
		Mappings: m.status.Mappings(),
	}
}

// MappingStatus returns the last push result of one mapping.
func (m *Manager) MappingStatus(key string) (status.Mapping, bool) {
	return m.status.Mapping(key)
}
