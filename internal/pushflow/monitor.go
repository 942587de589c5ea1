// Package pushflow propagates credential changes from the source of truth to
// every plugin mapped to the changed account.
package pushflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/systmms/dsbroker/internal/cache"
	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/logging"
	"github.com/systmms/dsbroker/internal/metrics"
	"github.com/systmms/dsbroker/internal/secure"
	"github.com/systmms/dsbroker/internal/source"
	"github.com/systmms/dsbroker/internal/status"
	"github.com/systmms/dsbroker/internal/store"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// Invoker runs fn against a loaded, configured plugin.
type Invoker interface {
	Invoke(ctx context.Context, name string, fn func(ctx context.Context, p plugin.Plugin) error) error
}

// Settings is the part of the settings store the monitor reads.
type Settings interface {
	GetPluginSettings(ctx context.Context, name string) (*store.PluginSettings, error)
}

// Monitor is stopped until Start and may be restarted after Stop.
type Monitor struct {
	source   source.Source
	mappings store.MappingStore
	settings Settings
	plugins  Invoker
	cache    *cache.Cache
	logger   *logging.Logger
	metrics  *metrics.Recorder
	status   *status.Tracker

	retryAttempts uint
	retryDelay    time.Duration

	mu       sync.Mutex
	running  bool
	sub      source.Subscription
	accounts map[accountKey]string
	baseCtx  context.Context
	inflight sync.WaitGroup

	handles handleLocks
}

type accountKey struct {
	asset   string
	account string
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) { m.logger = l.With("pushflow") }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Monitor) { m.metrics = r }
}

func WithStatus(t *status.Tracker) Option {
	return func(m *Monitor) { m.status = t }
}

// WithSubscribeRetry sets how often Start tries to subscribe before giving up.
func WithSubscribeRetry(attempts uint, delay time.Duration) Option {
	return func(m *Monitor) {
		if attempts > 0 {
			m.retryAttempts = attempts
		}
		m.retryDelay = delay
	}
}

func New(src source.Source, mappings store.MappingStore, settings Settings, plugins Invoker, c *cache.Cache, opts ...Option) *Monitor {
	m := &Monitor{
		source:        src,
		mappings:      mappings,
		settings:      settings,
		plugins:       plugins,
		cache:         c,
		logger:        logging.Discard(),
		metrics:       metrics.New(),
		status:        status.NewTracker(),
		retryAttempts: 5,
		retryDelay:    time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Running reports whether the monitor holds a subscription.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start subscribes to changes of every mapped account.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return dserrors.AlreadyRunningError{Component: "push monitor"}
	}

	all, err := m.mappings.GetMappings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read mappings: %w", err)
	}
	if len(all) == 0 {
		return dserrors.ConfigError{
			Field:      "mappings",
			Message:    "nothing to monitor",
			Suggestion: "Add an account mapping before enabling push monitoring",
		}
	}

	accounts := make(map[accountKey]string)
	seen := make(map[string]bool)
	var handles []string
	for _, mp := range all {
		accounts[accountKey{mp.AssetName, mp.AccountName}] = mp.SecretHandle
		if !seen[mp.SecretHandle] {
			seen[mp.SecretHandle] = true
			handles = append(handles, mp.SecretHandle)
		}
	}
	sort.Strings(handles)

	var sub source.Subscription
	err = retry.Do(func() error {
		var err error
		sub, err = m.source.Subscribe(ctx, handles, m.onEvent)
		return err
	},
		retry.Attempts(m.retryAttempts),
		retry.Delay(m.retryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn("Subscribe attempt %d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		m.metrics.SetMonitorRunning(false)
		return fmt.Errorf("failed to subscribe to source: %w", err)
	}

	m.sub = sub
	m.accounts = accounts
	m.baseCtx = context.WithoutCancel(ctx)
	m.running = true
	m.metrics.SetMonitorRunning(true)
	m.logger.Info("Monitoring %d secret handle(s) across %d mapping(s)", len(handles), len(all))
	return nil
}

// Stop unsubscribes and waits for in-flight dispatches to finish. Stopping a
// stopped monitor is a no-op.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	sub := m.sub
	m.running = false
	m.sub = ""
	m.accounts = nil
	m.mu.Unlock()

	err := m.source.Unsubscribe(ctx, sub)
	m.inflight.Wait()
	m.metrics.SetMonitorRunning(false)
	m.logger.Info("Push monitoring stopped")
	if err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// onEvent runs each notification on its own goroutine so a slow plugin never
// delays the next event.
func (m *Monitor) onEvent(name string, body []byte) {
	if name != source.EventCredentialChanged {
		m.logger.Debug("Ignoring event %s", name)
		m.metrics.RecordEvent("ignored")
		return
	}
	ev, err := source.ParseEvent(body)
	if err != nil {
		m.logger.Warn("Dropping malformed event: %v", err)
		m.metrics.RecordEvent("invalid")
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	handle, ok := m.accounts[accountKey{ev.AssetName, ev.AccountName}]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("No mapping for %s/%s", ev.AssetName, ev.AccountName)
		m.metrics.RecordEvent("ignored")
		return
	}
	ctx := m.baseCtx
	m.inflight.Add(1)
	m.mu.Unlock()

	m.metrics.RecordEvent("dispatched")
	go func() {
		defer m.inflight.Done()
		result, err := m.Dispatch(ctx, handle)
		if err != nil {
			m.logger.Warn("Dispatch for %s finished with errors: %v", handle, err)
			return
		}
		m.logger.Debug("Dispatch for %s: %d pushed, %d skipped", handle,
			result.Count(status.Success), result.Count(status.Skipped))
	}()
}

// Dispatch pushes the current value of handle to every mapping that shares
// it. Mappings already holding the value are skipped. Dispatches for the same
// handle run one at a time so each sees the cache the previous one left. The
// returned error aggregates one DispatchFailure per failed mapping.
func (m *Monitor) Dispatch(ctx context.Context, handle string) (*BatchResult, error) {
	mappings, err := m.mappings.GetMappingsForHandle(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to read mappings for %s: %w", handle, err)
	}
	return m.dispatch(ctx, handle, mappings, false)
}

// Push pushes the current value to one mapping even if the cache says the
// destination already holds it.
func (m *Monitor) Push(ctx context.Context, mappingKey string) (Outcome, error) {
	mp, err := m.mappings.GetMapping(ctx, mappingKey)
	if err != nil {
		return Outcome{}, err
	}
	result, err := m.dispatch(ctx, mp.SecretHandle, []store.Mapping{*mp}, true)
	if len(result.Outcomes) == 0 {
		return Outcome{}, err
	}
	return result.Outcomes[0], err
}

func (m *Monitor) dispatch(ctx context.Context, handle string, mappings []store.Mapping, force bool) (*BatchResult, error) {
	unlock := m.handles.lock(handle)
	defer unlock()

	result := &BatchResult{Handle: handle}
	var mu sync.Mutex
	record := func(o Outcome) {
		mu.Lock()
		result.Outcomes = append(result.Outcomes, o)
		mu.Unlock()
	}

	// One retrieval per credential kind.
	byKind := make(map[plugin.Kind][]store.Mapping)
	var errs *multierror.Error
	for _, mp := range mappings {
		kind, err := m.kindFor(ctx, mp.PluginName)
		if err != nil {
			errs = multierror.Append(errs, m.fail(mp, err, record))
			continue
		}
		byKind[kind] = append(byKind[kind], mp)
	}

	kinds := make([]plugin.Kind, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		group := byKind[kind]
		err := secure.WithScoped(func() (*secure.ScopedSecret, error) {
			return m.source.RetrieveSecret(ctx, handle, kind)
		}, func(secret *secure.ScopedSecret) error {
			var g multierror.Group
			for _, mp := range group {
				mp := mp
				g.Go(func() error { return m.pushOne(ctx, mp, kind, secret, force, record) })
			}
			return g.Wait().ErrorOrNil()
		})

		var batchErr *multierror.Error
		switch {
		case err == nil:
		case errors.As(err, &batchErr):
			errs = multierror.Append(errs, batchErr.Errors...)
		default:
			// Retrieval failed: nothing in this group was attempted.
			for _, mp := range group {
				errs = multierror.Append(errs, m.fail(mp, fmt.Errorf("failed to retrieve secret: %w", err), record))
			}
		}
	}

	result.sort()
	return result, errs.ErrorOrNil()
}

func (m *Monitor) pushOne(ctx context.Context, mp store.Mapping, kind plugin.Kind, secret *secure.ScopedSecret, force bool, record func(Outcome)) error {
	start := time.Now()

	if !force && m.cache.Matches(secret.Bytes(), mp.Key, kind) {
		m.metrics.RecordCacheHit(mp.PluginName)
		m.status.RecordPush(mp.Key, mp.PluginName, status.Skipped, nil)
		record(Outcome{MappingKey: mp.Key, PluginName: mp.PluginName, Status: status.Skipped})
		m.logger.Debug("Mapping %s already in sync", mp.Key)
		return nil
	}

	var skipped string
	err := m.plugins.Invoke(ctx, mp.PluginName, func(ctx context.Context, p plugin.Plugin) error {
		meta := p.Metadata()
		if !meta.SupportsPush {
			skipped = "plugin does not accept pushes"
			return nil
		}
		if !meta.Supports(kind) {
			return &plugin.ConfigurationError{Reason: fmt.Sprintf("plugin does not accept %s credentials", kind)}
		}
		_, err := p.Push(ctx, plugin.PushRequest{
			Kind:           kind,
			AssetName:      mp.AssetName,
			AccountName:    mp.AccountName,
			AltAccountName: mp.AltAccountName,
			Credential:     plugin.CredentialParts(kind, secret.String()),
		})
		return err
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		m.metrics.RecordPush(mp.PluginName, status.Failure, elapsed)
		return m.fail(mp, err, record)
	}
	if skipped != "" {
		m.status.RecordPush(mp.Key, mp.PluginName, status.Skipped, nil)
		record(Outcome{MappingKey: mp.Key, PluginName: mp.PluginName, Status: status.Skipped, Error: skipped})
		return nil
	}

	m.cache.Upsert(secret.Bytes(), mp.Key, kind)
	m.metrics.RecordPush(mp.PluginName, status.Success, elapsed)
	m.status.RecordPush(mp.Key, mp.PluginName, status.Success, nil)
	record(Outcome{MappingKey: mp.Key, PluginName: mp.PluginName, Status: status.Success})
	m.logger.Info("Pushed %s/%s to %s", mp.AssetName, mp.AccountName, mp.PluginName)
	return nil
}

func (m *Monitor) fail(mp store.Mapping, err error, record func(Outcome)) error {
	failure := dserrors.DispatchFailure{
		MappingKey: mp.Key,
		Plugin:     mp.PluginName,
		Asset:      mp.AssetName,
		Account:    mp.AccountName,
		Err:        err,
	}
	m.logger.Error("%v", failure)
	m.status.RecordPush(mp.Key, mp.PluginName, status.Failure, err)
	record(Outcome{MappingKey: mp.Key, PluginName: mp.PluginName, Status: status.Failure, Error: err.Error()})
	return failure
}

func (m *Monitor) kindFor(ctx context.Context, pluginName string) (plugin.Kind, error) {
	ps, err := m.settings.GetPluginSettings(ctx, pluginName)
	if err != nil {
		return "", fmt.Errorf("failed to read settings: %w", err)
	}
	if ps == nil {
		return "", dserrors.NotLoadedError{Plugin: pluginName}
	}
	if ps.AssignedKind == "" {
		return plugin.KindPassword, nil
	}
	return ps.AssignedKind, nil
}
