// Package reverseflow periodically pulls credentials that destination plugins
// generate or rotate themselves and writes them back to the source of truth.
package reverseflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

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

const (
	DefaultTick            = 60 * time.Second
	DefaultIntervalSeconds = 86400
)

// Invoker runs fn against a loaded, configured plugin.
type Invoker interface {
	Invoke(ctx context.Context, name string, fn func(ctx context.Context, p plugin.Plugin) error) error
}

// Store is the persistence the scheduler needs.
type Store interface {
	store.MappingStore
	store.PluginSettingsStore
	store.ReverseFlowStore
}

// Result is the outcome of one plugin's poll.
type Result struct {
	Plugin string `json:"plugin"`
	// Status is success, failure, unchanged (no new value) or skipped (not due).
	Status  string `json:"status"`
	Updated int    `json:"updated"`
	Error   string `json:"error,omitempty"`
}

// Scheduler is stopped until Start.
type Scheduler struct {
	plugins Invoker
	store   Store
	source  source.Source
	cache   *cache.Cache
	logger  *logging.Logger
	metrics *metrics.Recorder
	status  *status.Tracker

	tick            time.Duration
	defaultInterval int64
	now             func() time.Time
	group           singleflight.Group

	// pulledMu guards pulled: per plugin, when each mapping last pulled
	// cleanly. A failing mapping holds back the plugin's LastPolledTime
	// without re-pulling its healthy siblings.
	pulledMu sync.Mutex
	pulled   map[string]map[string]time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l.With("reverseflow") }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Scheduler) { s.metrics = r }
}

func WithStatus(t *status.Tracker) Option {
	return func(s *Scheduler) { s.status = t }
}

// WithTick sets the loop period.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithDefaultInterval sets the rotation interval of plugins that have no
// persisted schedule yet.
func WithDefaultInterval(seconds int64) Option {
	return func(s *Scheduler) {
		if seconds > 0 {
			s.defaultInterval = seconds
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(plugins Invoker, st Store, src source.Source, c *cache.Cache, opts ...Option) *Scheduler {
	s := &Scheduler{
		plugins:         plugins,
		store:           st,
		source:          src,
		cache:           c,
		logger:          logging.Discard(),
		metrics:         metrics.New(),
		status:          status.NewTracker(),
		tick:            DefaultTick,
		defaultInterval: DefaultIntervalSeconds,
		now:             time.Now,
		pulled:          make(map[string]map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs Tick every tick period until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return dserrors.AlreadyRunningError{Component: "reverse-flow scheduler"}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("Reverse-flow scheduler started (tick %s)", s.tick)
	return nil
}

// Stop cancels the pending tick and waits for a running one to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Reverse-flow scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// In-flight pulls finish even if Stop is called mid-tick.
			s.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick polls every reverse-flow-enabled plugin that is due.
func (s *Scheduler) Tick(ctx context.Context) []Result {
	settings, err := s.store.ListPluginSettings(ctx)
	if err != nil {
		s.logger.Error("Reading plugin settings: %v", err)
		return nil
	}

	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)
	for _, ps := range settings {
		if !ps.ReverseFlowEnabled {
			continue
		}
		name := ps.Name
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.Poll(ctx, name)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Plugin < results[j].Plugin })
	return results
}

// Poll pulls every mapping of one plugin if it is due. Concurrent calls for
// the same plugin share a single run.
func (s *Scheduler) Poll(ctx context.Context, name string) Result {
	ch := s.group.DoChan(name, func() (interface{}, error) {
		return s.poll(ctx, name), nil
	})
	res := <-ch
	return res.Val.(Result)
}

func (s *Scheduler) poll(ctx context.Context, name string) Result {
	state, err := s.State(ctx, name)
	if err != nil {
		return s.finish(name, 0, time.Now(), err)
	}
	now := s.now()
	if !state.Due(now) {
		return Result{Plugin: name, Status: status.Skipped}
	}

	start := time.Now()
	updated, err := s.pullAll(ctx, name, now, state.RotationIntervalSeconds)
	if err != nil {
		// LastPolledTime stays put so the next tick retries the failed
		// mappings. Mappings that pulled cleanly wait for their own interval.
		return s.finish(name, updated, start, err)
	}

	state.LastPolledTime = now
	if err := s.store.SaveReverseFlowState(ctx, state); err != nil {
		return s.finish(name, updated, start, fmt.Errorf("failed to save schedule: %w", err))
	}
	s.forgetPulled(name)
	return s.finish(name, updated, start, nil)
}

func (s *Scheduler) finish(name string, updated int, start time.Time, err error) Result {
	r := Result{Plugin: name, Updated: updated}
	switch {
	case err != nil:
		r.Status = status.Failure
		r.Error = err.Error()
		s.logger.Error("Reverse flow for %s failed: %v", name, err)
	case updated == 0:
		r.Status = status.Unchanged
	default:
		r.Status = status.Success
		s.logger.Info("Reverse flow for %s synchronized %d credential(s)", name, updated)
	}
	s.status.RecordPull(name, r.Status, err)
	s.metrics.RecordPull(name, r.Status, time.Since(start).Seconds())
	return r
}

// pullAll pulls each mapping in turn and reports how many new values were
// written back. Every mapping is attempted even when one fails, except those
// that already pulled cleanly within the interval.
func (s *Scheduler) pullAll(ctx context.Context, name string, now time.Time, intervalSeconds int64) (int, error) {
	ps, err := s.store.GetPluginSettings(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to read settings: %w", err)
	}
	if ps == nil {
		return 0, dserrors.NotLoadedError{Plugin: name}
	}
	kind := ps.AssignedKind
	if kind == "" {
		kind = plugin.KindPassword
	}

	mappings, err := s.store.GetMappingsForPlugin(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to read mappings: %w", err)
	}

	interval := time.Duration(intervalSeconds) * time.Second
	pulled := s.pulledFor(name, mappings)

	updated := 0
	var errs *multierror.Error
	for _, mp := range mappings {
		if last, ok := pulled[mp.Key]; ok && now.Sub(last) < interval {
			continue
		}
		changed, err := s.pullOne(ctx, mp, kind)
		if err != nil {
			errs = multierror.Append(errs, dserrors.DispatchFailure{
				MappingKey: mp.Key,
				Plugin:     mp.PluginName,
				Asset:      mp.AssetName,
				Account:    mp.AccountName,
				Err:        err,
			})
			continue
		}
		s.markPulled(name, mp.Key, now)
		if changed {
			updated++
		}
	}
	return updated, errs.ErrorOrNil()
}

// pulledFor returns a copy of name's per-mapping pull times, dropping
// mappings that no longer exist.
func (s *Scheduler) pulledFor(name string, mappings []store.Mapping) map[string]time.Time {
	s.pulledMu.Lock()
	defer s.pulledMu.Unlock()

	current := s.pulled[name]
	kept := make(map[string]time.Time, len(current))
	out := make(map[string]time.Time, len(current))
	for _, mp := range mappings {
		if t, ok := current[mp.Key]; ok {
			kept[mp.Key] = t
			out[mp.Key] = t
		}
	}
	if len(kept) == 0 {
		delete(s.pulled, name)
	} else {
		s.pulled[name] = kept
	}
	return out
}

func (s *Scheduler) markPulled(name, key string, at time.Time) {
	s.pulledMu.Lock()
	defer s.pulledMu.Unlock()
	if s.pulled[name] == nil {
		s.pulled[name] = make(map[string]time.Time)
	}
	s.pulled[name][key] = at
}

// forgetPulled drops name's per-mapping times once LastPolledTime covers
// every mapping.
func (s *Scheduler) forgetPulled(name string) {
	s.pulledMu.Lock()
	defer s.pulledMu.Unlock()
	delete(s.pulled, name)
}

func (s *Scheduler) pullOne(ctx context.Context, mp store.Mapping, kind plugin.Kind) (bool, error) {
	var result *plugin.PullResult
	err := s.plugins.Invoke(ctx, mp.PluginName, func(ctx context.Context, p plugin.Plugin) error {
		if !p.Metadata().SupportsReverseFlow {
			return &plugin.ConfigurationError{Reason: "plugin does not support reverse flow"}
		}
		var err error
		result, err = p.Pull(ctx, plugin.PullRequest{
			Kind:           kind,
			AssetName:      mp.AssetName,
			AccountName:    mp.AccountName,
			AltAccountName: mp.AltAccountName,
		})
		return err
	})

	var race *plugin.RotationRaceError
	switch {
	case err == nil:
	case errors.As(err, &race) && result != nil:
		// The new credential exists and is confirmed; only cleanup of the old
		// one failed. The stale credential stays valid until the next rotation.
		s.logger.Warn("Rotation for %s left the previous credential in place: %v", mp.Key, err)
	default:
		return false, err
	}
	if result == nil || result.Value == "" {
		return false, nil
	}

	secret := secure.NewScopedSecretString(result.Value)
	defer secret.Wipe()

	if s.cache.Matches(secret.Bytes(), mp.Key, kind) {
		return false, nil
	}
	// Recorded first so the change event this write triggers is not pushed
	// back to the plugin that produced it.
	s.cache.Upsert(secret.Bytes(), mp.Key, kind)
	if err := s.source.UpdateSecret(ctx, mp.SecretHandle, kind, secret); err != nil {
		s.cache.Forget(mp.Key)
		return false, fmt.Errorf("failed to write back to source: %w", err)
	}
	return true, nil
}

// State returns the persisted schedule of name, or the default schedule if
// none was saved yet.
func (s *Scheduler) State(ctx context.Context, name string) (store.ReverseFlowState, error) {
	st, err := s.store.GetReverseFlowState(ctx, name)
	if err != nil {
		return store.ReverseFlowState{}, fmt.Errorf("failed to read schedule: %w", err)
	}
	if st == nil {
		return store.ReverseFlowState{PluginName: name, RotationIntervalSeconds: s.defaultInterval}, nil
	}
	if st.RotationIntervalSeconds <= 0 {
		st.RotationIntervalSeconds = s.defaultInterval
	}
	return *st, nil
}

// Configure sets the rotation interval of name and turns its reverse flow on
// or off. The last poll time is preserved.
func (s *Scheduler) Configure(ctx context.Context, name string, intervalSeconds int64, enabled bool) (store.ReverseFlowState, error) {
	if intervalSeconds <= 0 {
		return store.ReverseFlowState{}, dserrors.ConfigError{
			Field:      "rotationIntervalSeconds",
			Value:      intervalSeconds,
			Message:    "interval must be positive",
			Suggestion: fmt.Sprintf("Use %d for a daily rotation", DefaultIntervalSeconds),
		}
	}

	ps, err := s.store.GetPluginSettings(ctx, name)
	if err != nil {
		return store.ReverseFlowState{}, err
	}
	if ps == nil {
		return store.ReverseFlowState{}, dserrors.NotLoadedError{Plugin: name}
	}

	state, err := s.State(ctx, name)
	if err != nil {
		return store.ReverseFlowState{}, err
	}
	state.RotationIntervalSeconds = intervalSeconds
	state.Enabled = enabled
	if err := s.store.SaveReverseFlowState(ctx, state); err != nil {
		return store.ReverseFlowState{}, err
	}

	ps.ReverseFlowEnabled = enabled
	if err := s.store.SavePluginSettings(ctx, *ps); err != nil {
		return store.ReverseFlowState{}, err
	}
	return state, nil
}
