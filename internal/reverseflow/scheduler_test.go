package reverseflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsbroker/internal/cache"
	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/fakes"
	"github.com/systmms/dsbroker/internal/reverseflow"
	"github.com/systmms/dsbroker/internal/source"
	"github.com/systmms/dsbroker/internal/status"
	"github.com/systmms/dsbroker/internal/store"
	"github.com/systmms/dsbroker/pkg/plugin"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store   *store.MemoryStore
	src     *source.MemorySource
	plugins *fakes.FakeInvoker
	cache   *cache.Cache
	clock   *clock
	sched   *reverseflow.Scheduler
}

func newHarness(t *testing.T, opts ...reverseflow.Option) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemoryStore(),
		src:     source.NewMemorySource(),
		plugins: fakes.NewFakeInvoker(),
		cache:   cache.NewWithSalt([]byte("test")),
		clock:   &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	opts = append([]reverseflow.Option{reverseflow.WithClock(h.clock.Now)}, opts...)
	h.sched = reverseflow.New(h.plugins, h.store, h.src, h.cache, opts...)
	t.Cleanup(h.sched.Stop)
	return h
}

// addPlugin registers p with reverse flow enabled and maps one account to it.
func (h *harness) addPlugin(t *testing.T, name string, p *fakes.FakePlugin, asset, account string) store.Mapping {
	t.Helper()
	ctx := context.Background()
	h.plugins.WithPlugin(name, p)
	require.NoError(t, h.store.SavePluginSettings(ctx, store.PluginSettings{
		Name: name, AssignedKind: plugin.KindPassword, ReverseFlowEnabled: true,
	}))
	m := store.Mapping{SecretHandle: source.Handle(asset, account), AssetName: asset, AccountName: account, PluginName: name}
	require.NoError(t, m.Normalize())
	require.NoError(t, h.store.Upsert(ctx, m))
	return m
}

func TestTick_WritesNewValueBackToSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	fake := fakes.NewFakePlugin("gcp").WithPullValue("db01", "svc", "rotated-1")
	m := h.addPlugin(t, "gcp", fake, "db01", "svc")

	results := h.sched.Tick(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, status.Success, results[0].Status)
	assert.Equal(t, 1, results[0].Updated)

	value, ok := h.src.Value(m.SecretHandle, plugin.KindPassword)
	require.True(t, ok)
	assert.Equal(t, "rotated-1", value)
	assert.True(t, h.cache.Matches([]byte("rotated-1"), m.Key, plugin.KindPassword))

	state, err := h.sched.State(ctx, "gcp")
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now(), state.LastPolledTime)
	assert.EqualValues(t, reverseflow.DefaultIntervalSeconds, state.RotationIntervalSeconds)
}

func TestTick_DebouncesWithinInterval(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	fake := fakes.NewFakePlugin("gcp").WithPullValue("db01", "svc", "v1")
	h.addPlugin(t, "gcp", fake, "db01", "svc")
	_, err := h.sched.Configure(ctx, "gcp", 86400, true)
	require.NoError(t, err)

	h.sched.Tick(ctx)
	h.clock.Advance(10 * time.Second)
	results := h.sched.Tick(ctx)

	assert.Len(t, fake.Pulls(), 1)
	require.Len(t, results, 1)
	assert.Equal(t, status.Skipped, results[0].Status)

	h.clock.Advance(86400 * time.Second)
	h.sched.Tick(ctx)
	assert.Len(t, fake.Pulls(), 2)
}

func TestTick_FailureLeavesLastPolledUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	fake := fakes.NewFakePlugin("gcp").WithPullError(&plugin.ConnectionError{Endpoint: "gcp", Err: errors.New("unreachable")})
	h.addPlugin(t, "gcp", fake, "db01", "svc")

	results := h.sched.Tick(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, status.Failure, results[0].Status)
	assert.Contains(t, results[0].Error, "unreachable")

	saved, err := h.store.GetReverseFlowState(ctx, "gcp")
	require.NoError(t, err)
	assert.Nil(t, saved, "no schedule is saved after a failed poll")

	h.clock.Advance(10 * time.Second)
	h.sched.Tick(ctx)
	assert.Len(t, fake.Pulls(), 2, "the next tick retries")
}

func TestTick_UnchangedValueIsNotWrittenBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	fake := fakes.NewFakePlugin("gcp").WithPullValue("db01", "svc", "same")
	m := h.addPlugin(t, "gcp", fake, "db01", "svc")
	h.cache.Upsert([]byte("same"), m.Key, plugin.KindPassword)

	results := h.sched.Tick(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, status.Unchanged, results[0].Status)
	_, ok := h.src.Value(m.SecretHandle, plugin.KindPassword)
	assert.False(t, ok)
}

func TestTick_NotDueResultIsNotAnError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.addPlugin(t, "gcp", fakes.NewFakePlugin("gcp"), "db01", "svc")

	results := h.sched.Tick(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, status.Unchanged, results[0].Status)
}

func TestTick_SkipsDisabledPlugins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	fake := fakes.NewFakePlugin("gcp").WithPullValue("db01", "svc", "v1")
	h.addPlugin(t, "gcp", fake, "db01", "svc")
	_, err := h.sched.Configure(ctx, "gcp", 3600, false)
	require.NoError(t, err)

	assert.Empty(t, h.sched.Tick(ctx))
	assert.Empty(t, fake.Pulls())
}

// keyStore models a destination holding access keys for one account.
type keyStore struct {
	mu        sync.Mutex
	keys      map[string]bool
	current   string
	next      int
	deleteErr error
}

func (k *keyStore) valid() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []string
	for key := range k.keys {
		out = append(out, key)
	}
	return out
}

func (k *keyStore) rotate(ctx context.Context, _ plugin.PullRequest) (*plugin.PullResult, error) {
	k.mu.Lock()
	old := k.current
	k.mu.Unlock()

	return plugin.RotateCreateBeforeDelete(ctx, plugin.Rotation{
		Create: func(context.Context) (*plugin.PullResult, error) {
			k.mu.Lock()
			defer k.mu.Unlock()
			k.next++
			key := fmt.Sprintf("key-%d", k.next)
			k.keys[key] = true
			return &plugin.PullResult{Value: key}, nil
		},
		Confirm: func(_ context.Context, created *plugin.PullResult) error {
			k.mu.Lock()
			defer k.mu.Unlock()
			if !k.keys[created.Value] {
				return errors.New("new key not found")
			}
			k.current = created.Value
			return nil
		},
		Delete: func(context.Context, *plugin.PullResult) error {
			k.mu.Lock()
			defer k.mu.Unlock()
			if k.deleteErr != nil {
				return k.deleteErr
			}
			delete(k.keys, old)
			return nil
		},
	})
}

func TestRotationSafety(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		deleteErr error
		wantKeys  []string
	}{
		{"delete fails keeps old key valid", errors.New("permission denied"), []string{"key-0", "key-1"}},
		{"both succeed leaves one key", nil, []string{"key-1"}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			ks := &keyStore{keys: map[string]bool{"key-0": true}, current: "key-0", deleteErr: tt.deleteErr}
			fake := fakes.NewFakePlugin("aws")
			fake.PullFunc = ks.rotate

			h := newHarness(t)
			m := h.addPlugin(t, "aws", fake, "db01", "svc")

			results := h.sched.Tick(ctx)
			require.Len(t, results, 1)
			assert.Equal(t, status.Success, results[0].Status)
			assert.ElementsMatch(t, tt.wantKeys, ks.valid())

			value, ok := h.src.Value(m.SecretHandle, plugin.KindPassword)
			require.True(t, ok)
			assert.Equal(t, "key-1", value, "the confirmed new key is synchronized either way")
		})
	}
}

func TestRotationSafety_FailedCreateNeverDeletes(t *testing.T) {
	t.Parallel()

	deleted := false
	fake := fakes.NewFakePlugin("aws")
	fake.PullFunc = func(ctx context.Context, _ plugin.PullRequest) (*plugin.PullResult, error) {
		return plugin.RotateCreateBeforeDelete(ctx, plugin.Rotation{
			Create: func(context.Context) (*plugin.PullResult, error) {
				return nil, errors.New("serialization failed")
			},
			Confirm: func(context.Context, *plugin.PullResult) error { return nil },
			Delete: func(context.Context, *plugin.PullResult) error {
				deleted = true
				return nil
			},
		})
	}

	h := newHarness(t)
	h.addPlugin(t, "aws", fake, "db01", "svc")

	results := h.sched.Tick(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, status.Failure, results[0].Status)
	assert.False(t, deleted)
}

func TestPoll_SingleFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	var calls atomic.Int32
	fake := fakes.NewFakePlugin("gcp")
	fake.PullFunc = func(context.Context, plugin.PullRequest) (*plugin.PullResult, error) {
		calls.Add(1)
		<-release
		return &plugin.PullResult{Value: "v"}, nil
	}

	h := newHarness(t)
	h.addPlugin(t, "gcp", fake, "db01", "svc")

	var wg sync.WaitGroup
	results := make([]reverseflow.Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.sched.Poll(ctx, "gcp")
		}(i)
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
}

func TestConfigure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	h.addPlugin(t, "gcp", fakes.NewFakePlugin("gcp"), "db01", "svc")

	_, err := h.sched.Configure(ctx, "gcp", 0, true)
	var cfgErr dserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "rotationIntervalSeconds", cfgErr.Field)

	_, err = h.sched.Configure(ctx, "unknown", 60, true)
	assert.ErrorAs(t, err, &dserrors.NotLoadedError{})

	state, err := h.sched.Configure(ctx, "gcp", 3600, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3600, state.RotationIntervalSeconds)
	assert.True(t, state.Enabled)

	ps, err := h.store.GetPluginSettings(ctx, "gcp")
	require.NoError(t, err)
	assert.True(t, ps.ReverseFlowEnabled)
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := fakes.NewFakePlugin("gcp").WithPullValue("db01", "svc", "v1")
	h := newHarness(t, reverseflow.WithTick(10*time.Millisecond))
	h.addPlugin(t, "gcp", fake, "db01", "svc")

	require.NoError(t, h.sched.Start(ctx))
	assert.ErrorAs(t, h.sched.Start(ctx), &dserrors.AlreadyRunningError{})

	assert.Eventually(t, func() bool { return len(fake.Pulls()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	h.sched.Stop()

	n := len(fake.Pulls())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(fake.Pulls()), "no ticks after Stop")
	assert.Equal(t, 1, n, "the fixed clock keeps the plugin from being due again")
}

func TestTick_FailingMappingDoesNotRepullHealthySiblings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	var broken atomic.Bool
	broken.Store(true)
	var rotations atomic.Int32
	fake := fakes.NewFakePlugin("gcp")
	fake.PullFunc = func(_ context.Context, req plugin.PullRequest) (*plugin.PullResult, error) {
		if req.AccountName == "bad" && broken.Load() {
			return nil, &plugin.ConnectionError{Endpoint: "gcp", Err: errors.New("unreachable")}
		}
		n := rotations.Add(1)
		return &plugin.PullResult{Value: fmt.Sprintf("%s-%d", req.AccountName, n)}, nil
	}
	h.addPlugin(t, "gcp", fake, "db01", "good")
	h.addPlugin(t, "gcp", fake, "db01", "bad")

	countFor := func(account string) int {
		n := 0
		for _, req := range fake.Pulls() {
			if req.AccountName == account {
				n++
			}
		}
		return n
	}

	for i := 0; i < 5; i++ {
		results := h.sched.Tick(ctx)
		require.Len(t, results, 1)
		assert.Equal(t, status.Failure, results[0].Status)
		h.clock.Advance(time.Minute)
	}
	assert.Equal(t, 1, countFor("good"), "healthy mapping is pulled once per interval")
	assert.Equal(t, 5, countFor("bad"), "failing mapping is retried every tick")

	saved, err := h.store.GetReverseFlowState(ctx, "gcp")
	require.NoError(t, err)
	assert.Nil(t, saved)

	broken.Store(false)
	results := h.sched.Tick(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, status.Success, results[0].Status)
	assert.Equal(t, 1, countFor("good"))
	assert.Equal(t, 6, countFor("bad"))

	saved, err = h.store.GetReverseFlowState(ctx, "gcp")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, h.clock.Now(), saved.LastPolledTime)

	h.clock.Advance(reverseflow.DefaultIntervalSeconds * time.Second)
	h.sched.Tick(ctx)
	assert.Equal(t, 2, countFor("good"))
	assert.Equal(t, 7, countFor("bad"))
}
