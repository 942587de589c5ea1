package plugins_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsbroker/internal/plugins"
	"github.com/systmms/dsbroker/pkg/plugin"
)

type fakeAkeyless struct {
	mu      sync.Mutex
	secrets map[string]string
	auths   int
	authErr error
}

func newFakeAkeyless() *fakeAkeyless {
	return &fakeAkeyless{secrets: make(map[string]string)}
}

func (f *fakeAkeyless) Auth(_ context.Context, accessID, accessKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths++
	if f.authErr != nil {
		return "", f.authErr
	}
	if accessID != "p-123" || accessKey != "key" {
		return "", errors.New("401 Unauthorized")
	}
	return "t-1", nil
}

func (f *fakeAkeyless) CreateSecret(_ context.Context, token, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token != "t-1" {
		return errors.New("401 Unauthorized")
	}
	f.secrets[name] = value
	return nil
}

func (f *fakeAkeyless) UpdateSecretValue(_ context.Context, token, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token != "t-1" {
		return errors.New("401 Unauthorized")
	}
	if _, ok := f.secrets[name]; !ok {
		return errors.New("itemNotFound: " + name)
	}
	f.secrets[name] = value
	return nil
}

func configuredAkeyless(t *testing.T, client *fakeAkeyless) *plugins.Akeyless {
	t.Helper()
	p := plugins.NewAkeyless(plugins.WithAkeylessClient(client))
	cfg := p.GetInitialConfiguration()
	cfg[plugins.KeyAccessID] = "p-123"
	require.NoError(t, p.SetConfiguration(cfg))
	return p
}

func TestAkeyless_Push(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := newFakeAkeyless()
	p := configuredAkeyless(t, client)
	require.NoError(t, p.SetVaultCredential(ctx, []byte("key\n")))

	req := plugin.PushRequest{Kind: plugin.KindPassword, AssetName: "db01", AccountName: "svc", Credential: []string{"one"}}
	name, err := p.Push(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "/dsbroker/db01/svc", name)

	req.Credential = []string{"two"}
	_, err = p.Push(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "two", client.secrets["/dsbroker/db01/svc"])
	assert.Equal(t, 1, client.auths, "token is reused")
	assert.True(t, p.TestConnection(ctx))
}

func TestAkeyless_NeedsAccessKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := configuredAkeyless(t, newFakeAkeyless())
	_, err := p.Push(ctx, plugin.PushRequest{Kind: plugin.KindPassword, AssetName: "a", AccountName: "b", Credential: []string{"x"}})
	var cfgErr *plugin.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.False(t, p.TestConnection(ctx))

	require.NoError(t, p.SetVaultCredential(ctx, []byte("wrong")))
	assert.False(t, p.TestConnection(ctx))
}

func TestAkeyless_AuthUnreachable(t *testing.T) {
	t.Parallel()

	client := newFakeAkeyless()
	client.authErr = errors.New("dial tcp: connection refused")
	p := configuredAkeyless(t, client)
	require.NoError(t, p.SetVaultCredential(context.Background(), []byte("key")))

	_, err := p.Push(context.Background(), plugin.PushRequest{Kind: plugin.KindPassword, AssetName: "a", AccountName: "b", Credential: []string{"x"}})
	var connErr *plugin.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "https://api.akeyless.io", connErr.Endpoint)
}

func TestBuiltins_Metadata(t *testing.T) {
	t.Parallel()

	for entry, p := range plugins.Builtins() {
		meta := p.Metadata()
		assert.Equal(t, entry, meta.Name)
		assert.True(t, meta.SupportsPush, entry)
		assert.NotEmpty(t, meta.SupportedKinds, entry)
		assert.NotEmpty(t, p.GetInitialConfiguration()[plugins.KeySecretName]+p.GetInitialConfiguration()[plugins.KeyParameterName], entry)
		assert.NotPanics(t, p.Unload, entry)
	}
	assert.Len(t, plugins.Builtins(), 5)
}
