package plugins_test

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsbroker/internal/plugins"
	"github.com/systmms/dsbroker/pkg/plugin"
)

type fakeKeyVault struct {
	mu       sync.Mutex
	secrets  map[string]azsecrets.SetSecretParameters
	versions int
	err      error
}

func newFakeKeyVault() *fakeKeyVault {
	return &fakeKeyVault{secrets: make(map[string]azsecrets.SetSecretParameters)}
}

func azureError(code int) error {
	req, _ := http.NewRequest(http.MethodGet, "https://acme.vault.azure.net/secrets/x", nil)
	return &azcore.ResponseError{
		StatusCode: code,
		RawResponse: &http.Response{
			StatusCode: code,
			Status:     http.StatusText(code),
			Header:     http.Header{},
			Body:       http.NoBody,
			Request:    req,
		},
	}
}

func secretID(name string, version int) *azsecrets.ID {
	id := azsecrets.ID("https://acme.vault.azure.net/secrets/" + name + "/" + strconv.Itoa(version))
	return &id
}

func (f *fakeKeyVault) GetSecret(_ context.Context, name, _ string, _ *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azsecrets.GetSecretResponse{}, f.err
	}
	s, ok := f.secrets[name]
	if !ok {
		return azsecrets.GetSecretResponse{}, azureError(http.StatusNotFound)
	}
	return azsecrets.GetSecretResponse{Secret: azsecrets.Secret{Value: s.Value, ID: secretID(name, f.versions)}}, nil
}

func (f *fakeKeyVault) SetSecret(_ context.Context, name string, params azsecrets.SetSecretParameters, _ *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azsecrets.SetSecretResponse{}, f.err
	}
	f.versions++
	f.secrets[name] = params
	return azsecrets.SetSecretResponse{Secret: azsecrets.Secret{Value: params.Value, ID: secretID(name, f.versions)}}, nil
}

func configuredKeyVault(t *testing.T, client *fakeKeyVault) *plugins.AzureKeyVault {
	t.Helper()
	p := plugins.NewAzureKeyVault(plugins.WithKeyVaultClient(client))
	cfg := p.GetInitialConfiguration()
	cfg[plugins.KeyVaultURL] = "https://acme.vault.azure.net/"
	require.NoError(t, p.SetConfiguration(cfg))
	return p
}

func TestAzureKeyVault_PushAndPull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := newFakeKeyVault()
	p := configuredKeyVault(t, client)

	version, err := p.Push(ctx, plugin.PushRequest{
		Kind: plugin.KindPassword, AssetName: "db01.acme", AccountName: "svc_app", Credential: []string{"hunter2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	stored, ok := client.secrets["dsbroker-db01-acme-svc-app"]
	require.True(t, ok, "names are reduced to the Key Vault character set")
	assert.Equal(t, "password", *stored.ContentType)

	got, err := p.Pull(ctx, plugin.PullRequest{Kind: plugin.KindPassword, AssetName: "db01.acme", AccountName: "svc_app"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hunter2", got.Value)
	assert.Equal(t, "1", got.Version)

	got, err = p.Pull(ctx, plugin.PullRequest{Kind: plugin.KindPassword, AssetName: "db02", AccountName: "svc"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAzureKeyVault_TestConnection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := newFakeKeyVault()
	p := configuredKeyVault(t, client)
	assert.True(t, p.TestConnection(ctx), "a missing probe secret still proves access")

	client.mu.Lock()
	client.err = azureError(http.StatusForbidden)
	client.mu.Unlock()
	assert.False(t, p.TestConnection(ctx))

	_, err := p.Push(ctx, plugin.PushRequest{Kind: plugin.KindPassword, AssetName: "a", AccountName: "b", Credential: []string{"x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")

	client.mu.Lock()
	client.err = errors.New("dial tcp: no such host")
	client.mu.Unlock()
	_, err = p.Push(ctx, plugin.PushRequest{Kind: plugin.KindPassword, AssetName: "a", AccountName: "b", Credential: []string{"x"}})
	var connErr *plugin.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "https://acme.vault.azure.net/", connErr.Endpoint)
}

func TestAzureKeyVault_Configuration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := plugins.NewAzureKeyVault(plugins.WithKeyVaultClient(newFakeKeyVault()))
	var cfgErr *plugin.ConfigurationError

	require.ErrorAs(t, p.SetConfiguration(map[string]string{plugins.KeySecretName: "x"}), &cfgErr)
	assert.Equal(t, []string{plugins.KeyVaultURL}, cfgErr.Keys)

	require.ErrorAs(t, p.SetConfiguration(map[string]string{
		plugins.KeySecretName: "x", plugins.KeyVaultURL: "http://insecure",
	}), &cfgErr)

	assert.NoError(t, p.SetVaultCredential(ctx, []byte(`{"tenantId":"t","clientId":"c","clientSecret":"s"}`)))
	assert.ErrorAs(t, p.SetVaultCredential(ctx, []byte(`{"tenantId":"t"}`)), &cfgErr)
	assert.NoError(t, p.SetVaultCredential(ctx, nil))
}
