package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// KeyVaultURL is the vault address setting of the Key Vault plugin.
const KeyVaultURL = "vaultUrl"

// connectionProbeSecret is read by TestConnection; a 404 proves access.
const connectionProbeSecret = "dsbroker-connection-test"

// KeyVaultAPI is the subset of the azsecrets client the plugin uses.
type KeyVaultAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

// azureCredential is the vault credential payload of the Key Vault plugin.
// An empty payload selects DefaultAzureCredential.
type azureCredential struct {
	TenantID     string `json:"tenantId"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// AzureKeyVault pushes credentials as Key Vault secrets and reads back
// values changed there.
type AzureKeyVault struct {
	settings

	mu       sync.Mutex
	client   KeyVaultAPI
	injected bool
	cred     *azureCredential
}

// AzureKeyVaultOption configures an AzureKeyVault.
type AzureKeyVaultOption func(*AzureKeyVault)

// WithKeyVaultClient replaces the SDK client, for tests.
func WithKeyVaultClient(client KeyVaultAPI) AzureKeyVaultOption {
	return func(p *AzureKeyVault) {
		p.client = client
		p.injected = true
	}
}

func NewAzureKeyVault(opts ...AzureKeyVaultOption) *AzureKeyVault {
	p := &AzureKeyVault{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AzureKeyVault) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:                EntryAzureKeyVault,
		DisplayName:         "Azure Key Vault",
		Version:             builtinVersion,
		Description:         "Stores credentials as Key Vault secrets",
		SupportedKinds:      []plugin.Kind{plugin.KindPassword, plugin.KindAPIKey, plugin.KindSSHKey, plugin.KindCertificate},
		SupportsPush:        true,
		SupportsReverseFlow: true,
	}
}

func (p *AzureKeyVault) GetInitialConfiguration() map[string]string {
	return map[string]string{
		KeyVaultURL:   "",
		KeySecretName: "dsbroker-{asset}-{account}",
	}
}

func (p *AzureKeyVault) SetConfiguration(cfg map[string]string) error {
	if err := plugin.MissingKeys(cfg, KeyVaultURL, KeySecretName); err != nil {
		return err
	}
	if !strings.HasPrefix(cfg[KeyVaultURL], "https://") {
		return &plugin.ConfigurationError{Keys: []string{KeyVaultURL}, Reason: "vault URL must start with https://"}
	}
	p.set(cfg)
	p.reset()
	return nil
}

func (p *AzureKeyVault) SetVaultCredential(_ context.Context, payload []byte) error {
	var cred *azureCredential
	if len(strings.TrimSpace(string(payload))) > 0 {
		cred = &azureCredential{}
		if err := json.Unmarshal(payload, cred); err != nil {
			return &plugin.ConfigurationError{Reason: fmt.Sprintf("invalid Azure credential payload: %v", err)}
		}
		if cred.TenantID == "" || cred.ClientID == "" || cred.ClientSecret == "" {
			return &plugin.ConfigurationError{Reason: "Azure credential payload needs tenantId, clientId and clientSecret"}
		}
	}
	p.mu.Lock()
	p.cred = cred
	p.mu.Unlock()
	p.reset()
	return nil
}

func (p *AzureKeyVault) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.injected {
		p.client = nil
	}
}

func (p *AzureKeyVault) api() (KeyVaultAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if p.cred != nil {
		cred, err = azidentity.NewClientSecretCredential(p.cred.TenantID, p.cred.ClientID, p.cred.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(p.get(KeyVaultURL), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	p.client = client
	return p.client, nil
}

func (p *AzureKeyVault) name(asset, account, alt string) string {
	return sanitizeName(secretName(p.get(KeySecretName), asset, account, alt), false)
}

func (p *AzureKeyVault) TestConnection(ctx context.Context) bool {
	client, err := p.api()
	if err != nil {
		return false
	}
	_, err = client.GetSecret(ctx, connectionProbeSecret, "", nil)
	return err == nil || azureStatus(err) == http.StatusNotFound
}

// Push sets a new secret version and returns its version ID.
func (p *AzureKeyVault) Push(ctx context.Context, req plugin.PushRequest) (string, error) {
	if err := checkKind(p.Metadata(), req.Kind); err != nil {
		return "", err
	}
	value, err := encodeCredential(req.Kind, req.Credential)
	if err != nil {
		return "", err
	}
	client, err := p.api()
	if err != nil {
		return "", err
	}

	resp, err := client.SetSecret(ctx, p.name(req.AssetName, req.AccountName, req.AltAccountName), azsecrets.SetSecretParameters{
		Value:       to.Ptr(value),
		ContentType: to.Ptr(string(req.Kind)),
		Tags:        map[string]*string{"managed-by": to.Ptr("dsbroker")},
	}, nil)
	if err != nil {
		return "", p.wrap("set secret", err)
	}
	if resp.ID == nil {
		return "", nil
	}
	return resp.ID.Version(), nil
}

// Pull returns the current secret value; a missing secret means nothing new.
func (p *AzureKeyVault) Pull(ctx context.Context, req plugin.PullRequest) (*plugin.PullResult, error) {
	if err := checkKind(p.Metadata(), req.Kind); err != nil {
		return nil, err
	}
	client, err := p.api()
	if err != nil {
		return nil, err
	}

	resp, err := client.GetSecret(ctx, p.name(req.AssetName, req.AccountName, req.AltAccountName), "", nil)
	if err != nil {
		if azureStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, p.wrap("get secret", err)
	}
	if resp.Value == nil {
		return nil, nil
	}
	result := &plugin.PullResult{Value: decodeCredential(req.Kind, *resp.Value)}
	if resp.ID != nil {
		result.Version = resp.ID.Version()
	}
	return result, nil
}

func (p *AzureKeyVault) Unload() {
	p.reset()
}

func (p *AzureKeyVault) wrap(op string, err error) error {
	switch azureStatus(err) {
	case 0:
		return &plugin.ConnectionError{Endpoint: p.get(KeyVaultURL), Err: err}
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: access denied, check the vault credential and access policy: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// azureStatus returns the HTTP status of a service error, or 0 when the
// request never got a response.
func azureStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}
