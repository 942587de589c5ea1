package plugins

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	akeyless "github.com/akeylesslabs/akeyless-go/v3"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// Configuration keys of the Akeyless plugin.
const (
	KeyGatewayURL = "gatewayUrl"
	KeyAccessID   = "accessId"
)

const (
	defaultAkeylessGateway = "https://api.akeyless.io"
	// Tokens last 30 minutes; refresh early.
	akeylessTokenTTL = 25 * time.Minute
)

// AkeylessAPI is the set of Akeyless calls the plugin makes.
type AkeylessAPI interface {
	Auth(ctx context.Context, accessID, accessKey string) (string, error)
	CreateSecret(ctx context.Context, token, name, value string) error
	UpdateSecretValue(ctx context.Context, token, name, value string) error
}

// Akeyless pushes credentials into Akeyless static secrets. The vault
// credential is the access key belonging to the configured access ID.
type Akeyless struct {
	settings

	mu        sync.Mutex
	client    AkeylessAPI
	injected  bool
	accessKey string
	tokens    tokenCache
}

// AkeylessOption configures an Akeyless plugin.
type AkeylessOption func(*Akeyless)

// WithAkeylessClient replaces the SDK client, for tests.
func WithAkeylessClient(client AkeylessAPI) AkeylessOption {
	return func(p *Akeyless) {
		p.client = client
		p.injected = true
	}
}

func NewAkeyless(opts ...AkeylessOption) *Akeyless {
	p := &Akeyless{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Akeyless) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:           EntryAkeyless,
		DisplayName:    "Akeyless",
		Version:        builtinVersion,
		Description:    "Stores credentials as Akeyless static secrets",
		SupportedKinds: []plugin.Kind{plugin.KindPassword, plugin.KindAPIKey, plugin.KindSSHKey, plugin.KindCertificate},
		SupportsPush:   true,
	}
}

func (p *Akeyless) GetInitialConfiguration() map[string]string {
	return map[string]string{
		KeyGatewayURL: defaultAkeylessGateway,
		KeyAccessID:   "",
		KeySecretName: "/dsbroker/{asset}/{account}",
	}
}

func (p *Akeyless) SetConfiguration(cfg map[string]string) error {
	if err := plugin.MissingKeys(cfg, KeyGatewayURL, KeyAccessID, KeySecretName); err != nil {
		return err
	}
	p.set(cfg)
	p.reset()
	return nil
}

func (p *Akeyless) SetVaultCredential(_ context.Context, payload []byte) error {
	p.mu.Lock()
	p.accessKey = strings.TrimSpace(string(payload))
	p.mu.Unlock()
	p.reset()
	return nil
}

func (p *Akeyless) reset() {
	p.tokens.clear()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.injected {
		p.client = nil
	}
}

func (p *Akeyless) api() AkeylessAPI {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		p.client = newAkeylessSDK(p.getOr(KeyGatewayURL, defaultAkeylessGateway))
	}
	return p.client
}

func (p *Akeyless) token(ctx context.Context, client AkeylessAPI) (string, error) {
	if t, ok := p.tokens.get(); ok {
		return t, nil
	}
	p.mu.Lock()
	key := p.accessKey
	p.mu.Unlock()
	if key == "" {
		return "", &plugin.ConfigurationError{Reason: "no access key set; store it as the plugin's vault credential"}
	}

	t, err := client.Auth(ctx, p.get(KeyAccessID), key)
	if err != nil {
		return "", p.wrap("authenticate", err)
	}
	p.tokens.set(t, akeylessTokenTTL)
	return t, nil
}

func (p *Akeyless) TestConnection(ctx context.Context) bool {
	_, err := p.token(ctx, p.api())
	return err == nil
}

// Push updates the static secret, creating it on first use, and returns the
// secret name.
func (p *Akeyless) Push(ctx context.Context, req plugin.PushRequest) (string, error) {
	if err := checkKind(p.Metadata(), req.Kind); err != nil {
		return "", err
	}
	value, err := encodeCredential(req.Kind, req.Credential)
	if err != nil {
		return "", err
	}
	client := p.api()
	token, err := p.token(ctx, client)
	if err != nil {
		return "", err
	}
	name := secretName(p.get(KeySecretName), req.AssetName, req.AccountName, req.AltAccountName)

	err = client.UpdateSecretValue(ctx, token, name, value)
	if err == nil {
		return name, nil
	}
	if !isAkeylessNotFound(err) {
		return "", p.wrap("update secret", err)
	}
	if err := client.CreateSecret(ctx, token, name, value); err != nil {
		return "", p.wrap("create secret", err)
	}
	return name, nil
}

func (p *Akeyless) Pull(context.Context, plugin.PullRequest) (*plugin.PullResult, error) {
	return nil, errors.New("akeyless does not support reverse flow")
}

func (p *Akeyless) Unload() {
	p.reset()
}

func (p *Akeyless) wrap(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		errors.Is(err, context.DeadlineExceeded) {
		return &plugin.ConnectionError{Endpoint: p.getOr(KeyGatewayURL, defaultAkeylessGateway), Err: err}
	}
	if strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized") {
		// Force re-authentication on the next call.
		p.tokens.clear()
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isAkeylessNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "itemNotFound") ||
		strings.Contains(msg, "404")
}

// tokenCache holds one auth token until shortly before it expires.
type tokenCache struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func (c *tokenCache) get() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || time.Now().After(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

func (c *tokenCache) set(token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = time.Now().Add(ttl)
}

func (c *tokenCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
}

// akeylessSDK implements AkeylessAPI with the official client.
type akeylessSDK struct {
	api *akeyless.APIClient
}

func newAkeylessSDK(gateway string) *akeylessSDK {
	cfg := akeyless.NewConfiguration()
	cfg.Servers = []akeyless.ServerConfiguration{{URL: gateway}}
	return &akeylessSDK{api: akeyless.NewAPIClient(cfg)}
}

func (s *akeylessSDK) Auth(ctx context.Context, accessID, accessKey string) (string, error) {
	body := akeyless.NewAuthWithDefaults()
	body.SetAccessId(accessID)
	body.SetAccessKey(accessKey)
	res, _, err := s.api.V2Api.Auth(ctx).Body(*body).Execute()
	if err != nil {
		return "", err
	}
	return res.GetToken(), nil
}

func (s *akeylessSDK) CreateSecret(ctx context.Context, token, name, value string) error {
	body := akeyless.NewCreateSecret(name, value)
	body.SetToken(token)
	_, _, err := s.api.V2Api.CreateSecret(ctx).Body(*body).Execute()
	return err
}

func (s *akeylessSDK) UpdateSecretValue(ctx context.Context, token, name, value string) error {
	body := akeyless.NewUpdateSecretVal(name, value)
	body.SetToken(token)
	_, _, err := s.api.V2Api.UpdateSecretVal(ctx).Body(*body).Execute()
	return err
}
