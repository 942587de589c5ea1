package plugins

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// Configuration keys of the Google Secret Manager plugin.
const (
	KeyProjectID    = "projectId"
	KeyRotate       = "rotate"
	KeyRotateLength = "rotateLength"
)

// SecretManagerAPI is the narrow view of the Secret Manager client the
// plugin needs. Names are full resource names.
type SecretManagerAPI interface {
	AccessVersion(ctx context.Context, name string) (*secretmanagerpb.AccessSecretVersionResponse, error)
	AddVersion(ctx context.Context, secret string, data []byte) (*secretmanagerpb.SecretVersion, error)
	CreateSecret(ctx context.Context, project, id string) error
	DisableVersion(ctx context.Context, name string) error
	Ping(ctx context.Context, project string) error
	Close() error
}

// GCPSecretManager pushes credentials as Secret Manager versions. With
// rotate enabled it also owns rotation of password credentials: each due
// pull adds a generated version and disables the previous one, strictly in
// that order.
type GCPSecretManager struct {
	settings

	mu       sync.Mutex
	client   SecretManagerAPI
	injected bool
	credJSON []byte
}

// GCPSecretManagerOption configures a GCPSecretManager.
type GCPSecretManagerOption func(*GCPSecretManager)

// WithSecretManagerClient replaces the SDK client, for tests.
func WithSecretManagerClient(client SecretManagerAPI) GCPSecretManagerOption {
	return func(p *GCPSecretManager) {
		p.client = client
		p.injected = true
	}
}

func NewGCPSecretManager(opts ...GCPSecretManagerOption) *GCPSecretManager {
	p := &GCPSecretManager{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GCPSecretManager) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:                EntryGCPSecretManager,
		DisplayName:         "Google Secret Manager",
		Version:             builtinVersion,
		Description:         "Stores credentials as Secret Manager versions and can rotate passwords",
		SupportedKinds:      []plugin.Kind{plugin.KindPassword, plugin.KindAPIKey, plugin.KindSSHKey, plugin.KindCertificate},
		SupportsPush:        true,
		SupportsReverseFlow: true,
	}
}

func (p *GCPSecretManager) GetInitialConfiguration() map[string]string {
	return map[string]string{
		KeyProjectID:    "",
		KeySecretName:   "dsbroker-{asset}-{account}",
		KeyRotate:       "false",
		KeyRotateLength: strconv.Itoa(plugin.DefaultValueLength),
	}
}

func (p *GCPSecretManager) SetConfiguration(cfg map[string]string) error {
	if err := plugin.MissingKeys(cfg, KeyProjectID, KeySecretName); err != nil {
		return err
	}
	if v := cfg[KeyRotate]; v != "" {
		if _, err := strconv.ParseBool(v); err != nil {
			return &plugin.ConfigurationError{Keys: []string{KeyRotate}, Reason: "must be true or false"}
		}
	}
	if v := cfg[KeyRotateLength]; v != "" {
		if n, err := strconv.Atoi(v); err != nil || n < 8 {
			return &plugin.ConfigurationError{Keys: []string{KeyRotateLength}, Reason: "must be a number of at least 8"}
		}
	}
	p.set(cfg)
	p.reset()
	return nil
}

// SetVaultCredential takes a service account key in JSON form. An empty
// payload selects application default credentials.
func (p *GCPSecretManager) SetVaultCredential(_ context.Context, payload []byte) error {
	p.mu.Lock()
	p.credJSON = append([]byte(nil), payload...)
	p.mu.Unlock()
	p.reset()
	return nil
}

func (p *GCPSecretManager) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.injected || p.client == nil {
		return
	}
	_ = p.client.Close()
	p.client = nil
}

func (p *GCPSecretManager) api(ctx context.Context) (SecretManagerAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	var opts []option.ClientOption
	if len(p.credJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(p.credJSON))
	}
	c, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, &plugin.ConnectionError{Endpoint: "secretmanager.googleapis.com", Err: err}
	}
	p.client = &gcpClient{c: c}
	return p.client, nil
}

func (p *GCPSecretManager) secretID(asset, account, alt string) string {
	return sanitizeName(secretName(p.get(KeySecretName), asset, account, alt), true)
}

func (p *GCPSecretManager) secretPath(id string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", p.get(KeyProjectID), id)
}

func (p *GCPSecretManager) TestConnection(ctx context.Context) bool {
	client, err := p.api(ctx)
	if err != nil {
		return false
	}
	return client.Ping(ctx, p.get(KeyProjectID)) == nil
}

// Push adds a secret version, creating the secret on first use, and returns
// the version number.
func (p *GCPSecretManager) Push(ctx context.Context, req plugin.PushRequest) (string, error) {
	if err := checkKind(p.Metadata(), req.Kind); err != nil {
		return "", err
	}
	value, err := encodeCredential(req.Kind, req.Credential)
	if err != nil {
		return "", err
	}
	client, err := p.api(ctx)
	if err != nil {
		return "", err
	}
	v, err := p.addVersion(ctx, client, p.secretID(req.AssetName, req.AccountName, req.AltAccountName), []byte(value))
	if err != nil {
		return "", err
	}
	return path.Base(v.GetName()), nil
}

func (p *GCPSecretManager) addVersion(ctx context.Context, client SecretManagerAPI, id string, data []byte) (*secretmanagerpb.SecretVersion, error) {
	secret := p.secretPath(id)
	v, err := client.AddVersion(ctx, secret, data)
	if err == nil {
		return v, nil
	}
	if !isGCPNotFound(err) {
		return nil, wrapGCPError("add secret version", err)
	}
	if err := client.CreateSecret(ctx, p.get(KeyProjectID), id); err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, wrapGCPError("create secret", err)
	}
	v, err = client.AddVersion(ctx, secret, data)
	if err != nil {
		return nil, wrapGCPError("add secret version", err)
	}
	return v, nil
}

// Pull returns the latest version, or rotates first when rotation is on and
// the credential is a password.
func (p *GCPSecretManager) Pull(ctx context.Context, req plugin.PullRequest) (*plugin.PullResult, error) {
	if err := checkKind(p.Metadata(), req.Kind); err != nil {
		return nil, err
	}
	client, err := p.api(ctx)
	if err != nil {
		return nil, err
	}
	id := p.secretID(req.AssetName, req.AccountName, req.AltAccountName)
	latest := p.secretPath(id) + "/versions/latest"

	current, err := client.AccessVersion(ctx, latest)
	if err != nil {
		if !isGCPNotFound(err) {
			return nil, wrapGCPError("access secret version", err)
		}
		current = nil
	}

	if !p.flag(KeyRotate) || req.Kind != plugin.KindPassword {
		if current == nil {
			return nil, nil
		}
		return &plugin.PullResult{
			Value:   decodeCredential(req.Kind, string(current.GetPayload().GetData())),
			Version: path.Base(current.GetName()),
		}, nil
	}

	var previous string
	if current != nil {
		previous = current.GetName()
	}
	return p.rotate(ctx, client, id, previous)
}

func (p *GCPSecretManager) rotate(ctx context.Context, client SecretManagerAPI, id, previous string) (*plugin.PullResult, error) {
	length, _ := strconv.Atoi(p.get(KeyRotateLength))
	var createdName string

	return plugin.RotateCreateBeforeDelete(ctx, plugin.Rotation{
		Create: func(ctx context.Context) (*plugin.PullResult, error) {
			value, err := plugin.GenerateValue(length, plugin.CharsetPassword)
			if err != nil {
				return nil, err
			}
			v, err := p.addVersion(ctx, client, id, []byte(value))
			if err != nil {
				return nil, err
			}
			createdName = v.GetName()
			return &plugin.PullResult{Value: value, Version: path.Base(createdName)}, nil
		},
		Confirm: func(ctx context.Context, created *plugin.PullResult) error {
			got, err := client.AccessVersion(ctx, createdName)
			if err != nil {
				return wrapGCPError("read back new version", err)
			}
			if string(got.GetPayload().GetData()) != created.Value {
				return errors.New("new version does not hold the generated value")
			}
			return nil
		},
		Delete: func(ctx context.Context, _ *plugin.PullResult) error {
			if previous == "" || previous == createdName {
				return nil
			}
			if err := client.DisableVersion(ctx, previous); err != nil {
				return wrapGCPError("disable previous version", err)
			}
			return nil
		},
	})
}

func (p *GCPSecretManager) Unload() {
	p.reset()
}

func isGCPNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func wrapGCPError(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return &plugin.ConnectionError{Endpoint: "secretmanager.googleapis.com", Err: err}
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%s: credentials rejected, check the service account: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// gcpClient adapts the generated client to SecretManagerAPI.
type gcpClient struct {
	c *secretmanager.Client
}

func (g *gcpClient) AccessVersion(ctx context.Context, name string) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return g.c.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
}

func (g *gcpClient) AddVersion(ctx context.Context, secret string, data []byte) (*secretmanagerpb.SecretVersion, error) {
	return g.c.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  secret,
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	})
}

func (g *gcpClient) CreateSecret(ctx context.Context, project, id string) error {
	_, err := g.c.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + project,
		SecretId: id,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
			Labels: map[string]string{"managed-by": "dsbroker"},
		},
	})
	return err
}

func (g *gcpClient) DisableVersion(ctx context.Context, name string) error {
	_, err := g.c.DisableSecretVersion(ctx, &secretmanagerpb.DisableSecretVersionRequest{Name: name})
	return err
}

func (g *gcpClient) Ping(ctx context.Context, project string) error {
	it := g.c.ListSecrets(ctx, &secretmanagerpb.ListSecretsRequest{
		Parent:   "projects/" + project,
		PageSize: 1,
	})
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return err
	}
	return nil
}

func (g *gcpClient) Close() error {
	return g.c.Close()
}
