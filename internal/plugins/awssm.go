package plugins

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// SecretsManagerAPI is the subset of the Secrets Manager client the plugin
// uses.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// AWSSecretsManager pushes credentials into AWS Secrets Manager and reads
// back values rotated there.
type AWSSecretsManager struct {
	settings

	mu       sync.Mutex
	client   SecretsManagerAPI
	injected bool
	cred     *awsCredential
}

// AWSSecretsManagerOption configures an AWSSecretsManager.
type AWSSecretsManagerOption func(*AWSSecretsManager)

// WithSecretsManagerClient replaces the SDK client, for tests.
func WithSecretsManagerClient(client SecretsManagerAPI) AWSSecretsManagerOption {
	return func(p *AWSSecretsManager) {
		p.client = client
		p.injected = true
	}
}

func NewAWSSecretsManager(opts ...AWSSecretsManagerOption) *AWSSecretsManager {
	p := &AWSSecretsManager{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AWSSecretsManager) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:                EntryAWSSecretsManager,
		DisplayName:         "AWS Secrets Manager",
		Version:             builtinVersion,
		Description:         "Stores credentials as Secrets Manager secrets",
		SupportedKinds:      []plugin.Kind{plugin.KindPassword, plugin.KindAPIKey, plugin.KindSSHKey, plugin.KindCertificate},
		SupportsPush:        true,
		SupportsReverseFlow: true,
	}
}

func (p *AWSSecretsManager) GetInitialConfiguration() map[string]string {
	return map[string]string{
		KeyRegion:     defaultAWSRegion,
		KeyEndpoint:   "",
		KeySecretName: "dsbroker/{asset}/{account}",
		KeyKMSKeyID:   "",
	}
}

func (p *AWSSecretsManager) SetConfiguration(cfg map[string]string) error {
	if err := plugin.MissingKeys(cfg, KeyRegion, KeySecretName); err != nil {
		return err
	}
	p.set(cfg)
	p.reset()
	return nil
}

func (p *AWSSecretsManager) SetVaultCredential(_ context.Context, payload []byte) error {
	cred, err := parseAWSCredential(payload)
	if err != nil {
		return &plugin.ConfigurationError{Reason: err.Error()}
	}
	p.mu.Lock()
	p.cred = cred
	p.mu.Unlock()
	p.reset()
	return nil
}

func (p *AWSSecretsManager) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.injected {
		p.client = nil
	}
}

func (p *AWSSecretsManager) api(ctx context.Context) (SecretsManagerAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	cfg, err := loadAWSConfig(ctx, p.getOr(KeyRegion, defaultAWSRegion), p.cred)
	if err != nil {
		return nil, err
	}
	var clientOpts []func(*secretsmanager.Options)
	if endpoint := p.get(KeyEndpoint); endpoint != "" {
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	p.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
	return p.client, nil
}

func (p *AWSSecretsManager) endpoint() string {
	if e := p.get(KeyEndpoint); e != "" {
		return e
	}
	return "secretsmanager." + p.getOr(KeyRegion, defaultAWSRegion)
}

func (p *AWSSecretsManager) TestConnection(ctx context.Context) bool {
	client, err := p.api(ctx)
	if err != nil {
		return false
	}
	_, err = client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
	return err == nil
}

// Push writes a new secret version, creating the secret on first use, and
// returns the version ID.
func (p *AWSSecretsManager) Push(ctx context.Context, req plugin.PushRequest) (string, error) {
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
	name := secretName(p.get(KeySecretName), req.AssetName, req.AccountName, req.AltAccountName)

	out, err := client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(value),
	})
	if err == nil {
		return aws.ToString(out.VersionId), nil
	}
	if awsErrorCode(err) != "ResourceNotFoundException" {
		return "", wrapAWSError(p.endpoint(), "put secret value", err)
	}

	in := &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
		Description:  aws.String("Managed by dsbroker"),
	}
	if kms := p.get(KeyKMSKeyID); kms != "" {
		in.KmsKeyId = aws.String(kms)
	}
	created, err := client.CreateSecret(ctx, in)
	if err != nil {
		return "", wrapAWSError(p.endpoint(), "create secret", err)
	}
	return aws.ToString(created.VersionId), nil
}

// Pull returns the current value of the secret. A missing secret is not an
// error: there is nothing to bring back yet.
func (p *AWSSecretsManager) Pull(ctx context.Context, req plugin.PullRequest) (*plugin.PullResult, error) {
	if err := checkKind(p.Metadata(), req.Kind); err != nil {
		return nil, err
	}
	client, err := p.api(ctx)
	if err != nil {
		return nil, err
	}
	name := secretName(p.get(KeySecretName), req.AssetName, req.AccountName, req.AltAccountName)

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		if awsErrorCode(err) == "ResourceNotFoundException" {
			return nil, nil
		}
		return nil, wrapAWSError(p.endpoint(), "get secret value", err)
	}
	if out.SecretString == nil {
		return nil, nil
	}
	return &plugin.PullResult{
		Value:   decodeCredential(req.Kind, *out.SecretString),
		Version: aws.ToString(out.VersionId),
	}, nil
}

func (p *AWSSecretsManager) Unload() {
	p.reset()
}
