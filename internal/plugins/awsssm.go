package plugins

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// KeyParameterName names the parameter template of the SSM plugin.
const KeyParameterName = "parameterName"

// ParameterStoreAPI is the subset of the SSM client the plugin uses.
type ParameterStoreAPI interface {
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// CallerIdentityAPI verifies AWS credentials.
type CallerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// AWSParameterStore pushes credentials into SSM Parameter Store as
// SecureString parameters. It does not support reverse flow.
type AWSParameterStore struct {
	settings

	mu       sync.Mutex
	ssm      ParameterStoreAPI
	sts      CallerIdentityAPI
	injected bool
	cred     *awsCredential
}

// AWSParameterStoreOption configures an AWSParameterStore.
type AWSParameterStoreOption func(*AWSParameterStore)

// WithParameterStoreClients replaces the SDK clients, for tests.
func WithParameterStoreClients(ssmClient ParameterStoreAPI, stsClient CallerIdentityAPI) AWSParameterStoreOption {
	return func(p *AWSParameterStore) {
		p.ssm = ssmClient
		p.sts = stsClient
		p.injected = true
	}
}

func NewAWSParameterStore(opts ...AWSParameterStoreOption) *AWSParameterStore {
	p := &AWSParameterStore{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *AWSParameterStore) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:           EntryAWSParameterStore,
		DisplayName:    "AWS SSM Parameter Store",
		Version:        builtinVersion,
		Description:    "Stores credentials as SecureString parameters",
		SupportedKinds: []plugin.Kind{plugin.KindPassword, plugin.KindAPIKey, plugin.KindSSHKey, plugin.KindCertificate},
		SupportsPush:   true,
	}
}

func (p *AWSParameterStore) GetInitialConfiguration() map[string]string {
	return map[string]string{
		KeyRegion:        defaultAWSRegion,
		KeyEndpoint:      "",
		KeyParameterName: "/dsbroker/{asset}/{account}",
		KeyKMSKeyID:      "",
	}
}

func (p *AWSParameterStore) SetConfiguration(cfg map[string]string) error {
	if err := plugin.MissingKeys(cfg, KeyRegion, KeyParameterName); err != nil {
		return err
	}
	p.set(cfg)
	p.reset()
	return nil
}

func (p *AWSParameterStore) SetVaultCredential(_ context.Context, payload []byte) error {
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

func (p *AWSParameterStore) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.injected {
		p.ssm, p.sts = nil, nil
	}
}

func (p *AWSParameterStore) clients(ctx context.Context) (ParameterStoreAPI, CallerIdentityAPI, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ssm != nil && p.sts != nil {
		return p.ssm, p.sts, nil
	}

	cfg, err := loadAWSConfig(ctx, p.getOr(KeyRegion, defaultAWSRegion), p.cred)
	if err != nil {
		return nil, nil, err
	}
	var ssmOpts []func(*ssm.Options)
	if endpoint := p.get(KeyEndpoint); endpoint != "" {
		ssmOpts = append(ssmOpts, func(o *ssm.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	p.ssm = ssm.NewFromConfig(cfg, ssmOpts...)
	p.sts = sts.NewFromConfig(cfg)
	return p.ssm, p.sts, nil
}

func (p *AWSParameterStore) endpoint() string {
	if e := p.get(KeyEndpoint); e != "" {
		return e
	}
	return "ssm." + p.getOr(KeyRegion, defaultAWSRegion)
}

// TestConnection checks the credential with sts:GetCallerIdentity, which
// needs no parameter permissions.
func (p *AWSParameterStore) TestConnection(ctx context.Context) bool {
	_, stsClient, err := p.clients(ctx)
	if err != nil {
		return false
	}
	_, err = stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	return err == nil
}

// Push overwrites the parameter and returns its new version number.
func (p *AWSParameterStore) Push(ctx context.Context, req plugin.PushRequest) (string, error) {
	if err := checkKind(p.Metadata(), req.Kind); err != nil {
		return "", err
	}
	value, err := encodeCredential(req.Kind, req.Credential)
	if err != nil {
		return "", err
	}
	client, _, err := p.clients(ctx)
	if err != nil {
		return "", err
	}

	in := &ssm.PutParameterInput{
		Name:      aws.String(secretName(p.get(KeyParameterName), req.AssetName, req.AccountName, req.AltAccountName)),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
		// Certificates can exceed the standard tier's 4 KB.
		Tier: ssmtypes.ParameterTierIntelligentTiering,
	}
	if kms := p.get(KeyKMSKeyID); kms != "" {
		in.KeyId = aws.String(kms)
	}
	out, err := client.PutParameter(ctx, in)
	if err != nil {
		return "", wrapAWSError(p.endpoint(), "put parameter", err)
	}
	return strconv.FormatInt(out.Version, 10), nil
}

func (p *AWSParameterStore) Pull(context.Context, plugin.PullRequest) (*plugin.PullResult, error) {
	return nil, errors.New("awsssm does not support reverse flow")
}

func (p *AWSParameterStore) Unload() {
	p.reset()
}
