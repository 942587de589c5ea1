package plugins_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsbroker/internal/plugins"
	"github.com/systmms/dsbroker/pkg/plugin"
)

type fakeSecretsManager struct {
	mu       sync.Mutex
	secrets  map[string]string
	versions int
	created  []*secretsmanager.CreateSecretInput
	err      error
}

func newFakeSecretsManager() *fakeSecretsManager {
	return &fakeSecretsManager{secrets: make(map[string]string)}
}

func notFound() error {
	return &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "secret not found"}
}

func (f *fakeSecretsManager) nextVersion() *string {
	f.versions++
	return aws.String("v" + strconv.Itoa(f.versions))
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.secrets[*in.SecretId]
	if !ok {
		return nil, notFound()
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v), VersionId: aws.String("current")}, nil
}

func (f *fakeSecretsManager) PutSecretValue(_ context.Context, in *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.secrets[*in.SecretId]; !ok {
		return nil, notFound()
	}
	f.secrets[*in.SecretId] = *in.SecretString
	return &secretsmanager.PutSecretValueOutput{VersionId: f.nextVersion()}, nil
}

func (f *fakeSecretsManager) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	f.secrets[*in.Name] = *in.SecretString
	return &secretsmanager.CreateSecretOutput{VersionId: f.nextVersion()}, nil
}

func (f *fakeSecretsManager) ListSecrets(context.Context, *secretsmanager.ListSecretsInput, ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &secretsmanager.ListSecretsOutput{}, f.err
}

func configuredSecretsManager(t *testing.T, client *fakeSecretsManager, extra map[string]string) *plugins.AWSSecretsManager {
	t.Helper()
	p := plugins.NewAWSSecretsManager(plugins.WithSecretsManagerClient(client))
	cfg := p.GetInitialConfiguration()
	for k, v := range extra {
		cfg[k] = v
	}
	require.NoError(t, p.SetConfiguration(cfg))
	return p
}

func TestAWSSecretsManager_PushCreatesThenUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := newFakeSecretsManager()
	p := configuredSecretsManager(t, client, map[string]string{plugins.KeyKMSKeyID: "alias/dsbroker"})

	req := plugin.PushRequest{Kind: plugin.KindPassword, AssetName: "db01", AccountName: "svc", Credential: []string{"one"}}
	version, err := p.Push(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "v1", version)
	require.Len(t, client.created, 1)
	assert.Equal(t, "alias/dsbroker", aws.ToString(client.created[0].KmsKeyId))

	req.Credential = []string{"two"}
	version, err = p.Push(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "v2", version)
	assert.Len(t, client.created, 1, "second push updates in place")
	assert.Equal(t, "two", client.secrets["dsbroker/db01/svc"])
}

func TestAWSSecretsManager_APIKeyRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client := newFakeSecretsManager()
	p := configuredSecretsManager(t, client, nil)

	_, err := p.Push(ctx, plugin.PushRequest{
		Kind: plugin.KindAPIKey, AssetName: "api", AccountName: "ci", Credential: []string{"AKID", "s3cret"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"AKID","secret":"s3cret"}`, client.secrets["dsbroker/api/ci"])

	got, err := p.Pull(ctx, plugin.PullRequest{Kind: plugin.KindAPIKey, AssetName: "api", AccountName: "ci"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "AKID:s3cret", got.Value)
}

func TestAWSSecretsManager_PullMissingIsNothingNew(t *testing.T) {
	t.Parallel()

	p := configuredSecretsManager(t, newFakeSecretsManager(), nil)
	got, err := p.Pull(context.Background(), plugin.PullRequest{Kind: plugin.KindPassword, AssetName: "db01", AccountName: "svc"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAWSSecretsManager_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	req := plugin.PushRequest{Kind: plugin.KindPassword, AssetName: "db01", AccountName: "svc", Credential: []string{"x"}}

	client := newFakeSecretsManager()
	client.err = errors.New("dial tcp: connection refused")
	p := configuredSecretsManager(t, client, nil)
	_, err := p.Push(ctx, req)
	var connErr *plugin.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "secretsmanager.us-east-1", connErr.Endpoint)
	assert.False(t, p.TestConnection(ctx))

	client = newFakeSecretsManager()
	client.err = &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}
	p = configuredSecretsManager(t, client, nil)
	_, err = p.Push(ctx, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials rejected")
	assert.False(t, errors.As(err, &connErr))

	client = newFakeSecretsManager()
	client.err = &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}
	p = configuredSecretsManager(t, client, nil)
	_, err = p.Push(ctx, req)
	require.ErrorAs(t, err, &connErr, "throttling is transient")
}

func TestAWSSecretsManager_Configuration(t *testing.T) {
	t.Parallel()

	p := plugins.NewAWSSecretsManager(plugins.WithSecretsManagerClient(newFakeSecretsManager()))
	err := p.SetConfiguration(map[string]string{plugins.KeyRegion: "eu-west-1"})
	var cfgErr *plugin.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{plugins.KeySecretName}, cfgErr.Keys)

	ctx := context.Background()
	assert.NoError(t, p.SetVaultCredential(ctx, nil), "empty payload selects the default chain")
	assert.NoError(t, p.SetVaultCredential(ctx, []byte(`{"accessKeyId":"AKID","secretAccessKey":"x"}`)))
	assert.ErrorAs(t, p.SetVaultCredential(ctx, []byte(`{"accessKeyId":"AKID"}`)), &cfgErr)
	assert.ErrorAs(t, p.SetVaultCredential(ctx, []byte(`not json`)), &cfgErr)
}

type fakeParameterStore struct {
	mu     sync.Mutex
	params map[string]*ssm.PutParameterInput
	err    error
}

func (f *fakeParameterStore) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.params == nil {
		f.params = make(map[string]*ssm.PutParameterInput)
	}
	f.params[*in.Name] = in
	return &ssm.PutParameterOutput{Version: int64(len(f.params))}, nil
}

type fakeSTS struct {
	err error
}

func (f fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
}

func TestAWSParameterStore_Push(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	params := &fakeParameterStore{}
	p := plugins.NewAWSParameterStore(plugins.WithParameterStoreClients(params, fakeSTS{}))
	require.NoError(t, p.SetConfiguration(p.GetInitialConfiguration()))

	version, err := p.Push(ctx, plugin.PushRequest{
		Kind: plugin.KindSSHKey, AssetName: "bastion", AccountName: "deploy", Credential: []string{"KEY"},
	})
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	in := params.params["/dsbroker/bastion/deploy"]
	require.NotNil(t, in)
	assert.Equal(t, "KEY", aws.ToString(in.Value))
	assert.Equal(t, ssmtypes.ParameterTypeSecureString, in.Type)
	assert.True(t, aws.ToBool(in.Overwrite))
	assert.True(t, p.TestConnection(ctx))
	assert.False(t, p.Metadata().SupportsReverseFlow)

	_, err = p.Pull(ctx, plugin.PullRequest{Kind: plugin.KindSSHKey})
	assert.Error(t, err)
}

func TestAWSParameterStore_TestConnectionUsesSTS(t *testing.T) {
	t.Parallel()

	p := plugins.NewAWSParameterStore(plugins.WithParameterStoreClients(&fakeParameterStore{},
		fakeSTS{err: &smithy.GenericAPIError{Code: "InvalidClientTokenId"}}))
	require.NoError(t, p.SetConfiguration(p.GetInitialConfiguration()))
	assert.False(t, p.TestConnection(context.Background()))
}
