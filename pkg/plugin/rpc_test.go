package plugin

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlugin struct {
	mu       sync.Mutex
	cfg      map[string]string
	payload  []byte
	pushes   []PushRequest
	pushErr  error
	pull     *PullResult
	pullErr  error
	block    chan struct{}
	unloaded bool
}

func (s *stubPlugin) Metadata() Metadata {
	return Metadata{
		Name:                "stub",
		Version:             "1.0.0",
		SupportedKinds:      []Kind{KindPassword, KindAPIKey},
		SupportsPush:        true,
		SupportsReverseFlow: true,
	}
}

func (s *stubPlugin) GetInitialConfiguration() map[string]string {
	return map[string]string{"region": "us-east-1", "prefix": ""}
}

func (s *stubPlugin) SetConfiguration(cfg map[string]string) error {
	if err := MissingKeys(cfg, "region", "prefix"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

func (s *stubPlugin) SetVaultCredential(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = payload
	return nil
}

func (s *stubPlugin) TestConnection(context.Context) bool { return true }

func (s *stubPlugin) Push(_ context.Context, req PushRequest) (string, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, req)
	if s.pushErr != nil {
		return "", s.pushErr
	}
	return "v2", nil
}

func (s *stubPlugin) Pull(context.Context, PullRequest) (*PullResult, error) {
	return s.pull, s.pullErr
}

func (s *stubPlugin) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unloaded = true
}

func connect(t *testing.T, impl Plugin, timeout time.Duration) *RPCClient {
	t.Helper()

	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("Plugin", &RPCServer{Impl: impl}))

	clientConn, serverConn := net.Pipe()
	go server.ServeConn(serverConn)

	client := rpc.NewClient(clientConn)
	t.Cleanup(func() { _ = client.Close() })
	return NewRPCClient(client, timeout)
}

func TestRPCClient_RoundTrip(t *testing.T) {
	t.Parallel()

	impl := &stubPlugin{}
	c := connect(t, impl, time.Second)

	meta := c.Metadata()
	assert.Equal(t, "stub", meta.Name)
	assert.True(t, meta.Supports(KindAPIKey))
	assert.True(t, meta.SupportsReverseFlow)

	assert.Equal(t, map[string]string{"region": "us-east-1", "prefix": ""}, c.GetInitialConfiguration())

	require.NoError(t, c.SetVaultCredential(context.Background(), []byte("token")))
	assert.Equal(t, []byte("token"), impl.payload)
	assert.True(t, c.TestConnection(context.Background()))

	value, err := c.Push(context.Background(), PushRequest{
		Kind:        KindPassword,
		AssetName:   "db01",
		AccountName: "svc",
		Credential:  []string{"s3cret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", value)
	require.Len(t, impl.pushes, 1)
	assert.Equal(t, "db01", impl.pushes[0].AssetName)
	assert.Equal(t, []string{"s3cret"}, impl.pushes[0].Credential)

	c.Unload()
	assert.True(t, impl.unloaded)
}

func TestRPCClient_ConfigurationErrorSurvivesTransport(t *testing.T) {
	t.Parallel()

	c := connect(t, &stubPlugin{}, time.Second)

	err := c.SetConfiguration(map[string]string{"region": "eu-west-1"})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"prefix"}, cfgErr.Keys)
}

func TestRPCClient_PushErrorKinds(t *testing.T) {
	t.Parallel()

	c := connect(t, &stubPlugin{pushErr: &ConnectionError{Endpoint: "vault.example.com", Err: errors.New("dial tcp: i/o timeout")}}, time.Second)

	_, err := c.Push(context.Background(), PushRequest{Kind: KindPassword})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "vault.example.com", connErr.Endpoint)
	assert.Contains(t, err.Error(), "i/o timeout")
}

func TestRPCClient_PullNotDue(t *testing.T) {
	t.Parallel()

	c := connect(t, &stubPlugin{}, time.Second)

	result, err := c.Pull(context.Background(), PullRequest{Kind: KindPassword})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRPCClient_PullRaceKeepsNewValue(t *testing.T) {
	t.Parallel()

	c := connect(t, &stubPlugin{
		pull:    &PullResult{Value: "new", Version: "7"},
		pullErr: &RotationRaceError{Stage: "delete", Err: errors.New("permission denied")},
	}, time.Second)

	result, err := c.Pull(context.Background(), PullRequest{Kind: KindPassword})
	require.NotNil(t, result)
	assert.Equal(t, "new", result.Value)
	var raceErr *RotationRaceError
	require.ErrorAs(t, err, &raceErr)
	assert.Equal(t, "delete", raceErr.Stage)
}

func TestRPCClient_HungPluginIsAbandoned(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	c := connect(t, &stubPlugin{block: block}, 50*time.Millisecond)

	start := time.Now()
	_, err := c.Push(context.Background(), PushRequest{Kind: KindPassword})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRPCClient_ClosedConnection(t *testing.T) {
	t.Parallel()

	c := connect(t, &stubPlugin{}, time.Second)
	require.NoError(t, c.client.Close())

	_, err := c.Push(context.Background(), PushRequest{Kind: KindPassword})
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.False(t, c.TestConnection(context.Background()))
	assert.NotPanics(t, c.Unload)
}

// slowMetadata answers its first Metadata call only after release is closed.
type slowMetadata struct {
	*stubPlugin
	release chan struct{}
	calls   sync.Mutex
	first   bool
}

func (s *slowMetadata) Metadata() Metadata {
	s.calls.Lock()
	first := !s.first
	s.first = true
	s.calls.Unlock()
	if first {
		<-s.release
	}
	return s.stubPlugin.Metadata()
}

func TestRPCClient_MetadataFailureIsNotCached(t *testing.T) {
	t.Parallel()

	impl := &slowMetadata{stubPlugin: &stubPlugin{}, release: make(chan struct{})}
	defer close(impl.release)
	c := connect(t, impl, 50*time.Millisecond)

	_, err := c.MetadataErr()
	require.Error(t, err)

	meta, err := c.MetadataErr()
	require.NoError(t, err)
	assert.Equal(t, "stub", meta.Name)
	assert.Equal(t, "stub", c.Metadata().Name)
}
