package plugin

import (
	"context"
	"fmt"
	"net/rpc"
	"sync"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake is shared by the broker and every plugin binary. A binary
// started outside the broker exits with a hint instead of serving.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "DSBROKER_PLUGIN",
	MagicCookieValue: "2b0c3f7e-destination-plugin",
}

// DefaultCallTimeout bounds calls whose context carries no deadline.
const DefaultCallTimeout = 30 * time.Second

// RPCPlugin adapts a Plugin to go-plugin's net/rpc protocol. The serving side
// sets Impl; the broker side sets Timeout.
type RPCPlugin struct {
	Impl    Plugin
	Timeout time.Duration
}

var _ goplugin.Plugin = (*RPCPlugin)(nil)

func (p *RPCPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *RPCPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return NewRPCClient(c, p.Timeout), nil
}

// CallArgs carries the caller's deadline across the process boundary.
type CallArgs struct {
	DeadlineUnixNano int64
}

func (a CallArgs) context() (context.Context, context.CancelFunc) {
	if a.DeadlineUnixNano == 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), time.Unix(0, a.DeadlineUnixNano))
}

type ConfigArgs struct {
	CallArgs
	Config map[string]string
}

type CredentialArgs struct {
	CallArgs
	Payload []byte
}

type PushArgs struct {
	CallArgs
	Request PushRequest
}

type PullArgs struct {
	CallArgs
	Request PullRequest
}

type ErrorReply struct {
	Err WireError
}

type ConfigReply struct {
	Config map[string]string
}

type BoolReply struct {
	OK bool
}

type PushReply struct {
	Value string
	Err   WireError
}

type PullReply struct {
	Found  bool
	Result PullResult
	Err    WireError
}

// RPCServer runs inside the plugin process and forwards calls to Impl.
type RPCServer struct {
	Impl Plugin
}

func (s *RPCServer) Metadata(_ CallArgs, reply *Metadata) error {
	*reply = s.Impl.Metadata()
	return nil
}

func (s *RPCServer) GetInitialConfiguration(_ CallArgs, reply *ConfigReply) error {
	reply.Config = s.Impl.GetInitialConfiguration()
	return nil
}

func (s *RPCServer) SetConfiguration(args ConfigArgs, reply *ErrorReply) error {
	reply.Err = encodeError(s.Impl.SetConfiguration(args.Config))
	return nil
}

func (s *RPCServer) SetVaultCredential(args CredentialArgs, reply *ErrorReply) error {
	ctx, cancel := args.context()
	defer cancel()
	reply.Err = encodeError(s.Impl.SetVaultCredential(ctx, args.Payload))
	return nil
}

func (s *RPCServer) TestConnection(args CallArgs, reply *BoolReply) error {
	ctx, cancel := args.context()
	defer cancel()
	reply.OK = s.Impl.TestConnection(ctx)
	return nil
}

func (s *RPCServer) Push(args PushArgs, reply *PushReply) error {
	ctx, cancel := args.context()
	defer cancel()
	value, err := s.Impl.Push(ctx, args.Request)
	reply.Value = value
	reply.Err = encodeError(err)
	return nil
}

func (s *RPCServer) Pull(args PullArgs, reply *PullReply) error {
	ctx, cancel := args.context()
	defer cancel()
	result, err := s.Impl.Pull(ctx, args.Request)
	if result != nil {
		reply.Found = true
		reply.Result = *result
	}
	reply.Err = encodeError(err)
	return nil
}

func (s *RPCServer) Unload(_ CallArgs, reply *BoolReply) error {
	s.Impl.Unload()
	reply.OK = true
	return nil
}

// RPCClient is the broker-side Plugin backed by a plugin process.
type RPCClient struct {
	client  *rpc.Client
	timeout time.Duration

	metaMu sync.Mutex
	meta   *Metadata
}

var _ Plugin = (*RPCClient)(nil)

// NewRPCClient wraps an rpc.Client connected to an RPCServer registered as
// "Plugin". Calls without a context deadline are bounded by timeout.
func NewRPCClient(c *rpc.Client, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &RPCClient{client: c, timeout: timeout}
}

// call issues method asynchronously so that a hung plugin cannot outlive ctx.
func (c *RPCClient) call(ctx context.Context, method string, args, reply interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()
	switch a := args.(type) {
	case *CallArgs:
		a.DeadlineUnixNano = deadline.UnixNano()
	case *ConfigArgs:
		a.DeadlineUnixNano = deadline.UnixNano()
	case *CredentialArgs:
		a.DeadlineUnixNano = deadline.UnixNano()
	case *PushArgs:
		a.DeadlineUnixNano = deadline.UnixNano()
	case *PullArgs:
		a.DeadlineUnixNano = deadline.UnixNano()
	}

	pending := c.client.Go("Plugin."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case done := <-pending.Done:
		if done.Error != nil {
			return &ConnectionError{Endpoint: "plugin process", Err: done.Error}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("plugin call %s abandoned: %w", method, ctx.Err())
	}
}

// MetadataErr returns the plugin's metadata or the transport error that
// prevented reading it. Metadata is cached once read; a failed read is
// retried on the next call.
func (c *RPCClient) MetadataErr() (Metadata, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if c.meta != nil {
		return *c.meta, nil
	}
	var meta Metadata
	if err := c.call(context.Background(), "Metadata", &CallArgs{}, &meta); err != nil {
		return Metadata{}, err
	}
	c.meta = &meta
	return meta, nil
}

func (c *RPCClient) Metadata() Metadata {
	meta, _ := c.MetadataErr()
	return meta
}

func (c *RPCClient) GetInitialConfiguration() map[string]string {
	var reply ConfigReply
	if err := c.call(context.Background(), "GetInitialConfiguration", &CallArgs{}, &reply); err != nil {
		return nil
	}
	return reply.Config
}

func (c *RPCClient) SetConfiguration(cfg map[string]string) error {
	var reply ErrorReply
	if err := c.call(context.Background(), "SetConfiguration", &ConfigArgs{Config: cfg}, &reply); err != nil {
		return err
	}
	return reply.Err.decode()
}

func (c *RPCClient) SetVaultCredential(ctx context.Context, payload []byte) error {
	var reply ErrorReply
	if err := c.call(ctx, "SetVaultCredential", &CredentialArgs{Payload: payload}, &reply); err != nil {
		return err
	}
	return reply.Err.decode()
}

func (c *RPCClient) TestConnection(ctx context.Context) bool {
	var reply BoolReply
	if err := c.call(ctx, "TestConnection", &CallArgs{}, &reply); err != nil {
		return false
	}
	return reply.OK
}

func (c *RPCClient) Push(ctx context.Context, req PushRequest) (string, error) {
	var reply PushReply
	if err := c.call(ctx, "Push", &PushArgs{Request: req}, &reply); err != nil {
		return "", err
	}
	return reply.Value, reply.Err.decode()
}

func (c *RPCClient) Pull(ctx context.Context, req PullRequest) (*PullResult, error) {
	var reply PullReply
	if err := c.call(ctx, "Pull", &PullArgs{Request: req}, &reply); err != nil {
		return nil, err
	}
	var result *PullResult
	if reply.Found {
		r := reply.Result
		result = &r
	}
	return result, reply.Err.decode()
}

// Unload asks the plugin to release its resources. Transport errors are
// ignored; the process is killed by the loader right after.
func (c *RPCClient) Unload() {
	var reply BoolReply
	_ = c.call(context.Background(), "Unload", &CallArgs{}, &reply)
}
