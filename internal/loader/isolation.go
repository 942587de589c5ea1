package loader

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	goplugin "github.com/hashicorp/go-plugin"

	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/logging"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// Handle is a live plugin module. Release must complete before the module
// file is replaced on disk.
type Handle interface {
	Plugin() plugin.Plugin
	Release() error
}

// Isolator turns a plugin package into a Handle.
type Isolator interface {
	Open(ctx context.Context, m *plugin.Manifest, dir string) (Handle, error)
}

// ProcessIsolator runs each plugin module as a child process speaking the
// go-plugin net/rpc protocol.
type ProcessIsolator struct {
	// CallTimeout bounds calls made without a context deadline.
	CallTimeout time.Duration
	// StartTimeout bounds the handshake with a freshly started module.
	StartTimeout time.Duration
	Logger       *logging.Logger
}

var _ Isolator = (*ProcessIsolator)(nil)

func (p *ProcessIsolator) Open(_ context.Context, m *plugin.Manifest, dir string) (Handle, error) {
	path := m.ModulePath(dir)
	info, err := os.Stat(path)
	if err != nil {
		return nil, dserrors.ModuleLoadError{Plugin: m.Name, Stage: "module lookup", Err: err}
	}
	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return nil, dserrors.ModuleLoadError{Plugin: m.Name, Stage: "module lookup", Err: fmt.Errorf("%s is not an executable file", path)}
	}

	logger := p.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	cmd := exec.Command(path)
	cmd.Dir = dir

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  plugin.Handshake,
		Plugins:          plugin.ClientPluginSet(m.EntryType, p.CallTimeout),
		Cmd:              cmd,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		StartTimeout:     p.StartTimeout,
		Logger:           logger.HCLog("plugin." + m.Name),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, dserrors.ModuleLoadError{Plugin: m.Name, Stage: "module start", Err: err}
	}

	raw, err := rpcClient.Dispense(m.EntryType)
	if err != nil {
		client.Kill()
		return nil, dserrors.ModuleLoadError{Plugin: m.Name, Stage: "entry type resolution", Err: err}
	}

	impl, ok := raw.(*plugin.RPCClient)
	if !ok {
		client.Kill()
		return nil, dserrors.ModuleLoadError{Plugin: m.Name, Stage: "entry type resolution", Err: fmt.Errorf("unexpected type %T", raw)}
	}

	// The module answering its metadata call proves the entry type exists.
	if _, err := impl.MetadataErr(); err != nil {
		client.Kill()
		return nil, dserrors.ModuleLoadError{Plugin: m.Name, Stage: "construction", Err: err}
	}

	return &processHandle{client: client, impl: impl}, nil
}

type processHandle struct {
	client *goplugin.Client
	impl   *plugin.RPCClient
}

func (h *processHandle) Plugin() plugin.Plugin { return h.impl }

// Release kills the module process and returns once it has exited.
func (h *processHandle) Release() error {
	h.client.Kill()
	if !h.client.Exited() {
		return fmt.Errorf("plugin process did not exit")
	}
	return nil
}
