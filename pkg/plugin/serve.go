package plugin

import (
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

// ClientPluginSet is the set the broker hands to go-plugin when it launches
// a binary and wants to dispense entryType.
func ClientPluginSet(entryType string, timeout time.Duration) goplugin.PluginSet {
	return goplugin.PluginSet{entryType: &RPCPlugin{Timeout: timeout}}
}

// Serve runs the plugin side of the protocol until the broker kills the
// process. impls is keyed by manifest entry type.
func Serve(impls map[string]Plugin) {
	set := goplugin.PluginSet{}
	for entryType, impl := range impls {
		set[entryType] = &RPCPlugin{Impl: impl}
	}

	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         set,
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:       "plugin",
			Output:     os.Stderr,
			Level:      hclog.Info,
			JSONFormat: true,
		}),
	})
}
