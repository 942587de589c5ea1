// Package plugin defines the contract every dsbroker destination plugin
// implements, and the transport that carries it across the process boundary.
//
// # Plugin Architecture
//
// A plugin is a destination secret store: a cloud secret manager, a CI/CD
// vault, or any custom store. The broker never links plugin code into its own
// process. Each plugin package is a directory holding a manifest
// (dsbroker-plugin.json) and a module binary; the broker starts the binary as
// a child process with hashicorp/go-plugin and talks to it over net/rpc. This
// lets a plugin be unloaded and its binary replaced while the broker keeps
// running.
//
// # Implementing a Plugin
//
//  1. Implement the Plugin interface
//  2. Call Serve from the module binary's main, keyed by entry type
//  3. Ship a manifest naming the binary and the entry type
//
// Example:
//
//	type Store struct{ cfg map[string]string }
//
//	func (s *Store) Metadata() plugin.Metadata {
//	    return plugin.Metadata{
//	        Name:           "example",
//	        SupportedKinds: []plugin.Kind{plugin.KindPassword},
//	        SupportsPush:   true,
//	    }
//	}
//
//	// ... implement the other methods
//
//	func main() {
//	    plugin.Serve(map[string]plugin.Plugin{"Example.Store": &Store{}})
//	}
//
// # Error Handling
//
// Plugins report ordinary failures as returned errors, never panics. Three
// error types carry meaning to the broker and survive the RPC boundary:
//   - ConfigurationError for missing or invalid settings
//   - ConnectionError when the destination store cannot be reached
//   - RotationRaceError when a rotation confirmed a new credential but could
//     not retire the old one
//
// # Rotation
//
// Plugins that rotate credentials themselves (reverse flow) must create and
// confirm the new credential before invalidating the old one.
// RotateCreateBeforeDelete enforces that ordering.
//
// # Security Considerations
//
// Plugins must:
//   - Never log credential values
//   - Treat SetVaultCredential as idempotent; it is re-sent after every load
//   - Honour context deadlines on every blocking call
package plugin
