// Package secure provides memory-safe handling of credential values.
//
// Two holders are offered. SealedSecret keeps a value encrypted at rest in
// memory (memguard enclave) and is used by long-lived holders such as the
// in-memory source. ScopedSecret is the plaintext form handed to a single
// dispatch: it lives in a locked buffer and is wiped when the dispatch ends,
// whatever the outcome.
//
// # Usage
//
//	secret, err := src.RetrieveSecret(ctx, handle, kind)
//	if err != nil {
//	    return err
//	}
//	defer secret.Wipe()
//
//	payload := secret.String() // copy handed to the plugin transport
//
// Or, to keep acquisition and release in one place:
//
//	err := secure.WithScoped(fetch, func(s *secure.ScopedSecret) error {
//	    return push(s.Bytes())
//	})
//
// # Platform Behavior
//
// Memory locking behavior varies by platform:
//
//   - Linux: Requires RLIMIT_MEMLOCK to be set appropriately
//   - macOS: Works out of the box
//   - Windows: Uses VirtualLock
//
// If mlock is unavailable memguard continues with standard Go memory.
//
// # Limits
//
// Values that cross the plugin RPC boundary are Go strings and cannot be
// wiped. The broker keeps the plaintext window as small as the transport
// allows; the plugin process owns its copy afterwards.
package secure
