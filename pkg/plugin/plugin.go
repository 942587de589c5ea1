package plugin

import (
	"context"
	"fmt"
	"strings"
)

// Kind is a credential kind a plugin can accept.
type Kind string

const (
	KindPassword    Kind = "password"
	KindAPIKey      Kind = "apikey"
	KindSSHKey      Kind = "sshkey"
	KindCertificate Kind = "certificate"
)

// Kinds lists every credential kind in a stable order.
var Kinds = []Kind{KindPassword, KindAPIKey, KindSSHKey, KindCertificate}

// ParseKind accepts a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown credential kind %q (expected one of password, apikey, sshkey, certificate)", s)
	}
	return k, nil
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k Kind) String() string { return string(k) }

// CredentialParts splits a credential value into the parts a plugin receives.
// API keys stored as "<id>:<secret>" are split in two; every other kind is a
// single part.
func CredentialParts(kind Kind, value string) []string {
	if kind == KindAPIKey {
		if id, secret, ok := strings.Cut(value, ":"); ok && id != "" {
			return []string{id, secret}
		}
	}
	return []string{value}
}

// Metadata is the static description a plugin publishes about itself.
type Metadata struct {
	Name                string
	DisplayName         string
	Version             string
	Description         string
	SupportedKinds      []Kind
	SupportsPush        bool
	SupportsReverseFlow bool
}

// Supports reports whether the plugin accepts kind.
func (m Metadata) Supports(kind Kind) bool {
	for _, k := range m.SupportedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// PushRequest carries a changed credential to a destination.
type PushRequest struct {
	Kind           Kind
	AssetName      string
	AccountName    string
	AltAccountName string
	// Credential holds the credential parts, see CredentialParts.
	Credential []string
}

// PullRequest asks a reverse-flow plugin for its current credential.
type PullRequest struct {
	Kind           Kind
	AssetName      string
	AccountName    string
	AltAccountName string
}

// PullResult is the credential a reverse-flow plugin produced.
type PullResult struct {
	Value string
	// Version is the destination's identifier for the value, if it has one.
	Version string
}

// Plugin is the operation set every destination plugin implements.
//
// Implementations must be safe for concurrent use. The broker guarantees
// that Unload is never called while another method is in flight.
type Plugin interface {
	// Metadata returns static information; it must not block.
	Metadata() Metadata

	// GetInitialConfiguration declares the settings the plugin needs, with
	// defaults. The broker persists this map the first time the plugin is
	// seen.
	GetInitialConfiguration() map[string]string

	// SetConfiguration applies operator settings. It returns a
	// *ConfigurationError when required keys are missing or invalid.
	SetConfiguration(cfg map[string]string) error

	// SetVaultCredential hands the plugin the opaque payload it uses to
	// authenticate against its own store. Must be idempotent.
	SetVaultCredential(ctx context.Context, payload []byte) error

	// TestConnection reports whether the destination store is reachable
	// with the current configuration and credential.
	TestConnection(ctx context.Context) bool

	// Push writes the credential to the destination and returns the value
	// (or version identifier) the destination now holds.
	Push(ctx context.Context, req PushRequest) (string, error)

	// Pull returns the destination's latest credential, rotating it first
	// when the plugin owns rotation. A nil result with a nil error means
	// there is nothing new.
	Pull(ctx context.Context, req PullRequest) (*PullResult, error)

	// Unload releases the plugin's resources. It must not panic.
	Unload()
}
