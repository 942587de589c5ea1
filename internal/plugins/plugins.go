// Package plugins holds the destination plugins built into dsbroker: AWS
// Secrets Manager, AWS SSM Parameter Store, Google Secret Manager, Azure Key
// Vault and Akeyless. They are served out of process by cmd/dsbroker-plugins
// and reach the broker only through the plugin contract.
package plugins

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// Entry types of the built-in plugins, as named in their manifests.
const (
	EntryAWSSecretsManager = "awssm"
	EntryAWSParameterStore = "awsssm"
	EntryGCPSecretManager  = "gcpsm"
	EntryAzureKeyVault     = "azurekv"
	EntryAkeyless          = "akeyless"
)

// builtinVersion is reported by every built-in plugin.
const builtinVersion = "1.0.0"

// Builtins returns a fresh instance of every built-in plugin keyed by entry
// type.
func Builtins() map[string]plugin.Plugin {
	return map[string]plugin.Plugin{
		EntryAWSSecretsManager: NewAWSSecretsManager(),
		EntryAWSParameterStore: NewAWSParameterStore(),
		EntryGCPSecretManager:  NewGCPSecretManager(),
		EntryAzureKeyVault:     NewAzureKeyVault(),
		EntryAkeyless:          NewAkeyless(),
	}
}

// Common configuration keys.
const (
	KeySecretName = "secretName"
	KeyRegion     = "region"
	KeyEndpoint   = "endpoint"
	KeyKMSKeyID   = "kmsKeyId"
)

// settings is the configuration snapshot shared by every plugin.
type settings struct {
	mu  sync.RWMutex
	cfg map[string]string
}

func (s *settings) set(cfg map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = maps.Clone(cfg)
}

func (s *settings) get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.TrimSpace(s.cfg[key])
}

func (s *settings) getOr(key, def string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return def
}

func (s *settings) flag(key string) bool {
	b, _ := strconv.ParseBool(s.get(key))
	return b
}

// secretName expands {asset}, {account} and {altAccount} in template.
// {altAccount} falls back to the account name.
func secretName(template string, asset, account, alt string) string {
	if alt == "" {
		alt = account
	}
	return strings.NewReplacer(
		"{asset}", asset,
		"{account}", account,
		"{altAccount}", alt,
	).Replace(template)
}

var unsafeNameChars = regexp.MustCompile(`[^0-9A-Za-z_-]+`)

// sanitizeName maps a name onto the character set accepted by stores that
// reject slashes and dots.
func sanitizeName(name string, allowUnderscore bool) string {
	name = unsafeNameChars.ReplaceAllString(name, "-")
	if !allowUnderscore {
		name = strings.ReplaceAll(name, "_", "-")
	}
	return strings.Trim(name, "-")
}

type apiKeyValue struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// encodeCredential renders credential parts as the value stored upstream.
// Two-part API keys become a JSON object; everything else is stored as is.
func encodeCredential(kind plugin.Kind, parts []string) (string, error) {
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("empty %s credential", kind)
	}
	if kind == plugin.KindAPIKey && len(parts) == 2 {
		data, err := json.Marshal(apiKeyValue{ID: parts[0], Secret: parts[1]})
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return parts[0], nil
}

// decodeCredential reverses encodeCredential into the single-string form
// the source of truth stores.
func decodeCredential(kind plugin.Kind, raw string) string {
	if kind == plugin.KindAPIKey {
		var v apiKeyValue
		if err := json.Unmarshal([]byte(raw), &v); err == nil && v.ID != "" {
			return v.ID + ":" + v.Secret
		}
	}
	return raw
}

// checkKind rejects kinds outside the plugin's metadata.
func checkKind(meta plugin.Metadata, kind plugin.Kind) error {
	if !meta.Supports(kind) {
		return &plugin.ConfigurationError{
			Reason: fmt.Sprintf("%s does not accept %s credentials", meta.Name, kind),
		}
	}
	return nil
}
