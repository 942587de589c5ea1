// Package store persists account mappings, plugin settings and reverse-flow
// schedule state behind a small key-value style interface.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// ErrNotFound is returned by lookups of a single record that does not exist.
var ErrNotFound = errors.New("not found")

// Mapping associates one monitored source account with one destination
// plugin. Key is derived from SecretHandle and PluginName.
type Mapping struct {
	Key            string `json:"key"`
	SecretHandle   string `json:"secretHandle"`
	AssetName      string `json:"assetName"`
	AccountName    string `json:"accountName"`
	DomainName     string `json:"domainName,omitempty"`
	AltAccountName string `json:"altAccountName,omitempty"`
	PluginName     string `json:"pluginName"`
}

// MappingKey builds the unique key of a mapping.
func MappingKey(handle, pluginName string) string {
	return handle + "|" + pluginName
}

// Normalize fills Key and validates required fields.
func (m *Mapping) Normalize() error {
	var missing []string
	if m.SecretHandle == "" {
		missing = append(missing, "secretHandle")
	}
	if m.AssetName == "" {
		missing = append(missing, "assetName")
	}
	if m.AccountName == "" {
		missing = append(missing, "accountName")
	}
	if m.PluginName == "" {
		missing = append(missing, "pluginName")
	}
	if len(missing) > 0 {
		return fmt.Errorf("mapping is missing %s", strings.Join(missing, ", "))
	}
	if strings.Contains(m.SecretHandle, "|") || strings.Contains(m.PluginName, "|") {
		return fmt.Errorf("mapping handle and plugin name must not contain '|'")
	}
	m.Key = MappingKey(m.SecretHandle, m.PluginName)
	return nil
}

// PluginSettings is the operator-controlled state of one plugin.
type PluginSettings struct {
	Name               string            `json:"name"`
	Configuration      map[string]string `json:"configuration"`
	AssignedKind       plugin.Kind       `json:"assignedKind"`
	ReverseFlowEnabled bool              `json:"reverseFlowEnabled"`
}

// ReverseFlowState is the persisted schedule of one reverse-flow plugin.
type ReverseFlowState struct {
	PluginName              string    `json:"pluginName"`
	LastPolledTime          time.Time `json:"lastPolledTime"`
	RotationIntervalSeconds int64     `json:"rotationIntervalSeconds"`
	Enabled                 bool      `json:"enabled"`
}

// Due reports whether the plugin should be pulled at now.
func (s ReverseFlowState) Due(now time.Time) bool {
	return now.Sub(s.LastPolledTime) >= time.Duration(s.RotationIntervalSeconds)*time.Second
}

// MappingStore holds account mappings.
type MappingStore interface {
	GetMappings(ctx context.Context) ([]Mapping, error)
	GetMappingsForPlugin(ctx context.Context, pluginName string) ([]Mapping, error)
	GetMappingsForHandle(ctx context.Context, handle string) ([]Mapping, error)
	// GetMapping returns ErrNotFound when key is unknown.
	GetMapping(ctx context.Context, key string) (*Mapping, error)
	Upsert(ctx context.Context, m Mapping) error
	DeleteByKey(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error
}

// PluginSettingsStore holds per-plugin settings.
type PluginSettingsStore interface {
	// GetPluginSettings returns (nil, nil) when nothing is stored yet.
	GetPluginSettings(ctx context.Context, name string) (*PluginSettings, error)
	SavePluginSettings(ctx context.Context, s PluginSettings) error
	ListPluginSettings(ctx context.Context) ([]PluginSettings, error)
	DeletePluginSettings(ctx context.Context, name string) error
}

// ReverseFlowStore holds reverse-flow schedule state.
type ReverseFlowStore interface {
	// GetReverseFlowState returns (nil, nil) when nothing is stored yet.
	GetReverseFlowState(ctx context.Context, pluginName string) (*ReverseFlowState, error)
	SaveReverseFlowState(ctx context.Context, s ReverseFlowState) error
	ListReverseFlowStates(ctx context.Context) ([]ReverseFlowState, error)
	DeleteReverseFlowState(ctx context.Context, pluginName string) error
}

// Store is the full persistence surface of the broker.
type Store interface {
	MappingStore
	PluginSettingsStore
	ReverseFlowStore
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	// Type is memory, file or sql.
	Type string
	// Path is the base directory of the file backend.
	Path string
	// Driver is postgres, mysql or sqlite for the sql backend.
	Driver string
	DSN    string
}

// Open returns the backend named by opts.Type.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Type) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if opts.Path == "" {
			return nil, fmt.Errorf("file store needs a path")
		}
		return NewFileStore(opts.Path), nil
	case "sql":
		return OpenSQL(ctx, opts.Driver, opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", opts.Type)
	}
}

func filterMappings(all []Mapping, keep func(Mapping) bool) []Mapping {
	out := make([]Mapping, 0, len(all))
	for _, m := range all {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func cloneConfig(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
