package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/logging"
	"github.com/systmms/dsbroker/internal/reverseflow"
	"github.com/systmms/dsbroker/internal/store"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "dsbroker.yaml"

// Config holds the runtime configuration
type Config struct {
	Path   string
	Logger *logging.Logger

	// AdminURL overrides admin.address for client commands.
	AdminURL   string
	Definition *Definition
}

// Definition represents the dsbroker.yaml structure
type Definition struct {
	Version         int               `yaml:"version"`
	PluginDir       string            `yaml:"pluginDir"`
	SettleDelayMs   int               `yaml:"settleDelayMs,omitempty"`
	InvokeTimeoutMs int               `yaml:"invokeTimeoutMs,omitempty"`
	Store           StoreConfig       `yaml:"store"`
	Source          SourceConfig      `yaml:"source"`
	PushFlow        PushFlowConfig    `yaml:"pushFlow"`
	ReverseFlow     ReverseFlowConfig `yaml:"reverseFlow"`
	Admin           AdminConfig       `yaml:"admin"`
	Keyring         KeyringConfig     `yaml:"keyring"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Type   string `yaml:"type"` // memory, file, sql
	Path   string `yaml:"path,omitempty"`
	Driver string `yaml:"driver,omitempty"` // postgres, mysql, sqlite
	DSN    string `yaml:"dsn,omitempty"`
}

// SourceConfig selects the source of truth
type SourceConfig struct {
	Type          string `yaml:"type"` // directory, memory
	Path          string `yaml:"path,omitempty"`
	SettleDelayMs int    `yaml:"settleDelayMs,omitempty"`
}

type PushFlowConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ReverseFlowConfig struct {
	TickSeconds            int   `yaml:"tickSeconds,omitempty"`
	DefaultIntervalSeconds int64 `yaml:"defaultIntervalSeconds,omitempty"`
}

type AdminConfig struct {
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metricsPath,omitempty"`
}

type KeyringConfig struct {
	// Service is the keyring service plugin vault credentials are stored
	// under. "none" disables the keyring.
	Service string `yaml:"service,omitempty"`
}

// Default returns the definition used when no file exists.
func Default() *Definition {
	def := &Definition{}
	def.applyDefaults()
	return def
}

// Load reads and parses the dsbroker.yaml file
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a dsbroker.yaml or pass --config",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}

	// Relative paths are resolved against the config file.
	base := filepath.Dir(c.Path)
	def.PluginDir = resolve(base, def.PluginDir)
	def.Store.Path = resolve(base, def.Store.Path)
	def.Source.Path = resolve(base, def.Source.Path)

	c.Definition = def
	return nil
}

// LoadOrDefault is Load, falling back to defaults when the file is absent.
func (c *Config) LoadOrDefault() error {
	err := c.Load()
	if err == nil {
		return nil
	}
	var cfgErr dserrors.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "path" {
		return err
	}
	if c.Logger != nil {
		c.Logger.Warn("%s not found, using defaults", c.Path)
	}
	c.Definition = Default()
	return nil
}

// Parse decodes, defaults and validates a definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 {
		return nil, dserrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your dsbroker.yaml file",
		}
	}

	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) applyDefaults() {
	if d.PluginDir == "" {
		d.PluginDir = filepath.Join(store.DefaultStoreDir(), "plugins")
	}
	if d.Store.Type == "" {
		d.Store.Type = "file"
	}
	if d.Store.Type == "file" && d.Store.Path == "" {
		d.Store.Path = store.DefaultStoreDir()
	}
	if d.Source.Type == "" {
		d.Source.Type = "directory"
	}
	if d.Source.Type == "directory" && d.Source.Path == "" {
		d.Source.Path = filepath.Join(store.DefaultStoreDir(), "source")
	}
	if d.ReverseFlow.TickSeconds == 0 {
		d.ReverseFlow.TickSeconds = int(reverseflow.DefaultTick / time.Second)
	}
	if d.ReverseFlow.DefaultIntervalSeconds == 0 {
		d.ReverseFlow.DefaultIntervalSeconds = reverseflow.DefaultIntervalSeconds
	}
	if d.Admin.Address == "" {
		d.Admin.Address = "127.0.0.1:8750"
	}
	if d.Admin.MetricsPath == "" {
		d.Admin.MetricsPath = "/metrics"
	}
	if d.Keyring.Service == "" {
		d.Keyring.Service = "dsbroker"
	}
}

// Validate reports the first invalid field.
func (d *Definition) Validate() error {
	switch d.Store.Type {
	case "memory", "file":
	case "sql":
		switch d.Store.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			return dserrors.ConfigError{
				Field:      "store.driver",
				Value:      d.Store.Driver,
				Message:    "unsupported SQL driver",
				Suggestion: "Use one of: postgres, mysql, sqlite",
			}
		}
		if d.Store.DSN == "" {
			return dserrors.ConfigError{
				Field:      "store.dsn",
				Message:    "SQL store needs a DSN",
				Suggestion: "Example: postgres://broker@localhost/dsbroker?sslmode=disable",
			}
		}
	default:
		return dserrors.ConfigError{
			Field:      "store.type",
			Value:      d.Store.Type,
			Message:    "unsupported store type",
			Suggestion: "Use one of: memory, file, sql",
		}
	}

	switch d.Source.Type {
	case "directory", "memory":
	default:
		return dserrors.ConfigError{
			Field:      "source.type",
			Value:      d.Source.Type,
			Message:    "unsupported source type",
			Suggestion: "Use one of: directory, memory",
		}
	}

	for field, v := range map[string]int{
		"settleDelayMs":           d.SettleDelayMs,
		"invokeTimeoutMs":         d.InvokeTimeoutMs,
		"source.settleDelayMs":    d.Source.SettleDelayMs,
		"reverseFlow.tickSeconds": d.ReverseFlow.TickSeconds,
	} {
		if v < 0 {
			return dserrors.ConfigError{Field: field, Value: v, Message: "must not be negative"}
		}
	}
	if d.ReverseFlow.DefaultIntervalSeconds < 0 {
		return dserrors.ConfigError{
			Field:   "reverseFlow.defaultIntervalSeconds",
			Value:   d.ReverseFlow.DefaultIntervalSeconds,
			Message: "must not be negative",
		}
	}
	if !strings.HasPrefix(d.Admin.MetricsPath, "/") {
		return dserrors.ConfigError{
			Field:      "admin.metricsPath",
			Value:      d.Admin.MetricsPath,
			Message:    "path must start with '/'",
			Suggestion: "Use /metrics",
		}
	}
	return nil
}

// StoreOptions converts the store section for store.Open.
func (d *Definition) StoreOptions() store.Options {
	return store.Options{Type: d.Store.Type, Path: d.Store.Path, Driver: d.Store.Driver, DSN: d.Store.DSN}
}

func (d *Definition) SettleDelay() time.Duration {
	return time.Duration(d.SettleDelayMs) * time.Millisecond
}

func (d *Definition) InvokeTimeout() time.Duration {
	return time.Duration(d.InvokeTimeoutMs) * time.Millisecond
}

func (d *Definition) SourceSettleDelay() time.Duration {
	return time.Duration(d.Source.SettleDelayMs) * time.Millisecond
}

func (d *Definition) ReverseFlowTick() time.Duration {
	return time.Duration(d.ReverseFlow.TickSeconds) * time.Second
}

// KeyringEnabled reports whether vault credentials go to the OS keyring.
func (d *Definition) KeyringEnabled() bool {
	return d.Keyring.Service != "none"
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

