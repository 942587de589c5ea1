package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dsbroker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfig_Load(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `version: 0
pluginDir: plugins
settleDelayMs: 250
invokeTimeoutMs: 5000
store:
  type: sql
  driver: postgres
  dsn: postgres://broker@localhost/dsbroker
source:
  type: directory
  path: /var/lib/dsbroker/source
pushFlow:
  enabled: true
reverseFlow:
  tickSeconds: 30
admin:
  address: 0.0.0.0:9000
`)

	cfg := &Config{Path: path, Logger: logging.Discard()}
	require.NoError(t, cfg.Load())
	def := cfg.Definition

	assert.Equal(t, filepath.Join(filepath.Dir(path), "plugins"), def.PluginDir)
	assert.Equal(t, 250*time.Millisecond, def.SettleDelay())
	assert.Equal(t, 5*time.Second, def.InvokeTimeout())
	assert.Equal(t, "postgres", def.StoreOptions().Driver)
	assert.Equal(t, "/var/lib/dsbroker/source", def.Source.Path)
	assert.True(t, def.PushFlow.Enabled)
	assert.Equal(t, 30*time.Second, def.ReverseFlowTick())
	assert.EqualValues(t, 86400, def.ReverseFlow.DefaultIntervalSeconds)
	assert.Equal(t, "0.0.0.0:9000", def.Admin.Address)
	assert.Equal(t, "/metrics", def.Admin.MetricsPath)
	assert.True(t, def.KeyringEnabled())
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	def := Default()
	assert.Equal(t, "file", def.Store.Type)
	assert.NotEmpty(t, def.Store.Path)
	assert.Equal(t, "directory", def.Source.Type)
	assert.Equal(t, 60*time.Second, def.ReverseFlowTick())
	assert.Equal(t, "127.0.0.1:8750", def.Admin.Address)
	assert.NoError(t, def.Validate())
}

func TestConfig_LoadOrDefault(t *testing.T) {
	t.Parallel()

	cfg := &Config{Path: filepath.Join(t.TempDir(), "missing.yaml")}
	require.NoError(t, cfg.LoadOrDefault())
	require.NotNil(t, cfg.Definition)

	cfg = &Config{Path: writeConfig(t, "version: 3\n")}
	assert.Error(t, cfg.LoadOrDefault())
}

func TestConfig_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		yaml      string
		wantField string
		wantMsg   string
	}{
		{"unsupported version", "version: 1\n", "version", "unsupported configuration version"},
		{"unknown store", "store:\n  type: etcd\n", "store.type", "unsupported store type"},
		{"sql without driver", "store:\n  type: sql\n  dsn: x\n", "store.driver", "unsupported SQL driver"},
		{"sql without dsn", "store:\n  type: sql\n  driver: sqlite\n", "store.dsn", "needs a DSN"},
		{"unknown source", "source:\n  type: kafka\n", "source.type", "unsupported source type"},
		{"negative timeout", "invokeTimeoutMs: -1\n", "invokeTimeoutMs", "must not be negative"},
		{"bad metrics path", "admin:\n  metricsPath: metrics\n", "admin.metricsPath", "must start with"},
		{"invalid yaml", "store: [\n", "", "invalid YAML syntax"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.yaml))
			var cfgErr dserrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
			assert.Contains(t, cfgErr.Message, tt.wantMsg)
		})
	}
}

func TestConfig_MissingFile(t *testing.T) {
	t.Parallel()

	cfg := &Config{Path: "/nonexistent/path/to/dsbroker.yaml"}
	err := cfg.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}
