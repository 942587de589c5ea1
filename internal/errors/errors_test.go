package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/dsbroker/internal/errors"
)

// TestUserErrorFormatting verifies UserError displays properly
func TestUserErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.UserError{
		Message:    "Operation failed",
		Details:    "Connection timeout",
		Suggestion: "Check network connectivity",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "Operation failed")
	assert.Contains(t, errMsg, "Connection timeout")
	assert.Contains(t, errMsg, "Check network connectivity")
}

// TestConfigErrorFormatting verifies ConfigError displays with context
func TestConfigErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.ConfigError{
		Field:      "store.type",
		Value:      "etcd",
		Message:    "unsupported store type",
		Suggestion: "Use one of: memory, file, sql",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "store.type")
	assert.Contains(t, errMsg, "etcd")
	assert.Contains(t, errMsg, "unsupported store type")
	assert.Contains(t, errMsg, "memory, file, sql")
}

func TestModuleLoadError(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("unknown plugin type: awssm2")
	err := fmt.Errorf("loading: %w", errors.ModuleLoadError{Plugin: "aws-prod", Stage: "dispense", Err: cause})

	var loadErr errors.ModuleLoadError
	require.True(t, stderrors.As(err, &loadErr))
	assert.Equal(t, "aws-prod", loadErr.Plugin)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "during dispense")
}

func TestModuleLoadError_FallsBackToManifestPath(t *testing.T) {
	t.Parallel()

	err := errors.ModuleLoadError{Manifest: "/plugins/x/dsbroker-plugin.json", Stage: "manifest", Err: fmt.Errorf("bad json")}

	assert.Contains(t, err.Error(), "/plugins/x/dsbroker-plugin.json")
}

func TestDispatchFailure(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection refused")
	err := errors.DispatchFailure{MappingKey: "h1|A", Plugin: "A", Asset: "srv01", Account: "admin", Err: cause}

	assert.Contains(t, err.Error(), "plugin A")
	assert.Contains(t, err.Error(), "srv01/admin")
	assert.ErrorIs(t, err, cause)
}

func TestNotLoadedAndAlreadyRunning(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "plugin gone is not loaded", errors.NotLoadedError{Plugin: "gone"}.Error())
	assert.Equal(t, "push monitor is already running", errors.AlreadyRunningError{Component: "push monitor"}.Error())
}

// TestIsRetryable verifies retryable error detection
func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "nil", err: nil, retryable: false},
		{name: "timeout", err: fmt.Errorf("i/o timeout"), retryable: true},
		{name: "refused", err: fmt.Errorf("dial tcp: connection refused"), retryable: true},
		{name: "throttling", err: fmt.Errorf("ThrottlingException: slow down"), retryable: true},
		{name: "config", err: fmt.Errorf("missing key"), retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.retryable, errors.IsRetryable(tt.err))
		})
	}
}

func TestSimplifyError(t *testing.T) {
	t.Parallel()

	assert.Nil(t, errors.SimplifyError(nil))

	cfgErr := errors.ConfigError{Message: "x"}
	assert.Equal(t, cfgErr, errors.SimplifyError(cfgErr))

	yamlErr := errors.SimplifyError(fmt.Errorf("parse: %w", fmt.Errorf("yaml: line 3: did not find expected key")))
	var asCfg errors.ConfigError
	require.True(t, stderrors.As(yamlErr, &asCfg))
	assert.Equal(t, "Invalid YAML format", asCfg.Message)

	refused := errors.SimplifyError(fmt.Errorf("dial tcp 127.0.0.1:9090: connection refused"))
	var asUser errors.UserError
	require.True(t, stderrors.As(refused, &asUser))
	assert.Contains(t, asUser.Suggestion, "dsbroker serve")

	plain := fmt.Errorf("something else")
	assert.Equal(t, plain, errors.SimplifyError(plain))
}
