package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a broker configuration error with helpful context.
// A broker started with nothing to monitor is reported as a ConfigError too.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// ModuleLoadError reports a plugin module that could not be turned into a live
// instance: malformed manifest, missing entry type, or a failing constructor.
type ModuleLoadError struct {
	Plugin   string
	Manifest string
	Stage    string // manifest, isolate, dispense, configure
	Err      error
}

func (e ModuleLoadError) Error() string {
	name := e.Plugin
	if name == "" {
		name = e.Manifest
	}
	return fmt.Sprintf("failed to load plugin %s during %s: %v", name, e.Stage, e.Err)
}

func (e ModuleLoadError) Unwrap() error {
	return e.Err
}

// NotLoadedError is returned when an operation names a plugin that is not
// currently loaded, including one that was unloaded while the caller waited.
type NotLoadedError struct {
	Plugin string
}

func (e NotLoadedError) Error() string {
	return fmt.Sprintf("plugin %s is not loaded", e.Plugin)
}

// AlreadyRunningError is returned when starting a component that is already started.
type AlreadyRunningError struct {
	Component string
}

func (e AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s is already running", e.Component)
}

// DispatchFailure reports one mapping's failed push or pull. Sibling mappings
// in the same batch are unaffected.
type DispatchFailure struct {
	MappingKey string
	Plugin     string
	Asset      string
	Account    string
	Err        error
}

func (e DispatchFailure) Error() string {
	return fmt.Sprintf("dispatch to plugin %s failed for %s/%s (mapping %s): %v",
		e.Plugin, e.Asset, e.Account, e.MappingKey, e.Err)
}

func (e DispatchFailure) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"connection refused",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	var userErr UserError
	if errors.As(err, &userErr) {
		return err
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "connection refused") {
		return UserError{
			Message:    "Cannot reach the broker admin API",
			Suggestion: "Start the broker with 'dsbroker serve' or pass --admin-url",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
