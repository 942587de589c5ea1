package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError means the plugin is missing required settings or a
// setting is invalid. The broker keeps such a plugin unconfigured.
type ConfigurationError struct {
	Keys   []string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if len(e.Keys) > 0 {
		return fmt.Sprintf("configuration invalid: %s (keys: %s)", e.Reason, strings.Join(e.Keys, ", "))
	}
	return fmt.Sprintf("configuration invalid: %s", e.Reason)
}

// MissingKeys returns a ConfigurationError for every key in required that is
// absent or blank in cfg, or nil when all are present.
func MissingKeys(cfg map[string]string, required ...string) error {
	var missing []string
	for _, key := range required {
		if strings.TrimSpace(cfg[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &ConfigurationError{Keys: missing, Reason: "required settings are missing"}
}

// ConnectionError means the destination store could not be reached.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("cannot reach %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RotationRaceError means a rotation step after the new credential was
// confirmed failed, or the steps were attempted out of order. The old
// credential may still be valid; it is never rolled back.
type RotationRaceError struct {
	Stage string
	Err   error
}

func (e *RotationRaceError) Error() string {
	return fmt.Sprintf("rotation race during %s: %v", e.Stage, e.Err)
}

func (e *RotationRaceError) Unwrap() error { return e.Err }

// Error kinds used on the wire.
const (
	errKindGeneric       = "error"
	errKindConfiguration = "configuration"
	errKindConnection    = "connection"
	errKindRotationRace  = "rotation_race"
)

// WireError is the RPC encoding of an error returned by a plugin.
type WireError struct {
	Kind    string
	Message string
	Detail  string
	Keys    []string
}

func encodeError(err error) WireError {
	if err == nil {
		return WireError{}
	}

	var cfgErr *ConfigurationError
	var connErr *ConnectionError
	var raceErr *RotationRaceError
	switch {
	case errors.As(err, &cfgErr):
		return WireError{Kind: errKindConfiguration, Message: cfgErr.Reason, Keys: cfgErr.Keys}
	case errors.As(err, &connErr):
		return WireError{Kind: errKindConnection, Message: errorString(connErr.Err), Detail: connErr.Endpoint}
	case errors.As(err, &raceErr):
		return WireError{Kind: errKindRotationRace, Message: errorString(raceErr.Err), Detail: raceErr.Stage}
	default:
		return WireError{Kind: errKindGeneric, Message: err.Error()}
	}
}

func (w WireError) decode() error {
	switch w.Kind {
	case "":
		return nil
	case errKindConfiguration:
		return &ConfigurationError{Keys: w.Keys, Reason: w.Message}
	case errKindConnection:
		return &ConnectionError{Endpoint: w.Detail, Err: errors.New(w.Message)}
	case errKindRotationRace:
		return &RotationRaceError{Stage: w.Detail, Err: errors.New(w.Message)}
	default:
		return errors.New(w.Message)
	}
}

func errorString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
