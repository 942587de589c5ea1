package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/store"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// Error codes carried in error responses.
const (
	CodeNotFound       = "not_found"
	CodeNotLoaded      = "not_loaded"
	CodeInvalid        = "invalid"
	CodeConfiguration  = "configuration"
	CodeAlreadyRunning = "already_running"
	CodeLoadFailed     = "load_failed"
	CodeInternal       = "internal"
)

type errorResponse struct {
	Error string   `json:"error"`
	Code  string   `json:"code,omitempty"`
	Keys  []string `json:"keys,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps broker errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var (
		notLoaded dserrors.NotLoadedError
		running   dserrors.AlreadyRunningError
		cfgErr    dserrors.ConfigError
		loadErr   dserrors.ModuleLoadError
		userErr   dserrors.UserError
		pluginCfg *plugin.ConfigurationError
	)

	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &pluginCfg):
		status, resp.Code, resp.Keys = http.StatusBadRequest, CodeConfiguration, pluginCfg.Keys
	case errors.As(err, &notLoaded):
		status, resp.Code = http.StatusNotFound, CodeNotLoaded
	case errors.Is(err, store.ErrNotFound):
		status, resp.Code = http.StatusNotFound, CodeNotFound
	case errors.As(err, &running):
		status, resp.Code = http.StatusConflict, CodeAlreadyRunning
	case errors.As(err, &cfgErr), errors.As(err, &userErr):
		status, resp.Code = http.StatusBadRequest, CodeInvalid
	case errors.As(err, &loadErr):
		status, resp.Code = http.StatusUnprocessableEntity, CodeLoadFailed
	default:
		resp.Code = CodeInternal
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return dserrors.ConfigError{Field: "body", Message: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}
