package admin

import (
	"net/http"

	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/store"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// InstallRequest names a plugin package directory on the broker host.
type InstallRequest struct {
	Dir string `json:"dir"`
}

// ConfigureRequest replaces a plugin's configuration and optionally its
// credential kind.
type ConfigureRequest struct {
	Configuration map[string]string `json:"configuration"`
	AssignedKind  plugin.Kind       `json:"assignedKind,omitempty"`
}

// CredentialRequest carries an opaque vault credential for a plugin.
type CredentialRequest struct {
	Payload []byte `json:"payload"`
}

// ReverseFlowRequest sets a plugin's reverse-flow schedule.
type ReverseFlowRequest struct {
	RotationIntervalSeconds int64 `json:"rotationIntervalSeconds"`
	Enabled                 bool  `json:"enabled"`
}

// MonitorRequest turns push monitoring on or off.
type MonitorRequest struct {
	Enabled bool `json:"enabled"`
}

// TestResult is the outcome of a plugin connection test.
type TestResult struct {
	Connected bool `json:"connected"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Status())
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.broker.Plugins(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plugins)
}

func (s *Server) installPlugin(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Dir == "" {
		writeErr(w, dserrors.ConfigError{Field: "dir", Message: "package directory is required"})
		return
	}
	manifest, err := s.broker.InstallPlugin(r.Context(), req.Dir)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, manifest)
}

func (s *Server) removePlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.RemovePlugin(r.Context(), r.PathValue("name")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) configurePlugin(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req ConfigureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.AssignedKind != "" {
		if err := s.broker.SetAssignedKind(r.Context(), name, req.AssignedKind); err != nil {
			writeErr(w, err)
			return
		}
	}
	if req.Configuration != nil {
		if err := s.broker.ConfigurePlugin(r.Context(), name, req.Configuration); err != nil {
			writeErr(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) testPlugin(w http.ResponseWriter, r *http.Request) {
	ok, err := s.broker.TestPlugin(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TestResult{Connected: ok})
}

func (s *Server) setCredential(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.broker.SetVaultCredential(r.Context(), r.PathValue("name"), req.Payload); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getReverseFlow(w http.ResponseWriter, r *http.Request) {
	state, err := s.broker.ReverseFlow(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) setReverseFlow(w http.ResponseWriter, r *http.Request) {
	var req ReverseFlowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	state, err := s.broker.SetReverseFlow(r.Context(), r.PathValue("name"), req.RotationIntervalSeconds, req.Enabled)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) runReverseFlow(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.RunReverseFlow(r.Context(), r.PathValue("name")))
}

func (s *Server) listMappings(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.broker.Mappings(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if mappings == nil {
		mappings = []store.Mapping{}
	}
	writeJSON(w, http.StatusOK, mappings)
}

func (s *Server) addMapping(w http.ResponseWriter, r *http.Request) {
	var mp store.Mapping
	if err := decodeJSON(r, &mp); err != nil {
		writeErr(w, err)
		return
	}
	saved, err := s.broker.AddMapping(r.Context(), mp)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) deleteMapping(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.DeleteMapping(r.Context(), r.PathValue("key")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteAllMappings(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.DeleteAllMappings(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mappingStatus(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	st, ok := s.broker.MappingStatus(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "no push recorded for " + key,
			Code:  CodeNotFound,
		})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// pushMapping reports a failed push in the outcome body; only lookup
// failures become error responses.
func (s *Server) pushMapping(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.broker.ManualPush(r.Context(), r.PathValue("key"))
	if err != nil && outcome.MappingKey == "" {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) getMonitor(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.MonitorStatus())
}

func (s *Server) setMonitor(w http.ResponseWriter, r *http.Request) {
	var req MonitorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	var err error
	if req.Enabled {
		err = s.broker.EnableMonitor(r.Context())
	} else {
		err = s.broker.DisableMonitor(r.Context())
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.broker.MonitorStatus())
}
