// Package admin serves the broker's administrative HTTP API together with
// the health and Prometheus endpoints, and provides a client for it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/systmms/dsbroker/internal/logging"
	"github.com/systmms/dsbroker/internal/manager"
	"github.com/systmms/dsbroker/internal/pushflow"
	"github.com/systmms/dsbroker/internal/reverseflow"
	"github.com/systmms/dsbroker/internal/status"
	"github.com/systmms/dsbroker/internal/store"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// Broker is the set of manager operations the API exposes.
type Broker interface {
	Plugins(ctx context.Context) ([]manager.PluginView, error)
	InstallPlugin(ctx context.Context, srcDir string) (*plugin.Manifest, error)
	RemovePlugin(ctx context.Context, name string) error
	ConfigurePlugin(ctx context.Context, name string, cfg map[string]string) error
	SetAssignedKind(ctx context.Context, name string, kind plugin.Kind) error
	TestPlugin(ctx context.Context, name string) (bool, error)
	SetVaultCredential(ctx context.Context, name string, payload []byte) error

	ReverseFlow(ctx context.Context, name string) (store.ReverseFlowState, error)
	SetReverseFlow(ctx context.Context, name string, intervalSeconds int64, enabled bool) (store.ReverseFlowState, error)
	RunReverseFlow(ctx context.Context, name string) reverseflow.Result

	Mappings(ctx context.Context) ([]store.Mapping, error)
	AddMapping(ctx context.Context, mp store.Mapping) (store.Mapping, error)
	DeleteMapping(ctx context.Context, key string) error
	DeleteAllMappings(ctx context.Context) error
	ManualPush(ctx context.Context, key string) (pushflow.Outcome, error)

	MonitorStatus() manager.MonitorStatus
	EnableMonitor(ctx context.Context) error
	DisableMonitor(ctx context.Context) error

	Status() manager.Status
	MappingStatus(key string) (status.Mapping, bool)
}

var _ Broker = (*manager.Manager)(nil)

// Server serves the admin API.
type Server struct {
	addr        string
	metricsPath string
	broker      Broker
	logger      *logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates an admin server listening on addr. An empty metricsPath
// disables the Prometheus endpoint.
func NewServer(addr, metricsPath string, broker Broker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		addr:        addr,
		metricsPath: metricsPath,
		broker:      broker,
		logger:      logger.With("admin"),
	}
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)
	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, promhttp.Handler())
	}

	mux.HandleFunc("GET /api/v1/status", s.getStatus)

	mux.HandleFunc("GET /api/v1/plugins", s.listPlugins)
	mux.HandleFunc("POST /api/v1/plugins", s.installPlugin)
	mux.HandleFunc("DELETE /api/v1/plugins/{name}", s.removePlugin)
	mux.HandleFunc("PUT /api/v1/plugins/{name}/configuration", s.configurePlugin)
	mux.HandleFunc("POST /api/v1/plugins/{name}/test", s.testPlugin)
	mux.HandleFunc("PUT /api/v1/plugins/{name}/credential", s.setCredential)
	mux.HandleFunc("GET /api/v1/plugins/{name}/reverse-flow", s.getReverseFlow)
	mux.HandleFunc("PUT /api/v1/plugins/{name}/reverse-flow", s.setReverseFlow)
	mux.HandleFunc("POST /api/v1/plugins/{name}/reverse-flow/run", s.runReverseFlow)

	mux.HandleFunc("GET /api/v1/mappings", s.listMappings)
	mux.HandleFunc("POST /api/v1/mappings", s.addMapping)
	mux.HandleFunc("DELETE /api/v1/mappings", s.deleteAllMappings)
	mux.HandleFunc("DELETE /api/v1/mappings/{key}", s.deleteMapping)
	mux.HandleFunc("GET /api/v1/mappings/{key}/status", s.mappingStatus)
	mux.HandleFunc("POST /api/v1/mappings/{key}/push", s.pushMapping)

	mux.HandleFunc("GET /api/v1/monitor", s.getMonitor)
	mux.HandleFunc("PUT /api/v1/monitor", s.setMonitor)

	return recoveryMiddleware(s.logger, loggingMiddleware(s.logger, mux))
}

// Start begins serving in the background. It returns once the listener is
// bound so bind errors surface to the caller.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("admin server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin server listen on %s: %w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Pushes and connection tests run inside requests.
		WriteTimeout: 2 * time.Minute,
	}

	s.logger.Info("Admin API listening on %s", ln.Addr())

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
