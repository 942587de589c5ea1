package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/dsbroker/internal/admin"
	"github.com/systmms/dsbroker/internal/config"
	"github.com/systmms/dsbroker/internal/loader"
	"github.com/systmms/dsbroker/internal/logging"
	"github.com/systmms/dsbroker/internal/manager"
	"github.com/systmms/dsbroker/internal/metrics"
	"github.com/systmms/dsbroker/internal/source"
	"github.com/systmms/dsbroker/internal/store"
)

// shutdownTimeout bounds draining in-flight pushes and unloading plugins.
const shutdownTimeout = 30 * time.Second

func NewServeCommand(cfg *config.Config) *cobra.Command {
	var monitor bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		Long: `Run the broker: discover plugins in the plugin directory, start the
reverse-flow scheduler, optionally start push monitoring, and serve the
admin API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.LoadOrDefault(); err != nil {
				return err
			}
			if cmd.Flags().Changed("monitor") {
				cfg.Definition.PushFlow.Enabled = monitor
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg.Definition, cfg.Logger)
		},
	}

	cmd.Flags().BoolVar(&monitor, "monitor", false, "Start push monitoring (overrides pushFlow.enabled)")

	return cmd
}

func serve(ctx context.Context, def *config.Definition, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}

	st, err := store.Open(ctx, def.StoreOptions())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close store: %v", err)
		}
	}()

	src, err := openSource(def, logger)
	if err != nil {
		return err
	}

	var vault loader.CredentialVault = loader.NewMemoryVault()
	if def.KeyringEnabled() {
		vault = loader.NewKeyringVault(def.Keyring.Service)
	}

	metrics.Init()
	mgr := manager.New(st, src, manager.Options{
		PluginDir:              def.PluginDir,
		SettleDelay:            def.SettleDelay(),
		InvokeTimeout:          def.InvokeTimeout(),
		ReverseFlowTick:        def.ReverseFlowTick(),
		DefaultIntervalSeconds: def.ReverseFlow.DefaultIntervalSeconds,
		PushFlowEnabled:        def.PushFlow.Enabled,
		Vault:                  vault,
		Logger:                 logger,
		Metrics:                metrics.New(),
	})

	if err := os.MkdirAll(def.PluginDir, 0755); err != nil {
		return fmt.Errorf("failed to create plugin directory: %w", err)
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	srv := admin.NewServer(def.Admin.Address, def.Admin.MetricsPath, mgr, logger)
	if err := srv.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		mgr.Stop(stopCtx)
		return err
	}
	logger.Info("dsbroker serving admin API on %s (plugins: %s)", srv.Addr(), def.PluginDir)

	<-ctx.Done()
	logger.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("Admin API shutdown: %v", err)
	}
	mgr.Stop(stopCtx)
	return nil
}

func openSource(def *config.Definition, logger *logging.Logger) (source.Source, error) {
	switch def.Source.Type {
	case "memory":
		return source.NewMemorySource(), nil
	case "directory":
		if err := os.MkdirAll(def.Source.Path, 0700); err != nil {
			return nil, fmt.Errorf("failed to create source directory: %w", err)
		}
		return source.NewDirectorySource(def.Source.Path, def.SourceSettleDelay(), logger), nil
	default:
		return nil, fmt.Errorf("unsupported source type: %s", def.Source.Type)
	}
}
