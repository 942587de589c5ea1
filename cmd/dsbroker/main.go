package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/dsbroker/cmd/dsbroker/commands"
	"github.com/systmms/dsbroker/internal/config"
	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.SimplifyError(err))
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile string
		adminURL   string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "dsbroker",
		Short: "Secrets distribution broker",
		Long: `dsbroker propagates rotated credentials from a source of truth to
destination secret stores (push flow) and synchronizes credentials rotated
by destinations back to the source (reverse flow).

Run "dsbroker serve" to start the broker. The other commands talk to a
running broker over its admin API.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.AdminURL = adminURL
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", "", "Admin API address (defaults to admin.address from the config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewServeCommand(cfg),
		commands.NewStatusCommand(cfg),
		commands.NewPluginsCommand(cfg),
		commands.NewMappingsCommand(cfg),
		commands.NewPushCommand(cfg),
		commands.NewMonitorCommand(cfg),
		commands.NewReverseFlowCommand(cfg),
		commands.NewCompletionCommand(cfg),
	)

	return rootCmd.Execute()
}
