package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/dsbroker/internal/config"
	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/status"
	"github.com/systmms/dsbroker/internal/store"
)

func NewReverseFlowCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reverse-flow",
		Short: "Inspect and schedule reverse flow (destination to source sync)",
	}

	cmd.AddCommand(
		newReverseFlowGetCommand(cfg),
		newReverseFlowSetCommand(cfg),
		newReverseFlowRunCommand(cfg),
	)

	return cmd
}

func newReverseFlowGetCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "get <plugin>",
		Short: "Show a plugin's reverse-flow schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			st, err := client.ReverseFlow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printReverseFlow(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func newReverseFlowSetCommand(cfg *config.Config) *cobra.Command {
	var (
		interval time.Duration
		enable   bool
		disable  bool
	)

	cmd := &cobra.Command{
		Use:     "set <plugin>",
		Short:   "Change a plugin's reverse-flow interval or enable it",
		Example: `  dsbroker reverse-flow set gcpsm --interval 12h --enable`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return dserrors.UserError{Message: "--enable and --disable are mutually exclusive"}
			}
			if interval < 0 {
				return dserrors.UserError{Message: "interval must not be negative"}
			}

			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			current, err := client.ReverseFlow(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			seconds := current.RotationIntervalSeconds
			if cmd.Flags().Changed("interval") {
				seconds = int64(interval / time.Second)
			}
			enabled := current.Enabled
			switch {
			case enable:
				enabled = true
			case disable:
				enabled = false
			}

			st, err := client.SetReverseFlow(cmd.Context(), args[0], seconds, enabled)
			if err != nil {
				return err
			}
			printReverseFlow(cmd.OutOrStdout(), st)
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Pull interval (e.g. 30m, 24h)")
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable reverse flow")
	cmd.Flags().BoolVar(&disable, "disable", false, "Disable reverse flow")

	return cmd
}

func newReverseFlowRunCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run <plugin>",
		Short: "Poll a plugin now; skipped unless its interval has elapsed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			res, err := client.RunReverseFlow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.Status == status.Failure {
				return fmt.Errorf("reverse flow for %s failed: %s", res.Plugin, res.Error)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d updated)\n", res.Plugin, res.Status, res.Updated)
			return nil
		},
	}
}

func printReverseFlow(w io.Writer, st store.ReverseFlowState) {
	_, _ = fmt.Fprintf(w, "Plugin:      %s\n", st.PluginName)
	_, _ = fmt.Fprintf(w, "Enabled:     %t\n", st.Enabled)
	_, _ = fmt.Fprintf(w, "Interval:    %s\n", time.Duration(st.RotationIntervalSeconds)*time.Second)
	last := "never"
	if !st.LastPolledTime.IsZero() {
		last = st.LastPolledTime.Format(time.RFC3339)
	}
	_, _ = fmt.Fprintf(w, "Last polled: %s\n", last)
}
