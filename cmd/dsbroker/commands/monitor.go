package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/dsbroker/internal/config"
)

func NewMonitorCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Enable, disable or inspect push monitoring",
	}

	set := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := newClient(cfg)
				if err != nil {
					return err
				}
				st, err := client.SetMonitor(cmd.Context(), enabled)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Push monitoring: %s\n", monitorState(st.Enabled, st.Running))
				return nil
			},
		}
	}

	cmd.AddCommand(
		set("on", "Enable push monitoring", true),
		set("off", "Disable push monitoring", false),
		&cobra.Command{
			Use:   "status",
			Short: "Show whether push monitoring is running",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := newClient(cfg)
				if err != nil {
					return err
				}
				st, err := client.Monitor(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Push monitoring: %s\n", monitorState(st.Enabled, st.Running))
				return nil
			},
		},
	)

	return cmd
}
