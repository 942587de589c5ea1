package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/dsbroker/internal/config"
	"github.com/systmms/dsbroker/internal/status"
)

func NewPushCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "push <mapping-key>",
		Short: "Push the current source value for one mapping now",
		Long: `Push the current source value for one mapping, whether or not it
changed since the last push.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			outcome, err := client.Push(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if outcome.Status == status.Failure {
				return fmt.Errorf("push to %s failed: %s", outcome.PluginName, outcome.Error)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", outcome.MappingKey, outcome.Status)
			return nil
		},
	}
}
