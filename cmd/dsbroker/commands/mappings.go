package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/dsbroker/internal/config"
	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/internal/source"
	"github.com/systmms/dsbroker/internal/store"
)

func NewMappingsCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mappings",
		Aliases: []string{"mapping"},
		Short:   "Manage account mappings",
		Long: `An account mapping sends one source account's credential to one
destination plugin. Mappings are keyed "<handle>|<plugin>".`,
	}

	cmd.AddCommand(
		newMappingsListCommand(cfg),
		newMappingsAddCommand(cfg),
		newMappingsDeleteCommand(cfg),
	)

	return cmd
}

func newMappingsListCommand(cfg *config.Config) *cobra.Command {
	var pluginName string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List account mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			mappings, err := client.Mappings(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := newTable(out)
			_, _ = fmt.Fprintf(w, "KEY\tASSET\tACCOUNT\tALT ACCOUNT\tPLUGIN\n")
			shown := 0
			for _, m := range mappings {
				if pluginName != "" && m.PluginName != pluginName {
					continue
				}
				shown++
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Key, m.AssetName, m.AccountName, dash(m.AltAccountName), m.PluginName)
			}
			if shown == 0 {
				_, _ = fmt.Fprintln(out, "No mappings")
				return nil
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&pluginName, "plugin", "", "Only show mappings for this plugin")

	return cmd
}

func newMappingsAddCommand(cfg *config.Config) *cobra.Command {
	var m store.Mapping

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Map a source account to a destination plugin",
		Example: `  dsbroker mappings add --asset db01 --account svc_app --plugin awssm
  dsbroker mappings add --asset db01 --account svc_app --alt-account app --plugin gcpsm`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if m.SecretHandle == "" && m.AssetName != "" && m.AccountName != "" {
				m.SecretHandle = source.Handle(m.AssetName, m.AccountName)
			}
			if err := m.Normalize(); err != nil {
				return dserrors.UserError{Message: err.Error(), Suggestion: "Pass --asset, --account and --plugin"}
			}

			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			added, err := client.AddMapping(cmd.Context(), m)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", added.Key)
			return nil
		},
	}

	cmd.Flags().StringVar(&m.AssetName, "asset", "", "Asset (system) the account belongs to")
	cmd.Flags().StringVar(&m.AccountName, "account", "", "Account name")
	cmd.Flags().StringVar(&m.DomainName, "domain", "", "Account domain")
	cmd.Flags().StringVar(&m.AltAccountName, "alt-account", "", "Account name used at the destination")
	cmd.Flags().StringVar(&m.PluginName, "plugin", "", "Destination plugin")
	cmd.Flags().StringVar(&m.SecretHandle, "handle", "", "Source secret handle (defaults to <asset>/<account>)")

	return cmd
}

func newMappingsDeleteCommand(cfg *config.Config) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [key]",
		Short: "Delete one mapping, or every mapping with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if all {
				if err := client.DeleteAllMappings(cmd.Context()); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Deleted all mappings")
				return nil
			}
			if err := client.DeleteMapping(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Delete every mapping")

	return cmd
}
