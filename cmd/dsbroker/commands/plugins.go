package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/systmms/dsbroker/internal/admin"
	"github.com/systmms/dsbroker/internal/config"
	dserrors "github.com/systmms/dsbroker/internal/errors"
	"github.com/systmms/dsbroker/pkg/plugin"
)

func NewPluginsCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugins",
		Aliases: []string{"plugin"},
		Short:   "Manage destination plugins",
	}

	cmd.AddCommand(
		newPluginsListCommand(cfg),
		newPluginsInstallCommand(cfg),
		newPluginsRemoveCommand(cfg),
		newPluginsConfigureCommand(cfg),
		newPluginsTestCommand(cfg),
		newPluginsCredentialCommand(cfg),
	)

	return cmd
}

func newPluginsListCommand(cfg *config.Config) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			views, err := client.Plugins(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(views) == 0 {
				_, _ = fmt.Fprintln(out, "No plugins loaded")
				return nil
			}

			w := newTable(out)
			_, _ = fmt.Fprintf(w, "NAME\tSTATE\tVERSION\tKIND\tREVERSE FLOW\tERROR\n")
			for _, v := range views {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
					v.Name, v.State, v.Version, dash(string(v.AssignedKind)), v.ReverseFlowEnabled, dash(v.Error))
			}
			_ = w.Flush()

			if verbose {
				for _, v := range views {
					_, _ = fmt.Fprintf(out, "\n%s (%s):\n", v.Metadata.DisplayName, v.Name)
					_, _ = fmt.Fprintf(out, "  Directory: %s\n", v.Dir)
					kinds := make([]string, 0, len(v.Metadata.SupportedKinds))
					for _, k := range v.Metadata.SupportedKinds {
						kinds = append(kinds, string(k))
					}
					_, _ = fmt.Fprintf(out, "  Kinds: %s\n", strings.Join(kinds, ", "))
					for _, k := range sortedKeys(v.Configuration) {
						_, _ = fmt.Fprintf(out, "  %s = %s\n", k, v.Configuration[k])
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show configuration and supported kinds")

	return cmd
}

func newPluginsInstallCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "install <package-dir>",
		Short: "Install a plugin package into the broker's plugin directory",
		Long: `Install a plugin package. The directory must contain a
dsbroker-plugin.json manifest and the module it names, and must be readable
by the broker process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			m, err := client.InstallPlugin(cmd.Context(), dir)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Installed %s %s (%s)\n", m.Name, m.Version, m.Title())
			return nil
		},
	}
}

func newPluginsRemoveCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Unload a plugin and delete its package, mappings and settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if err := client.RemovePlugin(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func newPluginsConfigureCommand(cfg *config.Config) *cobra.Command {
	var (
		sets    []string
		unsets  []string
		kind    string
		replace bool
	)

	cmd := &cobra.Command{
		Use:   "configure <name>",
		Short: "Change a plugin's configuration or credential kind",
		Example: `  dsbroker plugins configure awssm --set region=eu-west-1
  dsbroker plugins configure gcpsm --set projectId=acme --kind password`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			changes, err := parseAssignments(sets)
			if err != nil {
				return err
			}

			var req admin.ConfigureRequest
			if kind != "" {
				k, err := plugin.ParseKind(kind)
				if err != nil {
					return dserrors.UserError{Message: "Invalid --kind", Err: err, Details: err.Error()}
				}
				req.AssignedKind = k
			}
			if len(changes) == 0 && len(unsets) == 0 && req.AssignedKind == "" {
				return dserrors.UserError{
					Message:    "nothing to change",
					Suggestion: "Pass --set key=value, --unset key or --kind",
				}
			}

			client, err := newClient(cfg)
			if err != nil {
				return err
			}

			if len(changes) > 0 || len(unsets) > 0 {
				current := map[string]string{}
				if !replace {
					current, err = currentConfiguration(cmd, client, name)
					if err != nil {
						return err
					}
				}
				for k, v := range changes {
					current[k] = v
				}
				for _, k := range unsets {
					delete(current, k)
				}
				req.Configuration = current
			}

			if err := client.ConfigurePlugin(cmd.Context(), name, req); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Configured %s\n", name)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "Set a configuration key (key=value, repeatable)")
	cmd.Flags().StringArrayVar(&unsets, "unset", nil, "Remove a configuration key (repeatable)")
	cmd.Flags().StringVar(&kind, "kind", "", "Credential kind the plugin receives")
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace the whole configuration instead of merging")

	return cmd
}

func currentConfiguration(cmd *cobra.Command, client *admin.Client, name string) (map[string]string, error) {
	views, err := client.Plugins(cmd.Context())
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		if v.Name == name {
			out := make(map[string]string, len(v.Configuration))
			for k, val := range v.Configuration {
				out[k] = val
			}
			return out, nil
		}
	}
	return nil, dserrors.UserError{
		Message:    fmt.Sprintf("plugin %q is not loaded", name),
		Suggestion: "Run 'dsbroker plugins list' to see loaded plugins",
	}
}

func newPluginsTestCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Test a plugin's connection to its destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			ok, err := client.TestPlugin(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s could not reach its destination", args[0])
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: connected\n", args[0])
			return nil
		},
	}
}

func newPluginsCredentialCommand(cfg *config.Config) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "credential <name>",
		Short: "Set the credential a plugin uses against its destination",
		Long: `Set the credential a plugin uses to authenticate against its own
destination store. The payload is read from --file, or from stdin when
--file is "-". It is kept in the broker's credential vault and never
written to the store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return dserrors.UserError{Message: "no credential given", Suggestion: "Pass --file <path> or --file - for stdin"}
			}
			payload, err := readPayload(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if err := client.SetVaultCredential(cmd.Context(), args[0], payload); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Credential set for %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "File holding the credential payload (- for stdin)")

	return cmd
}

func readPayload(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, dserrors.UserError{Message: "Failed to read credential file", Details: err.Error(), Err: err}
	}
	return data, nil
}
