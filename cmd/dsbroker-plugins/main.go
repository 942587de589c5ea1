// Command dsbroker-plugins hosts the built-in destination plugins. The broker
// starts it once per installed package and selects the plugin by entry type.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/dsbroker/internal/plugins"
	"github.com/systmms/dsbroker/pkg/plugin"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dsbroker-plugins",
		Short: "Built-in dsbroker destination plugins",
		Long: `dsbroker-plugins serves the built-in destination plugins over the
dsbroker plugin protocol. It is started by the broker, not by hand.

Use "dsbroker-plugins package <dir>" to lay out installable plugin packages.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			plugin.Serve(plugins.Builtins())
		},
	}
	root.AddCommand(newPackageCommand())
	return root
}

func newPackageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "package <dir>",
		Short: "Write one plugin package per built-in plugin into dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate executable: %w", err)
			}
			manifests, err := plugins.Package(args[0], self)
			if err != nil {
				return err
			}
			for _, m := range manifests {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", m.Name, m.Title())
			}
			return nil
		},
	}
}
