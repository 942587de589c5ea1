package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/dsbroker/internal/config"
	"github.com/systmms/dsbroker/internal/status"
)

func NewStatusCommand(cfg *config.Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show monitor state and the last result per plugin and mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, st)
			}

			_, _ = fmt.Fprintf(out, "Push monitoring: %s\n\n", monitorState(st.Monitor.Enabled, st.Monitor.Running))

			w := newTable(out)
			_, _ = fmt.Fprintf(w, "PLUGIN\tLOAD\tPUSH\tPULL\tCONNECTION\n")
			for _, p := range st.Plugins {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name,
					result(p.LastLoad), result(p.LastPush), result(p.LastPull), result(p.LastConnection))
			}
			_ = w.Flush()

			if len(st.Mappings) > 0 {
				_, _ = fmt.Fprintln(out)
				w = newTable(out)
				_, _ = fmt.Fprintf(w, "MAPPING\tLAST PUSH\tAT\tMESSAGE\n")
				for _, m := range st.Mappings {
					r := m.LastPush
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Key, r.Status, r.At.Format("2006-01-02 15:04:05"), dash(r.Message))
				}
				_ = w.Flush()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw status document")

	return cmd
}

func result(r *status.Result) string {
	if r == nil {
		return "-"
	}
	return r.Status
}

func monitorState(enabled, running bool) string {
	switch {
	case running:
		return "running"
	case enabled:
		return "enabled (idle)"
	default:
		return "disabled"
	}
}
