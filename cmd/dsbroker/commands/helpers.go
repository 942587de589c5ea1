package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/systmms/dsbroker/internal/admin"
	"github.com/systmms/dsbroker/internal/config"
	dserrors "github.com/systmms/dsbroker/internal/errors"
)

// newClient resolves the admin API address from --admin-url or the config.
func newClient(cfg *config.Config) (*admin.Client, error) {
	addr := cfg.AdminURL
	if addr == "" {
		if err := cfg.LoadOrDefault(); err != nil {
			return nil, err
		}
		addr = cfg.Definition.Admin.Address
	}
	return admin.NewClient(addr, nil), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// parseAssignments turns repeated key=value flags into a map.
func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, dserrors.UserError{
				Message:    fmt.Sprintf("invalid setting %q", pair),
				Suggestion: "Use --set key=value",
			}
		}
		out[key] = value
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
