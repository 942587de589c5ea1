package pushflow

import (
	"sort"

	"github.com/systmms/dsbroker/internal/status"
)

// Outcome is the result of one mapping within a dispatch.
type Outcome struct {
	MappingKey string `json:"mappingKey"`
	PluginName string `json:"pluginName"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// BatchResult reports every mapping touched by one dispatch. A batch is never
// all-or-nothing: each mapping carries its own status.
type BatchResult struct {
	Handle   string    `json:"handle"`
	Outcomes []Outcome `json:"outcomes"`
}

// Status returns the status recorded for mappingKey, or "" if the mapping
// was not part of the batch.
func (b *BatchResult) Status(mappingKey string) string {
	for _, o := range b.Outcomes {
		if o.MappingKey == mappingKey {
			return o.Status
		}
	}
	return ""
}

// ByPlugin maps plugin name to status.
func (b *BatchResult) ByPlugin() map[string]string {
	out := make(map[string]string, len(b.Outcomes))
	for _, o := range b.Outcomes {
		out[o.PluginName] = o.Status
	}
	return out
}

// Count returns how many outcomes have the given status.
func (b *BatchResult) Count(st string) int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Status == st {
			n++
		}
	}
	return n
}

// Failed reports whether any mapping failed.
func (b *BatchResult) Failed() bool {
	return b.Count(status.Failure) > 0
}

func (b *BatchResult) sort() {
	sort.Slice(b.Outcomes, func(i, j int) bool { return b.Outcomes[i].MappingKey < b.Outcomes[j].MappingKey })
}
