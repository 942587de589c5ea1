package plugin

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ManifestFileName is the manifest file every plugin package carries.
const ManifestFileName = "dsbroker-plugin.json"

//go:embed manifest.schema.json
var manifestSchema []byte

// Manifest describes one plugin package.
type Manifest struct {
	Name string `json:"name"`
	// Module is the plugin binary, relative to the package directory.
	Module string `json:"module"`
	// EntryType selects the plugin inside a binary that serves several.
	EntryType   string `json:"entryType"`
	Version     string `json:"version"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}

// ParseManifest validates data against the manifest schema and decodes it.
func ParseManifest(data []byte) (*Manifest, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(manifestSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if !result.Valid() {
		var errorMessages []string
		for _, desc := range result.Errors() {
			errorMessages = append(errorMessages, desc.String())
		}
		return nil, fmt.Errorf("manifest schema validation failed:\n  - %s", strings.Join(errorMessages, "\n  - "))
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// ReadManifest reads and parses the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

// ModulePath resolves the module binary inside the package directory dir.
func (m *Manifest) ModulePath(dir string) string {
	return filepath.Join(dir, filepath.Base(m.Module))
}

// Title is the display name, falling back to the plugin name.
func (m *Manifest) Title() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Name
}
