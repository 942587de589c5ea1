package plugins

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// Package lays out one installable plugin package per builtin under outDir:
// <outDir>/<entry>/ holding a copy of module and a manifest selecting the
// entry type. The resulting directories can be passed to an install.
func Package(outDir, module string) ([]*plugin.Manifest, error) {
	builtins := Builtins()
	entries := make([]string, 0, len(builtins))
	for entry := range builtins {
		entries = append(entries, entry)
	}
	sort.Strings(entries)

	moduleName := filepath.Base(module)
	manifests := make([]*plugin.Manifest, 0, len(entries))
	for _, entry := range entries {
		meta := builtins[entry].Metadata()
		m := &plugin.Manifest{
			Name:        entry,
			Module:      moduleName,
			EntryType:   entry,
			Version:     meta.Version,
			DisplayName: meta.DisplayName,
			Description: meta.Description,
		}

		dir := filepath.Join(outDir, entry)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create package directory: %w", err)
		}
		if err := copyModule(module, filepath.Join(dir, moduleName)); err != nil {
			return nil, err
		}

		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return nil, err
		}
		if _, err := plugin.ParseManifest(data); err != nil {
			return nil, fmt.Errorf("generated manifest for %s: %w", entry, err)
		}
		if err := os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write manifest: %w", err)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func copyModule(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open module: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return fmt.Errorf("failed to create module copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy module: %w", err)
	}
	return out.Close()
}
