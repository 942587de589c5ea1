package plugins_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsbroker/internal/plugins"
	"github.com/systmms/dsbroker/pkg/plugin"
)

func TestPackage(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "dsbroker-plugins")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\n"), 0755))
	out := t.TempDir()

	manifests, err := plugins.Package(out, src)
	require.NoError(t, err)
	require.Len(t, manifests, len(plugins.Builtins()))

	for _, m := range manifests {
		dir := filepath.Join(out, m.Name)
		read, err := plugin.ReadManifest(filepath.Join(dir, plugin.ManifestFileName))
		require.NoError(t, err, m.Name)
		assert.Equal(t, m.Name, read.EntryType)
		assert.Equal(t, "dsbroker-plugins", read.Module)
		assert.NotEmpty(t, read.DisplayName)

		info, err := os.Stat(read.ModulePath(dir))
		require.NoError(t, err)
		assert.NotZero(t, info.Mode().Perm()&0111, "module copy is executable")
	}
}

func TestPackage_MissingModule(t *testing.T) {
	t.Parallel()

	_, err := plugins.Package(t.TempDir(), filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
