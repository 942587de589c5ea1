package loader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/systmms/dsbroker/pkg/plugin"
)

// Install copies the plugin package in srcDir into pluginDir/<name>. A loaded
// plugin of that name is unloaded first so its module file can be
// overwritten. The manifest is written last; a running Watcher loads the
// package once it settles.
func Install(ctx context.Context, r *Registry, pluginDir, srcDir string) (*plugin.Manifest, error) {
	m, err := plugin.ReadManifest(filepath.Join(srcDir, plugin.ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("invalid plugin package %s: %w", srcDir, err)
	}
	if _, err := os.Stat(m.ModulePath(srcDir)); err != nil {
		return nil, fmt.Errorf("plugin package %s is missing its module: %w", srcDir, err)
	}

	if err := r.Unload(ctx, m.Name); err != nil && !isNotLoaded(err) {
		return nil, err
	}

	dest := filepath.Join(pluginDir, m.Name)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", srcDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == plugin.ManifestFileName {
			continue
		}
		if err := copyFile(filepath.Join(srcDir, e.Name()), filepath.Join(dest, e.Name())); err != nil {
			return nil, err
		}
	}
	if err := copyFile(filepath.Join(srcDir, plugin.ManifestFileName), filepath.Join(dest, plugin.ManifestFileName)); err != nil {
		return nil, err
	}
	return m, nil
}

// Uninstall unloads name and deletes its package directory.
func Uninstall(ctx context.Context, r *Registry, pluginDir, name string) error {
	dir := filepath.Join(pluginDir, name)
	if info, err := r.Get(name); err == nil {
		dir = info.Dir
	}
	if err := r.Unload(ctx, name); err != nil && !isNotLoaded(err) {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}

// copyFile replaces dst with src, keeping the mode bits.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to install %s: %w", dst, err)
	}
	return nil
}
