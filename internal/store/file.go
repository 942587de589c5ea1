package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	mappingsDir    = "mappings"
	pluginsDir     = "plugins"
	reverseFlowDir = "reverse-flow"
)

// FileStore keeps one JSON file per record under baseDir.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file-backed store rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// DefaultStoreDir returns the default file store directory.
func DefaultStoreDir() string {
	if dir := os.Getenv("DSBROKER_STORE_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "dsbroker")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "dsbroker")
	}

	return filepath.Join(os.TempDir(), "dsbroker")
}

func (fs *FileStore) path(kind, name string) string {
	return filepath.Join(fs.baseDir, kind, sanitizeFilename(name)+".json")
}

func (fs *FileStore) write(kind, name string, v interface{}) error {
	dir := filepath.Join(fs.baseDir, kind)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", kind, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}

	// Write then rename so readers never see a partial file.
	final := fs.path(kind, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s file: %w", kind, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s file: %w", kind, err)
	}
	return nil
}

// read returns false when the record does not exist.
func (fs *FileStore) read(kind, name string, v interface{}) (bool, error) {
	data, err := os.ReadFile(fs.path(kind, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s file: %w", kind, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s record %s: %w", kind, name, err)
	}
	return true, nil
}

func (fs *FileStore) remove(kind, name string) error {
	if err := os.Remove(fs.path(kind, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s file: %w", kind, err)
	}
	return nil
}

// readAll decodes every record of kind, calling decode once per file.
func (fs *FileStore) readAll(kind string, decode func(data []byte) error) error {
	dir := filepath.Join(fs.baseDir, kind)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s directory: %w", kind, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s file: %w", kind, err)
		}
		if err := decode(data); err != nil {
			return fmt.Errorf("failed to unmarshal %s file %s: %w", kind, file.Name(), err)
		}
	}
	return nil
}

func (fs *FileStore) GetMappings(context.Context) ([]Mapping, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []Mapping
	err := fs.readAll(mappingsDir, func(data []byte) error {
		var m Mapping
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (fs *FileStore) GetMappingsForPlugin(ctx context.Context, pluginName string) ([]Mapping, error) {
	all, err := fs.GetMappings(ctx)
	if err != nil {
		return nil, err
	}
	return filterMappings(all, func(m Mapping) bool { return m.PluginName == pluginName }), nil
}

func (fs *FileStore) GetMappingsForHandle(ctx context.Context, handle string) ([]Mapping, error) {
	all, err := fs.GetMappings(ctx)
	if err != nil {
		return nil, err
	}
	return filterMappings(all, func(m Mapping) bool { return m.SecretHandle == handle }), nil
}

func (fs *FileStore) GetMapping(_ context.Context, key string) (*Mapping, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var m Mapping
	found, err := fs.read(mappingsDir, key, &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (fs *FileStore) Upsert(_ context.Context, m Mapping) error {
	if err := m.Normalize(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.write(mappingsDir, m.Key, m)
}

func (fs *FileStore) DeleteByKey(_ context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.remove(mappingsDir, key)
}

func (fs *FileStore) DeleteAll(context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(fs.baseDir, mappingsDir)); err != nil {
		return fmt.Errorf("failed to delete mappings: %w", err)
	}
	return nil
}

func (fs *FileStore) GetPluginSettings(_ context.Context, name string) (*PluginSettings, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var ps PluginSettings
	found, err := fs.read(pluginsDir, name, &ps)
	if err != nil || !found {
		return nil, err
	}
	return &ps, nil
}

func (fs *FileStore) SavePluginSettings(_ context.Context, ps PluginSettings) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.write(pluginsDir, ps.Name, ps)
}

func (fs *FileStore) ListPluginSettings(context.Context) ([]PluginSettings, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []PluginSettings
	err := fs.readAll(pluginsDir, func(data []byte) error {
		var ps PluginSettings
		if err := json.Unmarshal(data, &ps); err != nil {
			return err
		}
		out = append(out, ps)
		return nil
	})
	return out, err
}

func (fs *FileStore) DeletePluginSettings(_ context.Context, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.remove(pluginsDir, name)
}

func (fs *FileStore) GetReverseFlowState(_ context.Context, pluginName string) (*ReverseFlowState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var st ReverseFlowState
	found, err := fs.read(reverseFlowDir, pluginName, &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

func (fs *FileStore) SaveReverseFlowState(_ context.Context, st ReverseFlowState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.write(reverseFlowDir, st.PluginName, st)
}

func (fs *FileStore) ListReverseFlowStates(context.Context) ([]ReverseFlowState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var out []ReverseFlowState
	err := fs.readAll(reverseFlowDir, func(data []byte) error {
		var st ReverseFlowState
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		out = append(out, st)
		return nil
	})
	return out, err
}

func (fs *FileStore) DeleteReverseFlowState(_ context.Context, pluginName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.remove(reverseFlowDir, pluginName)
}

func (fs *FileStore) Close() error { return nil }

// sanitizeFilename escapes a record name into a single path element.
// Escaping is reversible so distinct names never share a file.
func sanitizeFilename(name string) string {
	return url.PathEscape(name)
}
