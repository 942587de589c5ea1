package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory. Used in tests and for
// throwaway deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	mappings map[string]Mapping
	settings map[string]PluginSettings
	reverse  map[string]ReverseFlowState
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mappings: make(map[string]Mapping),
		settings: make(map[string]PluginSettings),
		reverse:  make(map[string]ReverseFlowState),
	}
}

func (s *MemoryStore) GetMappings(context.Context) ([]Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Mapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) GetMappingsForPlugin(ctx context.Context, pluginName string) ([]Mapping, error) {
	all, _ := s.GetMappings(ctx)
	return filterMappings(all, func(m Mapping) bool { return m.PluginName == pluginName }), nil
}

func (s *MemoryStore) GetMappingsForHandle(ctx context.Context, handle string) ([]Mapping, error) {
	all, _ := s.GetMappings(ctx)
	return filterMappings(all, func(m Mapping) bool { return m.SecretHandle == handle }), nil
}

func (s *MemoryStore) GetMapping(_ context.Context, key string) (*Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *MemoryStore) Upsert(_ context.Context, m Mapping) error {
	if err := m.Normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[m.Key] = m
	return nil
}

func (s *MemoryStore) DeleteByKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, key)
	return nil
}

func (s *MemoryStore) DeleteAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = make(map[string]Mapping)
	return nil
}

func (s *MemoryStore) GetPluginSettings(_ context.Context, name string) (*PluginSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.settings[name]
	if !ok {
		return nil, nil
	}
	ps.Configuration = cloneConfig(ps.Configuration)
	return &ps, nil
}

func (s *MemoryStore) SavePluginSettings(_ context.Context, ps PluginSettings) error {
	ps.Configuration = cloneConfig(ps.Configuration)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[ps.Name] = ps
	return nil
}

func (s *MemoryStore) ListPluginSettings(context.Context) ([]PluginSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PluginSettings, 0, len(s.settings))
	for _, ps := range s.settings {
		ps.Configuration = cloneConfig(ps.Configuration)
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) DeletePluginSettings(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.settings, name)
	return nil
}

func (s *MemoryStore) GetReverseFlowState(_ context.Context, pluginName string) (*ReverseFlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.reverse[pluginName]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *MemoryStore) SaveReverseFlowState(_ context.Context, st ReverseFlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverse[st.PluginName] = st
	return nil
}

func (s *MemoryStore) ListReverseFlowStates(context.Context) ([]ReverseFlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ReverseFlowState, 0, len(s.reverse))
	for _, st := range s.reverse {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginName < out[j].PluginName })
	return out, nil
}

func (s *MemoryStore) DeleteReverseFlowState(_ context.Context, pluginName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reverse, pluginName)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
