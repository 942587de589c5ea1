// Package status keeps the last result of every plugin operation and every
// mapping push so the administrative surface can report failures.
package status

import (
	"sort"
	"sync"
	"time"
)

// Result values.
const (
	Success   = "success"
	Failure   = "failure"
	Skipped   = "skipped"
	Unchanged = "unchanged"
)

// Result is the outcome of one operation.
type Result struct {
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Plugin holds the last results for one plugin.
type Plugin struct {
	Name           string  `json:"name"`
	LastLoad       *Result `json:"lastLoad,omitempty"`
	LastPush       *Result `json:"lastPush,omitempty"`
	LastPull       *Result `json:"lastPull,omitempty"`
	LastConnection *Result `json:"lastConnectionTest,omitempty"`
}

// Mapping holds the last push result for one mapping.
type Mapping struct {
	Key        string `json:"key"`
	PluginName string `json:"pluginName"`
	LastPush   Result `json:"lastPush"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	plugins  map[string]*Plugin
	mappings map[string]*Mapping
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		plugins:  make(map[string]*Plugin),
		mappings: make(map[string]*Mapping),
		now:      time.Now,
	}
}

func (t *Tracker) result(status string, err error) *Result {
	r := &Result{Status: status, At: t.now()}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

// plugin returns the entry for name, creating it. Caller holds mu.
func (t *Tracker) plugin(name string) *Plugin {
	p, ok := t.plugins[name]
	if !ok {
		p = &Plugin{Name: name}
		t.plugins[name] = p
	}
	return p
}

// RecordPush records a mapping push outcome on the mapping and its plugin.
func (t *Tracker) RecordPush(mappingKey, pluginName, status string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.result(status, err)
	t.mappings[mappingKey] = &Mapping{Key: mappingKey, PluginName: pluginName, LastPush: *r}
	if status != Skipped {
		t.plugin(pluginName).LastPush = r
	}
}

// RecordPull records a reverse-flow outcome.
func (t *Tracker) RecordPull(pluginName, status string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plugin(pluginName).LastPull = t.result(status, err)
}

// RecordLoad records a load attempt.
func (t *Tracker) RecordLoad(pluginName string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := Success
	if err != nil {
		status = Failure
	}
	t.plugin(pluginName).LastLoad = t.result(status, err)
}

// RecordConnectionTest records a TestConnection outcome.
func (t *Tracker) RecordConnectionTest(pluginName string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := Success
	if !ok {
		status = Failure
	}
	t.plugin(pluginName).LastConnection = t.result(status, nil)
}

func (t *Tracker) Plugin(name string) (Plugin, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.plugins[name]
	if !ok {
		return Plugin{}, false
	}
	return *p, true
}

func (t *Tracker) Plugins() []Plugin {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Plugin, 0, len(t.plugins))
	for _, p := range t.plugins {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Tracker) Mapping(key string) (Mapping, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.mappings[key]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

func (t *Tracker) Mappings() []Mapping {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Mapping, 0, len(t.mappings))
	for _, m := range t.mappings {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ForgetPlugin drops a plugin and its mappings.
func (t *Tracker) ForgetPlugin(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.plugins, name)
	for key, m := range t.mappings {
		if m.PluginName == name {
			delete(t.mappings, key)
		}
	}
}

// ForgetMapping drops one mapping.
func (t *Tracker) ForgetMapping(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.mappings, key)
}

// ForgetMappings drops every mapping result.
func (t *Tracker) ForgetMappings() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappings = make(map[string]*Mapping)
}
