package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/systmms/dsbroker/internal/logging"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// DefaultSettleDelay is the quiet period after a manifest event before the
// package is (re)loaded, so a partially written file is never read.
const DefaultSettleDelay = 500 * time.Millisecond

// Watcher discovers plugin packages: one sub-directory of dir per plugin,
// each holding a manifest.
type Watcher struct {
	dir      string
	settle   time.Duration
	registry *Registry
	logger   *logging.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	loads   sync.WaitGroup

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher creates a watcher for dir. Nothing happens until Start.
func NewWatcher(dir string, settle time.Duration, registry *Registry, logger *logging.Logger) *Watcher {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{
		dir:      dir,
		settle:   settle,
		registry: registry,
		logger:   logger.With("discovery"),
		timers:   make(map[string]*time.Timer),
	}
}

// Start loads every package already present, then watches for changes. A
// package that fails to load is logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create plugin directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.watcher = fw
	w.ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))
	w.done = make(chan struct{})

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to read plugin directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pkgDir := filepath.Join(w.dir, e.Name())
		w.watchPackage(pkgDir)
		if _, err := os.Stat(filepath.Join(pkgDir, plugin.ManifestFileName)); err == nil {
			// Failure is already logged by the registry.
			_ = w.registry.Load(w.ctx, pkgDir)
		}
	}

	go w.loop()
	w.logger.Info("Watching %s for plugin packages", w.dir)
	return nil
}

// Stop ends discovery and waits for pending loads. Loaded plugins stay
// loaded.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	<-w.done

	w.mu.Lock()
	for dir, t := range w.timers {
		if t.Stop() {
			w.loads.Done()
		}
		delete(w.timers, dir)
	}
	w.mu.Unlock()

	w.loads.Wait()
	w.cancel()
	w.watcher = nil
}

func (w *Watcher) watchPackage(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("Cannot watch %s: %v", dir, err)
	}
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(w.dir, event.Name)
	if err != nil {
		return
	}

	switch filepath.Dir(rel) {
	case ".":
		// A package directory itself.
		switch {
		case event.Has(fsnotify.Create):
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				w.watchPackage(event.Name)
				if _, err := os.Stat(filepath.Join(event.Name, plugin.ManifestFileName)); err == nil {
					w.schedule(event.Name)
				}
			}
		case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
			w.unload(event.Name)
		}
	default:
		if filepath.Base(rel) != plugin.ManifestFileName || filepath.Dir(filepath.Dir(rel)) != "." {
			return
		}
		pkgDir := filepath.Dir(event.Name)
		switch {
		case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
			w.schedule(pkgDir)
		case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
			w.unload(pkgDir)
		}
	}
}

// schedule (re)loads pkgDir once no event has touched it for the settle delay.
func (w *Watcher) schedule(pkgDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[pkgDir]; ok && t.Stop() {
		w.loads.Done()
	}
	w.loads.Add(1)
	w.timers[pkgDir] = time.AfterFunc(w.settle, func() {
		defer w.loads.Done()

		w.mu.Lock()
		delete(w.timers, pkgDir)
		w.mu.Unlock()

		// Install loads the package itself after writing the manifest.
		if info, err := os.Stat(filepath.Join(pkgDir, plugin.ManifestFileName)); err == nil && w.registry.loadedSince(pkgDir, info.ModTime()) {
			w.logger.Debug("Settled: %s is already loaded", pkgDir)
			return
		}
		w.logger.Debug("Settled: loading %s", pkgDir)
		_ = w.registry.Load(w.ctx, pkgDir)
	})
}

func (w *Watcher) unload(pkgDir string) {
	w.mu.Lock()
	if t, ok := w.timers[pkgDir]; ok {
		if t.Stop() {
			w.loads.Done()
		}
		delete(w.timers, pkgDir)
	}
	w.mu.Unlock()

	if err := w.registry.UnloadDir(w.ctx, pkgDir); err != nil && !isNotLoaded(err) {
		w.logger.Warn("Unloading %s: %v", pkgDir, err)
	}
}
