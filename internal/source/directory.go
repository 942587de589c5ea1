package source

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/systmms/dsbroker/internal/logging"
	"github.com/systmms/dsbroker/internal/secure"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// DefaultSettleDelay is how long a file must be quiet before a change
// notification is emitted for it.
const DefaultSettleDelay = 200 * time.Millisecond

// DirectorySource is a local source of truth: each credential is a file
// <root>/<asset>/<account>.<kind>. Writing a file is a credential change.
type DirectorySource struct {
	root        string
	settleDelay time.Duration
	logger      *logging.Logger

	mu     sync.Mutex
	subs   map[Subscription]*directorySubscription
	nextID int
}

type directorySubscription struct {
	watcher *fsnotify.Watcher
	handles map[string]bool
	onEvent EventFunc
	done    chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
}

var _ Source = (*DirectorySource)(nil)

// NewDirectorySource serves credentials from root.
func NewDirectorySource(root string, settleDelay time.Duration, logger *logging.Logger) *DirectorySource {
	if settleDelay <= 0 {
		settleDelay = DefaultSettleDelay
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &DirectorySource{
		root:        root,
		settleDelay: settleDelay,
		logger:      logger.With("source"),
		subs:        make(map[Subscription]*directorySubscription),
	}
}

func (d *DirectorySource) path(handle string, kind plugin.Kind) (string, error) {
	asset, account, err := SplitHandle(handle)
	if err != nil {
		return "", err
	}
	if !kind.Valid() {
		return "", fmt.Errorf("unknown credential kind %q", kind)
	}
	return filepath.Join(d.root, asset, account+"."+string(kind)), nil
}

func (d *DirectorySource) RetrieveSecret(_ context.Context, handle string, kind plugin.Kind) (*secure.ScopedSecret, error) {
	path, err := d.path(handle, kind)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrSecretNotFound, handle, kind)
		}
		return nil, fmt.Errorf("failed to read secret %s: %w", handle, err)
	}
	trimmed := bytes.TrimRight(data, "\r\n")
	s := secure.NewScopedSecret(trimmed)
	for i := range data {
		data[i] = 0
	}
	return s, nil
}

func (d *DirectorySource) UpdateSecret(_ context.Context, handle string, kind plugin.Kind, value *secure.ScopedSecret) error {
	path, err := d.path(handle, kind)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create asset directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", handle, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write secret %s: %w", handle, err)
	}
	return nil
}

func (d *DirectorySource) Subscribe(_ context.Context, handles []string, onEvent EventFunc) (Subscription, error) {
	if err := os.MkdirAll(d.root, 0700); err != nil {
		return "", fmt.Errorf("failed to create source directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("failed to create watcher: %w", err)
	}

	sub := &directorySubscription{
		watcher: watcher,
		handles: make(map[string]bool, len(handles)),
		onEvent: onEvent,
		done:    make(chan struct{}),
		timers:  make(map[string]*time.Timer),
	}

	watched := map[string]bool{}
	for _, h := range handles {
		asset, _, err := SplitHandle(h)
		if err != nil {
			_ = watcher.Close()
			return "", err
		}
		sub.handles[h] = true
		watched[asset] = true
	}

	if err := watcher.Add(d.root); err != nil {
		_ = watcher.Close()
		return "", fmt.Errorf("failed to watch %s: %w", d.root, err)
	}
	for asset := range watched {
		dir := filepath.Join(d.root, asset)
		if err := watcher.Add(dir); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("Cannot watch %s: %v", dir, err)
		}
	}

	d.mu.Lock()
	d.nextID++
	id := Subscription(fmt.Sprintf("dir-%d", d.nextID))
	d.subs[id] = sub
	d.mu.Unlock()

	go d.watch(sub)
	return id, nil
}

func (d *DirectorySource) watch(sub *directorySubscription) {
	defer close(sub.done)

	for {
		select {
		case event, ok := <-sub.watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(sub, event)
		case err, ok := <-sub.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("Watcher error: %v", err)
		}
	}
}

func (d *DirectorySource) handleEvent(sub *directorySubscription, event fsnotify.Event) {
	rel, err := filepath.Rel(d.root, event.Name)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	// A new asset directory: start watching it if a subscribed handle lives there.
	if len(parts) == 1 && event.Has(fsnotify.Create) {
		prefix := parts[0] + "/"
		for h := range sub.handles {
			if strings.HasPrefix(h, prefix) {
				if err := sub.watcher.Add(event.Name); err != nil {
					d.logger.Warn("Cannot watch %s: %v", event.Name, err)
				}
				break
			}
		}
		return
	}

	if len(parts) != 2 || !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
		return
	}
	ext := filepath.Ext(parts[1])
	if !plugin.Kind(strings.TrimPrefix(ext, ".")).Valid() {
		return
	}
	asset, account := parts[0], strings.TrimSuffix(parts[1], ext)
	handle := Handle(asset, account)
	if !sub.handles[handle] {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if t, ok := sub.timers[handle]; ok {
		t.Stop()
	}
	body := EncodeEvent(Event{AssetName: asset, AccountName: account})
	sub.timers[handle] = time.AfterFunc(d.settleDelay, func() {
		sub.mu.Lock()
		delete(sub.timers, handle)
		sub.mu.Unlock()
		d.logger.Debug("Change detected for %s", handle)
		sub.onEvent(EventCredentialChanged, body)
	})
}

func (d *DirectorySource) Unsubscribe(_ context.Context, id Subscription) error {
	d.mu.Lock()
	sub, ok := d.subs[id]
	delete(d.subs, id)
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown subscription %s", id)
	}

	err := sub.watcher.Close()
	<-sub.done

	sub.mu.Lock()
	for _, t := range sub.timers {
		t.Stop()
	}
	sub.timers = map[string]*time.Timer{}
	sub.mu.Unlock()
	return err
}
