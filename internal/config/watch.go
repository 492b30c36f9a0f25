package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a scenario file and emits its controls block whenever
// the file changes on disk, turning the YAML file into a live control
// surface. The loop watches the parent directory, filters on the file's
// own path, reloads on write, and suppresses no-op changes.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	watching bool
}

// NewWatcher prepares a Watcher for path. Watch must be called to start
// it.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	return &Watcher{path: filepath.Clean(path), watcher: fw}, nil
}

// Watch starts the watch loop and returns a channel of changed controls
// blocks and a channel of watch/decode errors. Both close when ctx is
// cancelled or Close is called. Calling Watch twice returns closed
// channels.
func (w *Watcher) Watch(ctx context.Context) (<-chan map[string]any, <-chan error) {
	changes := make(chan map[string]any, 10)
	errs := make(chan error, 10)

	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		close(changes)
		close(errs)
		return changes, errs
	}
	// Watching the directory rather than the file survives the
	// rename-then-create dance most editors save with.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Unlock()
		errs <- fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
		close(changes)
		close(errs)
		return changes, errs
	}
	w.watching = true
	w.mu.Unlock()

	go func() {
		defer close(changes)
		defer close(errs)
		var last map[string]any
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(w.path)
				if err != nil {
					errs <- err
					continue
				}
				if reflect.DeepEqual(last, cfg.Controls) {
					continue
				}
				last = cfg.Controls
				select {
				case changes <- cfg.Controls:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				errs <- err
			case <-ctx.Done():
				return
			}
		}
	}()
	return changes, errs
}

// Close stops the watch loop and releases the underlying file watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watching = false
	return w.watcher.Close()
}
