package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ospreyproxy/osprey/internal/logging"
)

// ReloadFunc receives the previous and the freshly loaded configuration.
// Returning an error aborts the reload; the previous config stays current.
type ReloadFunc func(old, fresh *Config) error

// Watcher reloads the configuration file when it changes on disk. It
// watches the parent directory rather than the file itself, so editors
// and deploy tools that replace the file by rename keep working. Change
// bursts are coalesced: a reload only fires after the file has been
// quiet for the configured period.
type Watcher struct {
	path   string
	loader *Loader
	fsw    *fsnotify.Watcher
	quiet  time.Duration

	mu        sync.Mutex
	current   *Config
	callbacks []ReloadFunc

	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher prepares a watcher for the given config file.
func NewWatcher(path string, loader *Loader) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		path:   abs,
		loader: loader,
		fsw:    fsw,
		quiet:  2 * time.Second,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// OnReload registers a callback to run on every successful reload.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// SetQuietPeriod overrides the coalescing window.
func (w *Watcher) SetQuietPeriod(d time.Duration) {
	w.quiet = d
}

// Start begins watching. current is the configuration in effect now; it
// becomes the "old" argument of the first reload.
func (w *Watcher) Start(current *Config) error {
	w.mu.Lock()
	w.current = current
	w.mu.Unlock()

	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	logging.Info("Config watcher started for %s", w.path)

	w.started = true
	go w.run()
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() error {
	close(w.stop)
	err := w.fsw.Close()
	if w.started {
		<-w.done
	}
	return err
}

func (w *Watcher) run() {
	defer close(w.done)

	var due <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.concerns(ev) {
				due = time.After(w.quiet)
			}

		case <-due:
			due = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("Config watcher error: %v", err)

		case <-w.stop:
			return
		}
	}
}

// concerns reports whether a directory event is about our file changing
// content or being swapped in.
func (w *Watcher) concerns(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(ev.Name) == w.path
}

func (w *Watcher) reload() {
	fresh, err := w.loader.Load(w.path)
	if err != nil {
		logging.Warn("Config reload failed, keeping previous config: %v", err)
		return
	}

	w.mu.Lock()
	old := w.current
	callbacks := append([]ReloadFunc(nil), w.callbacks...)
	w.mu.Unlock()

	for _, fn := range callbacks {
		if err := fn(old, fresh); err != nil {
			logging.Warn("Config reload rejected: %v", err)
			return
		}
	}

	w.mu.Lock()
	w.current = fresh
	w.mu.Unlock()
	logging.Info("Configuration reloaded from %s", w.path)
}
