package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the rate-limit and pool-cap knobs from disk whenever a
// file in the root config file's directory is written or created; an
// $include target in another directory is not watched. Provider
// credentials and listen addresses are read once at startup and require a
// restart; only the fields applyHotReload copies are live.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.RWMutex
	current *Config

	debounce time.Duration
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher builds a Watcher bound to the root config file at path. Call
// Run in its own goroutine; call Close to stop watching.
func NewWatcher(path string, initial *Config, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		watcher:  w,
		logger:   logger.With("component", "config_watcher"),
		current:  initial,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Current returns the most recently reloaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches for changes until Close is called. Reload errors are logged
// and the previous config is kept in place.
func (w *Watcher) Run() {
	var debounceTimer *time.Timer
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "error", err)
		return
	}

	w.mu.Lock()
	if w.current != nil {
		applyHotReload(w.current, next)
	}
	w.current = next
	w.mu.Unlock()
	w.logger.Info("config reloaded", "path", w.path)
}

// applyHotReload copies only the fields that are safe to change without a
// restart onto next, overwriting whatever the freshly-loaded file says for
// everything else so credentials and listen addresses stay pinned to the
// values read at process start.
func applyHotReload(prev, next *Config) {
	live := next.Gateway.RateLimit
	liveMCP := next.Tools.MCP
	*next = *prev
	next.Gateway.RateLimit = live
	next.Tools.MCP = liveMCP
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.done) })
	return w.watcher.Close()
}
