package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes and hands every
// valid result to the registered callbacks. Invalid edits are logged and
// skipped, so callbacks only ever see validated configurations.
//
// The parent directory is watched rather than the file, so editors that
// save by writing a temp file and renaming it over the original keep
// triggering reloads.
type Watcher struct {
	fs       *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	callbacks []func(*Config)
	running   bool

	stopOnce sync.Once
	stopped  chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long a burst of file events must settle before a
// reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the logger used for reload failures.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher starts observing configPath. Reloads reuse the overrides of
// the loader's last successful Load. Changes made after NewWatcher
// returns are picked up once Watch runs.
func NewWatcher(configPath string, loader *Loader, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, errors.New("config path is required for watching")
	}
	if loader == nil {
		loader = NewLoader()
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		fs:       fsw,
		loader:   loader,
		path:     abs,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Watch dispatches reloads until ctx is done or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	var settle *time.Timer
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopped:
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Reload(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous values", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		w.invoke(cb, cfg)
	}
}

func (w *Watcher) invoke(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("config callback panic", "panic", r)
		}
	}()
	cb(cfg)
}

// OnChange registers a callback. Callbacks run in registration order.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Stop ends Watch and releases the fsnotify watcher. It is idempotent.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopped)
		err = w.fs.Close()
	})
	return err
}

// ConfigPath returns the absolute path being watched.
func (w *Watcher) ConfigPath() string { return w.path }

// HotReloadableConfig holds the settings applied without a restart.
type HotReloadableConfig struct {
	LogLevel            string
	NegativeThreshold   float64
	ConfidenceThreshold float64
	ForbiddenActions    []string
}

// ExtractHotReloadable copies the hot-reloadable settings out of cfg.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:            cfg.Log.Level,
		NegativeThreshold:   cfg.Escalation.NegativeThreshold,
		ConfidenceThreshold: cfg.Escalation.ConfidenceThreshold,
		ForbiddenActions:    slices.Clone(cfg.Scoring.ForbiddenActions),
	}
}

// Changed reports whether any hot-reloadable value differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h.LogLevel != other.LogLevel ||
		h.NegativeThreshold != other.NegativeThreshold ||
		h.ConfidenceThreshold != other.ConfidenceThreshold ||
		!slices.Equal(h.ForbiddenActions, other.ForbiddenActions)
}
