// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors configuration files and reloads on change. Reloaded
// configurations that fail validation are logged and discarded.
type Watcher struct {
	mu        sync.RWMutex
	paths     []string
	debounce  time.Duration
	loader    func() (*Config, error)
	config    *Config
	listeners []func(*Config)
	logger    *slog.Logger

	fs      *fsnotify.Watcher
	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	started atomic.Bool
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last file event
// before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithLoader replaces how a configuration is produced on reload, e.g. to
// re-apply command line overrides.
func WithLoader(fn func() (*Config, error)) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.loader = fn
		}
	}
}

// NewWatcher creates a watcher for paths. The default loader reads the first
// path only; changes to any path trigger a reload. Use WithLoader to merge
// profile overlays or command line overrides.
func NewWatcher(paths []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		paths:    paths,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	w.loader = w.loadPaths
	for _, opt := range opts {
		opt(w)
	}

	cfg, err := w.loader()
	if err != nil {
		return nil, fmt.Errorf("load initial config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w.config = cfg

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Directories are watched so editors that replace files on save are
	// still seen.
	dirs := make(map[string]struct{})
	for _, p := range paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.fs = fs
	return w, nil
}

// OnChange registers a callback to be called when config changes.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start watches in the background until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.started.Store(true)
	go func() { _ = w.Run(ctx) }()
}

// Run watches until ctx is done or Stop is called. It always returns nil
// once stopped.
func (w *Watcher) Run(ctx context.Context) error {
	w.started.Store(true)
	defer close(w.doneCh)
	defer w.fs.Close()

	for {
		select {
		case <-ctx.Done():
			w.cancelTimer()
			return nil
		case <-w.stopCh:
			w.cancelTimer()
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.watched(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// Stop stops the watcher and waits for Run to return. Calling it on a
// watcher that was never started only releases the file watcher.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	if !w.started.Load() {
		w.fs.Close()
		return
	}
	<-w.doneCh
}

func (w *Watcher) watched(name string) bool {
	clean := filepath.Clean(name)
	for _, p := range w.paths {
		if filepath.Clean(p) == clean {
			return true
		}
	}
	return false
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) cancelTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	w.logger.Info("config file changed, reloading")

	cfg, err := w.loader()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Error("failed to reload config, keeping previous", "error", err)
		return
	}

	w.mu.Lock()
	w.config = cfg
	listeners := make([]func(*Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.logger.Info("config reloaded successfully")

	for _, fn := range listeners {
		fn(cfg)
	}
}

func (w *Watcher) loadPaths() (*Config, error) {
	if len(w.paths) == 0 {
		return Load("")
	}
	return Load(w.paths[0])
}

// WatchConfig creates a watcher for configPath and the profile overlays
// found next to it, and starts watching.
func WatchConfig(ctx context.Context, configPath string, opts ...WatcherOption) (*Watcher, *Config, error) {
	paths := []string{}
	if configPath != "" {
		paths = append(paths, configPath)
		for _, profile := range []string{"dev", "prod", "staging", "local"} {
			if overlay := profileConfigPath(configPath, profile); overlay != "" {
				paths = append(paths, overlay)
			}
		}
	}

	watcher, err := NewWatcher(paths, opts...)
	if err != nil {
		return nil, nil, err
	}
	watcher.Start(ctx)
	return watcher, watcher.Config(), nil
}

// ReloadableConfig provides a thread-safe wrapper around Config
// that can be atomically updated.
type ReloadableConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewReloadableConfig creates a new reloadable config wrapper.
func NewReloadableConfig(cfg *Config) *ReloadableConfig {
	return &ReloadableConfig{config: cfg}
}

// Get returns the current configuration.
func (r *ReloadableConfig) Get() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Update atomically replaces the configuration.
func (r *ReloadableConfig) Update(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
}

func (r *ReloadableConfig) Retry() RetryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Retry
}

func (r *ReloadableConfig) Metrics() MetricsConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Metrics
}

func (r *ReloadableConfig) Fallback() FallbackConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Fallback
}

// Log returns the log configuration.
func (r *ReloadableConfig) Log() LogConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config.Log
}
