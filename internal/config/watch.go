package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadFunc is called with the freshly loaded configuration after the
// backing file changes. It returns an error if the new configuration could
// not be applied; the watcher logs it and keeps watching.
type ReloadFunc func(*Config) error

// Watcher reloads configuration on file change without restarting the
// process and hands the result to its ReloadFunc. It does not touch any
// client/server façade itself; the core never re-binds in place (spec.md §6,
// "Bound point lifecycle to the core").
type Watcher struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	closed  bool
}

// WatchAndReload starts watching configPath and invokes fn with each
// successfully reloaded Config. The returned Watcher must be closed by the
// caller.
func WatchAndReload(configPath string, logger *zap.Logger, fn ReloadFunc) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	dir := filepath.Dir(configPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{path: filepath.Clean(configPath), logger: logger, watcher: fw}
	go w.loop(configPath, fn)
	return w, nil
}

func (w *Watcher) loop(configPath string, fn ReloadFunc) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(configPath)
			if err != nil {
				w.logger.Warn("config reload failed", zap.Error(err))
				continue
			}
			if err := fn(cfg); err != nil {
				w.logger.Warn("config reload rejected", zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.String("path", configPath))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}
