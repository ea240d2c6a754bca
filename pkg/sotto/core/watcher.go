// watcher.go hot-reloads the config file so classification policy and
// cadence windows can change without a restart. Replayed buffer content
// re-runs the gate, so a policy tightened while a device was offline
// applies before anything buffered under the old policy is spoken.
package core

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher watches a config file and invokes a callback on change.
type ConfigWatcher struct {
	path     string
	onChange func(cfg *Config)
	logger   *slog.Logger
}

// NewConfigWatcher creates a watcher for the given config path.
func NewConfigWatcher(path string, onChange func(cfg *Config), logger *slog.Logger) *ConfigWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigWatcher{
		path:     path,
		onChange: onChange,
		logger:   logger.With("component", "config_watcher"),
	}
}

// Start begins watching in a background goroutine until ctx is cancelled.
// Editors often replace files instead of writing in place, so the parent
// directory is watched and events are filtered by filename.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		// Debounce: editors fire multiple events per save.
		var pending <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(300 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", "error", err)
			case <-pending:
				pending = nil
				w.reload()
			}
		}
	}()

	w.logger.Info("config watcher started", "path", w.path)
	return nil
}

func (w *ConfigWatcher) reload() {
	cfg, err := LoadConfigFromFile(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping current config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
