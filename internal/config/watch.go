package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moltbunker/walletlink/internal/logging"
)

const defaultReloadDelay = 100 * time.Millisecond

// Watcher reloads a config file whenever it changes on disk
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	delay   time.Duration
}

// NewWatcher starts watching the directory holding path. Watching the
// directory keeps editors that replace the file by rename visible.
func NewWatcher(path string) (*Watcher, error) {
	path = filepath.Clean(expandPath(path))

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	return &Watcher{path: path, watcher: fw, delay: defaultReloadDelay}, nil
}

// Run calls fn with each reloaded config, or the load error, until ctx is
// done. Bursts of events within the reload delay produce one reload.
func (w *Watcher) Run(ctx context.Context, fn func(*Config, error)) {
	defer w.watcher.Close()

	timer := time.NewTimer(w.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				timer.Reset(w.delay)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("config watcher error",
				logging.Component("config"),
				logging.Err(err))
		case <-timer.C:
			cfg, err := Load(w.path)
			if err != nil {
				logging.Warn("config reload failed",
					logging.Component("config"),
					"path", w.path,
					logging.Err(err))
			} else {
				logging.Info("config reloaded",
					logging.Component("config"),
					"path", w.path)
			}
			fn(cfg, err)
		}
	}
}

// Watch blocks, reloading path on change, until ctx is done
func Watch(ctx context.Context, path string, fn func(*Config, error)) error {
	w, err := NewWatcher(path)
	if err != nil {
		return err
	}
	w.Run(ctx, fn)
	return nil
}
