package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors config.yaml for changes using fsnotify and reloads it.
// A reload that fails to parse or validate is logged and ignored, so the
// running log keeps its previous settings.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher for the config file at path. onChange
// receives every successfully reloaded config.
//
// The directory is watched rather than the file so that editors which
// replace the file through a rename are still picked up.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(path, onChange)

	slog.Info("config watcher started", "path", path)
	return w, nil
}

// processEvents reads fsnotify events and reloads the config on writes to
// it. Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(path string, onChange func(*Config)) {
	name := filepath.Base(path)
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != name {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				slog.Error("config reload failed, keeping previous settings", "path", path, "error", err)
				continue
			}
			slog.Info("config changed, applying", "path", path)
			if onChange != nil {
				onChange(cfg)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("file watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
