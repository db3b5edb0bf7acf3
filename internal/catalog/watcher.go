package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events an editor produces when
// saving a file into a single reload.
const reloadDebounce = 250 * time.Millisecond

// Watch monitors the catalog file and calls onChange with each
// successfully reloaded catalog. The parent directory is watched rather
// than the file itself so atomic replace-on-save is picked up. A file
// that fails to parse is logged and the previous catalog stays in effect.
// It blocks until the context is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Catalog)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving catalog path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching catalog dir: %w", err)
	}

	logger.Info("catalog watcher started", slog.String("path", abs))

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != abs {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			logger.Warn("catalog watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			cat, err := Load(abs)
			if err != nil {
				logger.Warn("catalog reload failed, keeping previous",
					slog.String("path", abs),
					slog.String("error", err.Error()),
				)

				continue
			}

			logger.Info("catalog reloaded", slog.Int("collections", len(cat.names)))
			onChange(cat)
		}
	}
}
