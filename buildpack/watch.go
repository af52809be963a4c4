package buildpack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 500 * time.Millisecond

// Watch reloads the user buildpacks whenever the buildpacks directory changes until ctx is done
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create buildpacks directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to watch buildpacks: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := r.watchTree(watcher); err != nil {
		return err
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			// editors write in bursts, reload once things settle
			timer.Reset(reloadDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Buildpack watcher error", "operation", "Watch", "error", err)
		case <-timer.C:
			if err := r.Load(); err != nil {
				r.logger.Error("Failed to reload buildpacks", "operation", "Watch", "error", err)
			}
		}
	}
}

// watchTree watches the buildpacks directory and every buildpack directory below it
func (r *Registry) watchTree(watcher *fsnotify.Watcher) error {
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := watcher.Add(filepath.Join(r.dir, entry.Name())); err != nil {
				return fmt.Errorf("failed to watch %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}
