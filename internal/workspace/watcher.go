package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kozaktomas/facegallery/internal/constants"
	"github.com/kozaktomas/facegallery/internal/logging"
	"github.com/kozaktomas/facegallery/internal/metrics"
)

// RebuildRequester queues a background rebuild.
type RebuildRequester interface {
	Schedule(userID string) bool
}

// GalleryWatcher schedules rebuilds when files change under the gallery
// root. Events are batched for the debounce window, then every touched
// user is scheduled once.
type GalleryWatcher struct {
	root     string
	sched    RebuildRequester
	debounce time.Duration
}

// NewGalleryWatcher creates a watcher. A zero debounce uses the default.
func NewGalleryWatcher(root string, sched RebuildRequester, debounce time.Duration) *GalleryWatcher {
	if debounce <= 0 {
		debounce = constants.DefaultWatchDebounce
	}
	return &GalleryWatcher{root: root, sched: sched, debounce: debounce}
}

func (w *GalleryWatcher) String() string { return "gallery-watcher" }

// Serve watches until ctx is done.
func (w *GalleryWatcher) Serve(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o750); err != nil {
		return fmt.Errorf("create gallery root: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addRecursive(watcher, w.root); err != nil {
		return err
	}
	logging.Info().Str("root", w.root).Dur("debounce", w.debounce).Msg("watching gallery")

	batch := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(watcher, event.Name); err != nil {
						logging.Warn().Err(err).Str("path", event.Name).Msg("failed to watch directory")
					}
				}
			}
			userID, ok := w.userOf(event.Name)
			if !ok || event.Op == fsnotify.Chmod {
				continue
			}
			batch[userID] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			for userID := range batch {
				metrics.WatcherEvents.Inc()
				w.sched.Schedule(userID)
				logging.Debug().Str("user", userID).Msg("gallery changed on disk, rebuild scheduled")
			}
			clear(batch)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn().Err(err).Msg("gallery watcher error")
		}
	}
}

func (w *GalleryWatcher) addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != w.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// userOf maps a path under the root to the user directory it belongs to.
// Dot-files are in-flight temporaries and never count.
func (w *GalleryWatcher) userOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 || strings.HasPrefix(parts[0], ".") {
		return "", false
	}
	return parts[0], true
}
