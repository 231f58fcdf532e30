// Package watch re-runs a registration whenever a new timepoint image lands
// in a watched folder.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"seqreg/internal/fsutil"
	"seqreg/internal/logging"
)

// Trigger receives the full, name sorted list of matching images each time
// the folder settles with a changed set of at least two images.
type Trigger func(ctx context.Context, images []string) error

// Config describes what to watch.
type Config struct {
	Dir string
	// Pattern filters primary images by base name (filepath.Match syntax);
	// empty matches every volume file.
	Pattern string
	// Settle is the quiet period after the last event before triggering,
	// so that images still being written are not picked up half done.
	Settle time.Duration
}

// Event is a relevant change in the watched folder.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// Watcher monitors one folder for timepoint images.
type Watcher struct {
	cfg     Config
	watcher *fsnotify.Watcher
	log     *slog.Logger
	last    []string
}

// New creates a watcher for cfg.Dir.
func New(cfg Config, log *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch directory required")
	}
	if cfg.Pattern != "" {
		if _, err := filepath.Match(cfg.Pattern, "x"); err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", cfg.Pattern, err)
		}
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(cfg.Dir); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{cfg: cfg, watcher: w, log: log}, nil
}

// Close releases the underlying inotify handle.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Matching lists the images of the folder the watcher considers timepoints.
func (w *Watcher) Matching() ([]string, error) {
	files, err := fsutil.ListVolumes(w.cfg.Dir)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(files, func(f string) bool { return !w.matches(f) }), nil
}

func (w *Watcher) matches(path string) bool {
	if !fsutil.IsVolumeFile(path) || strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	if w.cfg.Pattern == "" {
		return true
	}
	ok, _ := filepath.Match(w.cfg.Pattern, filepath.Base(path))
	return ok
}

// Run scans the folder once, then triggers after every settled change until
// ctx is cancelled. Trigger errors are logged and do not stop the watch; the
// same set of images is tried again on the next settled change.
func (w *Watcher) Run(ctx context.Context, trigger Trigger) error {
	w.log.Info("watching folder", "dir", w.cfg.Dir, "pattern", w.cfg.Pattern, "settle", w.cfg.Settle)
	w.fire(ctx, trigger)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			ev, relevant := w.convert(event)
			if !relevant {
				continue
			}
			w.log.Debug("folder changed", "path", ev.Path, "operation", ev.Operation)
			timer.Reset(w.cfg.Settle)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		case <-timer.C:
			w.fire(ctx, trigger)
		}
	}
}

func (w *Watcher) convert(event fsnotify.Event) (Event, bool) {
	var operation string
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		operation = "created"
	case event.Op&fsnotify.Write == fsnotify.Write:
		operation = "modified"
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		operation = "deleted"
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		operation = "renamed"
	default:
		return Event{}, false
	}
	if !w.matches(event.Name) {
		return Event{}, false
	}
	return Event{Path: event.Name, Operation: operation, Time: time.Now()}, true
}

func (w *Watcher) fire(ctx context.Context, trigger Trigger) {
	images, err := w.Matching()
	if err != nil {
		w.log.Warn("failed to list folder", "dir", w.cfg.Dir, "error", err)
		return
	}
	if len(images) < 2 || slices.Equal(images, w.last) {
		return
	}
	w.log.Info("timepoints changed", "count", len(images), "latest", filepath.Base(images[len(images)-1]))
	if err := trigger(ctx, images); err != nil {
		w.log.Error("registration trigger failed", "error", err)
		return
	}
	w.last = images
}
