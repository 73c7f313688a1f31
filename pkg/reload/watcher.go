package reload

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher feeds filesystem change events into a Coordinator. Each
// configured directory is watched non-recursively and mapped to one
// reload category; the longest matching directory wins when mappings
// nest.
type Watcher struct {
	coord *Coordinator
	fsw   *fsnotify.Watcher

	// dirs is sorted by descending path length for longest-prefix
	// classification.
	dirs []watchDir

	started bool
	done    chan struct{}
}

type watchDir struct {
	path     string
	category Category
}

// NewWatcher creates a watcher over the given directory-to-category
// mapping. Call Start to begin watching and Close to stop.
func NewWatcher(coord *Coordinator, mapping map[string]Category) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dirs := make([]watchDir, 0, len(mapping))
	for dir, cat := range mapping {
		dirs = append(dirs, watchDir{path: filepath.Clean(dir), category: cat})
	}
	sort.Slice(dirs, func(i, j int) bool {
		return len(dirs[i].path) > len(dirs[j].path)
	})

	return &Watcher{
		coord: coord,
		fsw:   fsw,
		dirs:  dirs,
		done:  make(chan struct{}),
	}, nil
}

// Start registers the configured directories and begins forwarding
// change events to the coordinator.
func (w *Watcher) Start() error {
	for _, d := range w.dirs {
		if err := w.fsw.Add(d.path); err != nil {
			return fmt.Errorf("watching %s: %w", d.path, err)
		}
	}

	w.started = true
	go w.run()
	return nil
}

// Close stops the watcher and, if Start succeeded, waits for the
// forwarding loop to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	if w.started {
		<-w.done
	}
	return err
}

func (w *Watcher) run() {
	defer close(w.done)

	ctx := context.Background()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Permission-only changes do not need a reload.
			if !ev.Op.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			cat, ok := w.categorize(ev.Name)
			if !ok {
				continue
			}
			if err := w.coord.Notify(ctx, ev.Name, cat); err != nil {
				slog.Warn("forwarding file change failed", "path", ev.Name, "error", err)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}

// categorize maps an event path to the category of the longest matching
// watched directory.
func (w *Watcher) categorize(path string) (Category, bool) {
	cleaned := filepath.Clean(path)
	for _, d := range w.dirs {
		if cleaned == d.path || strings.HasPrefix(cleaned, d.path+string(filepath.Separator)) {
			return d.category, true
		}
	}
	return "", false
}
