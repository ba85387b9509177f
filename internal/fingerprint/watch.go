package fingerprint

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/satindergrewal/trackwatch/internal/catalog"
	"github.com/satindergrewal/trackwatch/internal/events"
)

// DefaultSettle is how long a new file must stay unmodified before it is
// stored.
const DefaultSettle = 2 * time.Second

// Watcher stores reference files as they appear in the library. Files that
// already exist when it starts are left to Job.
type Watcher struct {
	opts   Options
	settle time.Duration
}

// NewWatcher watches opts.Library. Force is ignored.
func NewWatcher(opts Options, settle time.Duration) *Watcher {
	if opts.Sink == nil {
		opts.Sink = events.Discard
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = catalog.DefaultExtensions
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	opts.Force = false
	return &Watcher{opts: opts, settle: settle}
}

// Run blocks until ctx is cancelled or the watch fails to start.
func (w *Watcher) Run(ctx context.Context) error {
	sink := w.opts.Sink
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Library, err)
	}
	defer fw.Close()

	if err := addTree(fw, w.opts.Library, nil); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Library, err)
	}

	dbDir := ""
	if w.opts.DBDir != "" {
		if abs, err := filepath.Abs(w.opts.DBDir); err == nil && os.MkdirAll(abs, 0o755) == nil {
			dbDir = abs
		} else {
			sink.Emit(events.Errorf("[WATCH ERROR] could not prepare DB dir %q, using matcher default", w.opts.DBDir))
		}
	}

	sink.Emit(events.Infof("[WATCH] Watching %s for new reference files", w.opts.Library))
	defer sink.Emit(events.New(events.KindStopped, "[WATCH STOPPED]"))

	// last write seen per pending path
	pending := make(map[string]time.Time)
	tick := time.NewTicker(w.settle / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					// Files may land in a new directory before it is watched.
					var found []string
					if err := addTree(fw, ev.Name, &found); err != nil {
						sink.Emit(events.Errorf("[WATCH ERROR] %v", err))
					}
					for _, p := range found {
						if catalog.HasExtension(p, w.opts.Extensions) {
							pending[p] = time.Now()
						}
					}
					continue
				}
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if catalog.HasExtension(ev.Name, w.opts.Extensions) {
				pending[ev.Name] = time.Now()
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			sink.Emit(events.Errorf("[WATCH ERROR] %v", err))

		case now := <-tick.C:
			var ready []string
			for p, last := range pending {
				if now.Sub(last) >= w.settle {
					ready = append(ready, p)
				}
			}
			slices.Sort(ready)
			for _, p := range ready {
				delete(pending, p)
				if ctx.Err() != nil {
					return nil
				}
				if _, err := os.Stat(p); err != nil {
					continue
				}
				sink.Emit(events.Infof("[WATCH] New reference file: %s", p))
				storeFile(ctx, w.opts.Storer, sink, p, dbDir)
			}
		}
	}
}

// addTree watches root and every directory below it. Regular files found on
// the way are appended to found when it is non-nil.
func addTree(fw *fsnotify.Watcher, root string, found *[]string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		if found != nil {
			*found = append(*found, path)
		}
		return nil
	})
}
