// Package localwatch reloads sources that show a local file when that file
// changes on disk.
package localwatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spectrumlive/spt-notification/lib/logger"
)

const DefaultDebounce = 200 * time.Millisecond

// Refresher is reloaded when its file changes. *source.Source satisfies it.
type Refresher interface {
	Refresh()
}

type watch struct {
	path string
	r    Refresher
}

// Watcher watches the directories of local files, so that editors that
// replace files by renaming are still seen.
type Watcher struct {
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	byID    map[string]watch
	byPath  map[string]map[string]Refresher
	dirs    map[string]int
	pending map[string]*time.Timer

	closeOnce sync.Once
}

func New(debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = logger.Discard()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		logger:   log,
		fsw:      fsw,
		debounce: debounce,
		byID:     make(map[string]watch),
		byPath:   make(map[string]map[string]Refresher),
		dirs:     make(map[string]int),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Watch refreshes r whenever path changes, replacing any earlier watch for
// id. An empty path only removes the earlier watch.
func (w *Watcher) Watch(id, path string, r Refresher) error {
	w.Unwatch(id)
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	abs = filepath.Clean(abs)
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	if w.byPath[abs] == nil {
		w.byPath[abs] = make(map[string]Refresher)
	}
	w.byPath[abs][id] = r
	w.byID[id] = watch{path: abs, r: r}
	return nil
}

func (w *Watcher) Unwatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur, ok := w.byID[id]
	if !ok {
		return
	}
	delete(w.byID, id)
	if set := w.byPath[cur.path]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(w.byPath, cur.path)
			if t := w.pending[cur.path]; t != nil {
				t.Stop()
				delete(w.pending, cur.path)
			}
		}
	}
	dir := filepath.Dir(cur.path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if err := w.fsw.Remove(dir); err != nil {
			w.logger.Debug("failed to remove watch", "dir", dir, "err", err)
		}
	}
}

// Paths returns the watched file paths.
func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.byPath))
	for p := range w.byPath {
		out = append(out, p)
	}
	return out
}

// Run forwards file events until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.changed(filepath.Clean(ev.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "err", err)
		}
	}
}

// changed schedules a refresh of the sources showing path. Bursts of
// events within the debounce window cause one refresh.
func (w *Watcher) changed(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.byPath[path]; !ok {
		return
	}
	if t := w.pending[path]; t != nil {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	targets := make([]Refresher, 0, len(w.byPath[path]))
	for _, r := range w.byPath[path] {
		targets = append(targets, r)
	}
	w.mu.Unlock()

	w.logger.Info("local file changed, refreshing", "path", path, "sources", len(targets))
	for _, r := range targets {
		r.Refresh()
	}
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		for p, t := range w.pending {
			t.Stop()
			delete(w.pending, p)
		}
		w.mu.Unlock()
		err = w.fsw.Close()
	})
	return err
}
