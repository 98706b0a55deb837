package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

const sourceFilePrefix = "state.vscdb"

// SourceWatcher turns writes to source databases into tick nudges. Nudges
// coalesce: a burst of writes produces at most one pending nudge.
type SourceWatcher struct {
	watcher *fsnotify.Watcher
	roots   map[string]bool
	nudges  chan struct{}
	logger  chatvault.Logger

	closeOnce sync.Once
}

// NewSourceWatcher watches each directory in dirs and, one level down, each
// of its subdirectories. Directories that do not exist yet are skipped.
func NewSourceWatcher(dirs []string, logger chatvault.Logger) (*SourceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &SourceWatcher{
		watcher: watcher,
		roots:   map[string]bool{},
		nudges:  make(chan struct{}, 1),
		logger:  chatvault.LoggerOrNop(logger),
	}
	for _, dir := range dirs {
		dir = filepath.Clean(strings.TrimSpace(dir))
		if dir == "" || dir == "." {
			continue
		}
		w.roots[dir] = true
		w.add(dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				w.add(filepath.Join(dir, entry.Name()))
			}
		}
	}
	return w, nil
}

func (w *SourceWatcher) add(dir string) {
	if err := w.watcher.Add(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("watch source directory", "dir", dir, "err", err)
	}
}

func (w *SourceWatcher) Nudges() <-chan struct{} {
	return w.nudges
}

// Run forwards events until ctx is done or the watcher is closed.
func (w *SourceWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("source watcher error", "err", err)
		}
	}
}

func (w *SourceWatcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) && w.roots[filepath.Dir(event.Name)] {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.add(event.Name)
			return
		}
	}
	if !strings.HasPrefix(filepath.Base(event.Name), sourceFilePrefix) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	select {
	case w.nudges <- struct{}{}:
	default:
	}
}

func (w *SourceWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}
