package worktree

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/stravu/crystal-core/logger"
)

// Watcher reports worktree directories that disappear outside our control
// (OS temp cleanup, manual deletion). Consumers treat a reported removal the
// same as an already-removed worktree, never as an error.
type Watcher struct {
	fsw     *fsnotify.Watcher
	removed chan string
	done    chan struct{}
}

// WatchRemovals watches dir for externally deleted worktree directories.
// Removed session IDs (directory names) are delivered on Removed().
func WatchRemovals(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsw:     fsw,
		removed: make(chan string, 16),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Removed returns the channel of externally removed worktree IDs.
func (w *Watcher) Removed() <-chan string {
	return w.removed
}

func (w *Watcher) run() {
	log := logger.WithComponent("worktree")
	defer close(w.removed)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			id := filepath.Base(event.Name)
			log.Info("worktree removed externally", "sessionID", id)
			select {
			case w.removed <- id:
			case <-w.done:
				return
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("worktree watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
