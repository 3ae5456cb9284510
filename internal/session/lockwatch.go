package session

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"aedthub/internal/logging"
)

// LockWatcher observes the lock sentinel of a single project file and invokes
// a callback whenever its presence flips. It lets the HTTP layer push lock
// state to clients instead of having them poll before every open.
type LockWatcher struct {
	project string
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	locked bool

	done chan struct{}
	once sync.Once
}

// WatchLock starts watching the lock sentinel for project. onChange fires
// with the new lock state, including once immediately for the initial state.
func WatchLock(project string, onChange func(locked bool)) (*LockWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: the sentinel itself may not exist yet, and most
	// platforms cannot watch a nonexistent path.
	if err := watcher.Add(filepath.Dir(project)); err != nil {
		watcher.Close()
		return nil, err
	}

	lw := &LockWatcher{
		project: project,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	lw.locked = lw.probe()
	onChange(lw.locked)

	go lw.run(onChange)
	return lw, nil
}

// Locked reports the last observed lock state.
func (lw *LockWatcher) Locked() bool {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.locked
}

// Close stops the watcher. Safe to call more than once.
func (lw *LockWatcher) Close() error {
	var err error
	lw.once.Do(func() {
		close(lw.done)
		err = lw.watcher.Close()
	})
	return err
}

func (lw *LockWatcher) run(onChange func(locked bool)) {
	sentinel := LockPath(lw.project)
	for {
		select {
		case <-lw.done:
			return
		case event, ok := <-lw.watcher.Events:
			if !ok {
				return
			}
			if event.Name != sentinel {
				continue
			}
			// Editors create and remove lock files in bursts; re-probe
			// instead of trusting the event op.
			locked := lw.probe()
			lw.mu.Lock()
			changed := locked != lw.locked
			lw.locked = locked
			lw.mu.Unlock()
			if changed {
				logging.Info("Project lock state changed", "project", lw.project, "locked", locked)
				onChange(locked)
			}
		case err, ok := <-lw.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Lock watcher error", "project", lw.project, "error", err)
		}
	}
}

func (lw *LockWatcher) probe() bool {
	_, err := os.Stat(LockPath(lw.project))
	return err == nil
}
