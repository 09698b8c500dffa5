package filestore

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the store directory for changes and delivers coalesced
// change signals. The orchestrator feeds these into its wake channel so a
// freshly created session is noticed before the next full poll interval.
type Watcher struct {
	watcher *fsnotify.Watcher
	changes chan struct{}

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// Watch starts observing the store's directory tree. Callers must call
// Stop when done.
func (s *Store) Watch() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the root (the active pointer lives there) and both record
	// directories. fsnotify does not recurse, and the layout is flat.
	for _, dir := range []string{s.dir, filepath.Join(s.dir, sessionsDirName), filepath.Join(s.dir, instancesDirName)} {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w := &Watcher{
		watcher: fsw,
		changes: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Changes returns a channel that receives a signal whenever store state
// changes. Signals are coalesced: a burst of writes may deliver only one.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Temp files from atomic writes churn constantly; only the
			// rename/create/remove of real records matters.
			if isTempFile(ev.Name) {
				continue
			}
			select {
			case w.changes <- struct{}{}:
			default: // A signal is already pending.
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal: the poll loop still covers us.
		}
	}
}

func isTempFile(path string) bool {
	base := filepath.Base(path)
	return len(base) > 4 && base[:5] == ".tmp-"
}
