// Package watcher notices out-of-band edits to the toolkit's env files so
// the panel can push fresh configuration to connected clients.
package watcher

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// ChangeCallback is called, debounced, after a watched file changes.
type ChangeCallback func()

// Watcher monitors a set of files for modification. The parent directories
// are watched rather than the files themselves so edits that replace the
// file (the common editor save) are still observed.
type Watcher struct {
	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	files     map[string]bool // absolute paths of watched files
	callback  ChangeCallback
	cancel    chan struct{}
	timer     *time.Timer
	started   bool
}

// New creates a watcher invoking callback on changes.
func New(callback ChangeCallback) *Watcher {
	return &Watcher{
		files:    make(map[string]bool),
		callback: callback,
		cancel:   make(chan struct{}),
	}
}

// Watch starts watching the given files. Directories that do not exist yet
// are skipped; they are picked up if Watch is called again after they appear.
func (w *Watcher) Watch(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsWatcher == nil {
		fsW, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		w.fsWatcher = fsW
	}

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		w.files[abs] = true
		// Ignore add errors for missing directories.
		w.fsWatcher.Add(filepath.Dir(abs))
	}

	if !w.started {
		w.started = true
		go w.watchLoop(w.fsWatcher)
	}
	return nil
}

// watchLoop filters fsnotify events down to the watched files and invokes
// the callback after a debounce window.
func (w *Watcher) watchLoop(fsW *fsnotify.Watcher) {
	for {
		select {
		case <-w.cancel:
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-fsW.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.isWatched(abs) {
				continue
			}

			// Debounce: reset the timer on each event.
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(debounceInterval, func() {
				if w.callback != nil {
					w.callback()
				}
			})
			w.mu.Unlock()

		case err, ok := <-fsW.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) isWatched(abs string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[abs]
}

// Shutdown stops the watcher.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	fsW := w.fsWatcher
	started := w.started
	w.fsWatcher = nil
	w.started = false
	w.mu.Unlock()

	if started {
		close(w.cancel)
	}
	if fsW != nil {
		fsW.Close()
	}
}
