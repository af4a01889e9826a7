package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// FileWatcher invokes a callback when a single file changes on disk.
// Editors often replace files with rename+create, so the parent directory is
// watched and events are filtered by name. Rapid event bursts are debounced.
type FileWatcher struct {
	path     string
	onChange func()
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	started bool
	done    chan struct{}
}

// NewFileWatcher creates a watcher for path. onChange runs on a watcher
// goroutine; callers do their own locking.
func NewFileWatcher(path string, onChange func()) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FileWatcher{
		path:     path,
		onChange: onChange,
		watcher:  w,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. Calling Start twice is an error surfaced by a log
// line rather than a second goroutine.
func (f *FileWatcher) Start() error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		log.Warn().Str("path", f.path).Msg("File watcher already started")
		return nil
	}
	f.started = true
	f.mu.Unlock()

	if err := f.watcher.Add(filepath.Dir(f.path)); err != nil {
		return err
	}
	go f.loop()
	log.Info().Str("path", f.path).Msg("Watching file for changes")
	return nil
}

// Stop ends watching and releases the underlying fsnotify watcher.
func (f *FileWatcher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return
	}
	f.started = false
	close(f.done)
	f.watcher.Close()
	if f.timer != nil {
		f.timer.Stop()
	}
}

func (f *FileWatcher) loop() {
	base := filepath.Base(f.path)
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			f.scheduleCallback()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", f.path).Msg("File watcher error")
		case <-f.done:
			return
		}
	}
}

func (f *FileWatcher) scheduleCallback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.debounce, func() {
		log.Debug().Str("path", f.path).Msg("File changed, invoking reload callback")
		f.onChange()
	})
}
