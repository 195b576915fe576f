package cloud

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses the burst of events an editor save produces
const DefaultDebounce = 300 * time.Millisecond

// FileWatcher calls back when watched files change. Events for one file
// arriving within the debounce window produce a single callback. Directories
// are watched rather than files so atomic rename-on-save is seen.
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	logger    *zap.Logger
	mu        sync.Mutex
	callbacks map[string]func(string)
	timers    map[string]*time.Timer
	dirs      map[string]bool
	closed    bool
	done      chan struct{}
}

// NewFileWatcher creates a watcher and starts its event loop
func NewFileWatcher(debounce time.Duration, logger *zap.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fw := &FileWatcher{
		watcher:   w,
		debounce:  debounce,
		logger:    logger.Named("watcher"),
		callbacks: make(map[string]func(string)),
		timers:    make(map[string]*time.Timer),
		dirs:      make(map[string]bool),
		done:      make(chan struct{}),
	}
	go fw.loop()
	return fw, nil
}

// Watch registers callback for file
func (fw *FileWatcher) Watch(file string, callback func(string)) error {
	abs, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("resolving path %s: %w", file, err)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	dir := filepath.Dir(abs)
	if !fw.dirs[dir] {
		if err := fw.watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		fw.dirs[dir] = true
	}
	fw.callbacks[abs] = callback
	return nil
}

func (fw *FileWatcher) loop() {
	defer close(fw.done)
	for {
		select {
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				fw.changed(ev.Name)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (fw *FileWatcher) changed(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.closed {
		return
	}
	cb, ok := fw.callbacks[abs]
	if !ok {
		return
	}
	if t, ok := fw.timers[abs]; ok {
		t.Stop()
	}
	fw.timers[abs] = time.AfterFunc(fw.debounce, func() {
		fw.logger.Debug("file changed", zap.String("file", abs))
		cb(abs)
	})
}

// Close stops the watcher and any pending callback
func (fw *FileWatcher) Close() error {
	fw.mu.Lock()
	if fw.closed {
		fw.mu.Unlock()
		return nil
	}
	fw.closed = true
	for _, t := range fw.timers {
		t.Stop()
	}
	fw.mu.Unlock()

	err := fw.watcher.Close()
	<-fw.done
	return err
}
