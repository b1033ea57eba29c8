package templates

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cortex/internal/logging"
)

// Watcher hot-reloads the registry when the override file changes.
// Rapid editor saves are debounced; a reload that fails to parse keeps
// the previous snapshot.
type Watcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher builds a watcher over the registry's override file.
func NewWatcher(registry *Registry, debounce time.Duration) (*Watcher, error) {
	if registry.path == "" {
		return nil, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		registry: registry,
		watcher:  fw,
		path:     registry.path,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Watching the parent directory instead of the
// file survives the rename-then-write pattern most editors use.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true
	go w.run()
	logging.Templates("Watching %s for template changes", w.path)
	return nil
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryTemplates).Warn("watcher error: %v", err)
		case <-timerCh:
			timerCh = nil
			if err := w.registry.Reload(); err != nil {
				logging.Get(logging.CategoryTemplates).Error("template reload failed, keeping previous snapshot: %v", err)
			}
		}
	}
}

// Close stops the watcher and waits for the goroutine to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}
