// Package watcher reacts to changes in the downloads directory made outside
// the download manager, such as a user deleting a file, and triggers a
// storage reconciliation.
package watcher

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reconciler recomputes storage from the filesystem.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// WatcherService watches the downloads directory and reconciles storage once
// changes settle.
type WatcherService struct {
	dir           string
	reconciler    Reconciler
	watcher       *fsnotify.Watcher
	mu            sync.Mutex
	pending       int
	debounceTimer *time.Timer
	debounceDelay time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewWatcherService creates a watcher for dir. A zero debounce uses 2 seconds.
func NewWatcherService(dir string, reconciler Reconciler, debounce time.Duration) *WatcherService {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &WatcherService{
		dir:           dir,
		reconciler:    reconciler,
		debounceDelay: debounce,
		stopChan:      make(chan struct{}),
	}
}

// Start begins watching the downloads directory.
func (w *WatcherService) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher
	log.Printf("File watcher started for downloads: %s", w.dir)

	go w.processEvents()
	return nil
}

// Stop stops the watcher and any pending reconciliation.
func (w *WatcherService) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()
		if w.watcher != nil {
			err = w.watcher.Close()
		}
	})
	return err
}

func (w *WatcherService) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("File watcher error: %v", err)

		case <-w.stopChan:
			return
		}
	}
}

func (w *WatcherService) handleEvent(event fsnotify.Event) {
	if !isRelevant(event) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending++
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.triggerReconcile)
}

// isRelevant filters out partial files, which only the manager writes, and
// permission changes.
func isRelevant(event fsnotify.Event) bool {
	if strings.HasSuffix(filepath.Base(event.Name), ".part") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)
}

func (w *WatcherService) triggerReconcile() {
	select {
	case <-w.stopChan:
		return
	default:
	}
	w.mu.Lock()
	n := w.pending
	w.pending = 0
	w.mu.Unlock()
	if n == 0 {
		return
	}

	log.Printf("File watcher saw %d change(s) in downloads, reconciling storage", n)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := w.reconciler.Reconcile(ctx); err != nil {
		log.Printf("Storage reconcile error: %v", err)
	}
}
