package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// FilesystemOperation is the kind of change a filesystem event reports.
type FilesystemOperation string

const (
	FilesystemOpCreate FilesystemOperation = "Create"
	FilesystemOpWrite  FilesystemOperation = "Write"
	FilesystemOpRemove FilesystemOperation = "Remove"
	FilesystemOpRename FilesystemOperation = "Rename"
	FilesystemOpChmod  FilesystemOperation = "Chmod"
)

// FilesystemEvent is one change observed under a watched directory.
type FilesystemEvent struct {
	Path      string              `json:"path"`
	Name      string              `json:"name"`
	Operation FilesystemOperation `json:"operation"`
	// Timestamp is Unix epoch nanoseconds.
	Timestamp int64 `json:"timestamp"`
	IsDir     bool  `json:"isDir"`
}

// Watcher delivers filesystem events for one directory to registered
// listeners. It is backed by a watchDir subscription on the connection.
type Watcher struct {
	sb   *Sandbox
	log  *zap.SugaredLogger
	path string

	mu         sync.Mutex
	listeners  map[int]func(FilesystemEvent)
	nextHandle int
	unsub      UnsubscribeFunc
}

// Path returns the watched directory.
func (w *Watcher) Path() string { return w.path }

// Start begins watching. Starting an already started watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	started := w.unsub != nil
	w.mu.Unlock()
	if started {
		return nil
	}

	w.log.Debugf("starting filesystem watcher for %s", w.path)
	unsub, err := w.sb.Subscribe(ctx, SubscriptionRequest{
		Service: filesystemService,
		Method:  "watchDir",
		Params:  []any{w.path},
		Handler: w.handleEvent,
	})
	if err != nil {
		return fmt.Errorf("watching %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.unsub = unsub
	w.mu.Unlock()
	return nil
}

// Stop stops watching and drops all listeners.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	unsub := w.unsub
	w.unsub = nil
	w.listeners = map[int]func(FilesystemEvent){}
	w.mu.Unlock()

	if unsub == nil {
		return nil
	}
	if err := unsub(ctx); err != nil {
		return fmt.Errorf("stopping watcher for %s: %w", w.path, err)
	}
	w.log.Debugf("stopped filesystem watcher for %s", w.path)
	return nil
}

// AddEventListener registers a listener and returns a func removing it.
func (w *Watcher) AddEventListener(listener func(FilesystemEvent)) (remove func()) {
	w.mu.Lock()
	handle := w.nextHandle
	w.nextHandle++
	w.listeners[handle] = listener
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.listeners, handle)
		w.mu.Unlock()
	}
}

func (w *Watcher) handleEvent(result json.RawMessage) {
	var event FilesystemEvent
	if err := json.Unmarshal(result, &event); err != nil {
		w.log.Errorf("bad filesystem event %s: %s", result, err)
		return
	}

	w.mu.Lock()
	listeners := make([]func(FilesystemEvent), 0, len(w.listeners))
	for _, l := range w.listeners {
		listeners = append(listeners, l)
	}
	w.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}
