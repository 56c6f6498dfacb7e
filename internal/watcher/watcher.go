// Package watcher polls files for changes. The daemon uses it to pick up
// edits to the policy file without a SIGHUP.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// EventType represents the type of file system event
type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
)

// Event represents a file system event
type Event struct {
	Type      EventType
	Path      string
	Timestamp time.Time
}

// String returns a string representation of the event type
func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeHandler is called with a debounced batch of events
type ChangeHandler func(events []Event)

// Config contains watcher configuration
type Config struct {
	Debounce     time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the default watcher configuration
func DefaultConfig() Config {
	return Config{
		Debounce:     time.Second,
		PollInterval: 2 * time.Second,
	}
}

// fileState is what a poll compares against
type fileState struct {
	exists  bool
	modTime time.Time
	size    int64
}

// Watcher polls a set of files and reports creations, modifications and
// deletions.
type Watcher struct {
	config    Config
	fs        afero.Fs
	logger    *slog.Logger
	debouncer *BatchDebouncer

	mu    sync.Mutex
	files map[string]fileState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher over fs
func New(config Config, fs afero.Fs, logger *slog.Logger, handler ChangeHandler) *Watcher {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	return &Watcher{
		config:    config,
		fs:        fs,
		logger:    logger,
		debouncer: NewBatchDebouncer(config.Debounce, handler),
		files:     make(map[string]fileState),
	}
}

// Watch adds path to the watched set. The file need not exist yet.
func (w *Watcher) Watch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; ok {
		return
	}
	w.files[path] = w.stat(path)
	w.logger.Debug("Watching file", "path", path)
}

// Start begins polling until ctx is cancelled or Stop is called
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Poll()
			}
		}
	}()
}

// Stop stops polling and drops pending events
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.debouncer.Cancel()
}

// Poll checks every watched file once and queues the changes it finds
func (w *Watcher) Poll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for path, prev := range w.files {
		cur := w.stat(path)
		var ev EventType
		switch {
		case !prev.exists && cur.exists:
			ev = EventCreate
		case prev.exists && !cur.exists:
			ev = EventDelete
		case cur.exists && (!cur.modTime.Equal(prev.modTime) || cur.size != prev.size):
			ev = EventModify
		default:
			continue
		}
		w.files[path] = cur
		w.logger.Debug("File changed", "path", path, "event", ev.String())
		w.debouncer.Add(Event{Type: ev, Path: path, Timestamp: now})
	}
}

func (w *Watcher) stat(path string) fileState {
	info, err := w.fs.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("Failed to stat watched file", "path", path, "error", err.Error())
		}
		return fileState{}
	}
	return fileState{exists: true, modTime: info.ModTime(), size: info.Size()}
}
