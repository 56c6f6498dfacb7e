package watcher

import (
	"sync"
	"time"
)

// BatchDebouncer collects events until delay passes without a new one, then
// emits them as one batch. Events for the same path are merged: the batch
// keeps the first-seen order and the latest event for each path.
type BatchDebouncer struct {
	delay time.Duration
	emit  func([]Event)

	mu     sync.Mutex
	timer  *time.Timer
	events []Event
	index  map[string]int
}

// NewBatchDebouncer creates a batch debouncer
func NewBatchDebouncer(delay time.Duration, emit func([]Event)) *BatchDebouncer {
	return &BatchDebouncer{
		delay: delay,
		emit:  emit,
		index: make(map[string]int),
	}
}

// Add queues event and restarts the quiet period
func (b *BatchDebouncer) Add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i, ok := b.index[event.Path]; ok {
		b.events[i] = event
	} else {
		b.index[event.Path] = len(b.events)
		b.events = append(b.events, event)
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.flush)
}

// take empties the queue and returns what it held
func (b *BatchDebouncer) take() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	events := b.events
	b.events = nil
	clear(b.index)
	return events
}

func (b *BatchDebouncer) flush() {
	if events := b.take(); len(events) > 0 && b.emit != nil {
		b.emit(events)
	}
}

// Cancel drops pending events
func (b *BatchDebouncer) Cancel() {
	b.take()
}

// Flush emits pending events now
func (b *BatchDebouncer) Flush() {
	b.flush()
}

// EventCount returns the number of pending events
func (b *BatchDebouncer) EventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
