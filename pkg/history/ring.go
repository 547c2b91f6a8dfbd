// Package history keeps a fixed-capacity, insertion-ordered log of completed sessions.
package history

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

// Ring is a FIFO log holding at most Cap items. Appending to a full ring evicts the oldest
// item. A Ring is safe for concurrent use.
type Ring[T any] struct {
	mu  sync.RWMutex
	buf *circularbuffer.Queue
	cap int
}

// New returns an empty ring that holds up to capacity items.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("history capacity must be at least 1, got %d", capacity)
	}
	return &Ring[T]{
		buf: circularbuffer.New(capacity),
		cap: capacity,
	}, nil
}

// Append adds item as the newest entry and returns the evicted oldest entry, if any.
func (r *Ring[T]) Append(item T) (evicted T, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.buf.Full() {
		v, _ := r.buf.Dequeue()
		evicted, ok = v.(T), true
	}
	r.buf.Enqueue(item)
	return evicted, ok
}

// Items returns a copy of the entries from oldest to newest.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	values := r.buf.Values()
	items := make([]T, 0, len(values))
	for _, v := range values {
		items = append(items, v.(T))
	}
	return items
}

// Recent returns up to n entries from newest to oldest.
func (r *Ring[T]) Recent(n int) []T {
	items := r.Items()
	if n > len(items) {
		n = len(items)
	}
	recent := make([]T, 0, max(n, 0))
	for i := len(items) - 1; i >= len(items)-n; i-- {
		recent = append(recent, items[i])
	}
	return recent
}

// Replace discards the current entries and appends items in order. When items holds more
// than Cap entries only the newest Cap are kept.
func (r *Ring[T]) Replace(items []T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf.Clear()
	if len(items) > r.cap {
		items = items[len(items)-r.cap:]
	}
	for _, item := range items {
		r.buf.Enqueue(item)
	}
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.Size()
}

func (r *Ring[T]) Cap() int {
	return r.cap
}

// Clear removes every entry.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Clear()
}
