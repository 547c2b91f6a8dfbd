// Package pipe provides a bounded, blocking queue that hands decoded stream records from
// the goroutine reading a response body to the goroutine folding them into session state.
//
// Closing a pipe is the cancellation signal in both directions: a producer blocked in
// Send is released and every later Send reports false, and a consumer drains what was
// already buffered before Recv reports false.
package pipe

import (
	"errors"
	"iter"
	"sync"
)

var ErrInvalidSize = errors.New("pipe size must be a power of two")

// Pipe is a fixed-size ring of T guarded by a single mutex. The read and write cursors only
// grow; their difference is the number of buffered items.
type Pipe[T any] struct {
	mu       sync.Mutex
	readable sync.Cond
	writable sync.Cond

	ring   []T
	read   uint64
	write  uint64
	closed bool
}

// New returns an open pipe that buffers up to size items. size must be a power of two.
func New[T any](size int) (*Pipe[T], error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, ErrInvalidSize
	}

	p := &Pipe[T]{ring: make([]T, size)}
	p.readable.L = &p.mu
	p.writable.L = &p.mu
	return p, nil
}

func (p *Pipe[T]) slot(cursor uint64) *T {
	return &p.ring[cursor&uint64(len(p.ring)-1)]
}

// Send blocks until item is buffered or the pipe is closed. It reports whether item was
// buffered.
func (p *Pipe[T]) Send(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && p.write-p.read == uint64(len(p.ring)) {
		p.writable.Wait()
	}
	if p.closed {
		return false
	}

	*p.slot(p.write) = item
	p.write++
	p.readable.Signal()
	return true
}

// Recv blocks until an item is buffered or the pipe is closed and drained. It reports
// whether dst was filled.
func (p *Pipe[T]) Recv(dst *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.closed && p.read == p.write {
		p.readable.Wait()
	}
	if p.read == p.write {
		return false
	}

	slot := p.slot(p.read)
	*dst = *slot
	var zero T
	*slot = zero
	p.read++
	p.writable.Signal()
	return true
}

// Close marks the pipe closed and wakes every blocked Send and Recv. It is safe to call
// more than once.
func (p *Pipe[T]) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.readable.Broadcast()
	p.writable.Broadcast()
	return nil
}

// Seq returns a single use sequence over the received items. Breaking out of the sequence
// closes the pipe, which releases a blocked producer.
func (p *Pipe[T]) Seq() iter.Seq[T] {
	return func(yield func(T) bool) {
		defer p.Close()

		var item T
		for p.Recv(&item) {
			if !yield(item) {
				return
			}
		}
	}
}
