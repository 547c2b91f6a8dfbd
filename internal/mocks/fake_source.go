package mocks

import (
	"context"
	"iter"
	"sync"

	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

// FakeSource is a stream.Source fed by the test. Like a real stream it ends silently once
// the context it was opened with is cancelled.
type FakeSource[T any] struct {
	ctx     context.Context
	records chan T

	mu     sync.Mutex
	err    error
	closed bool
	done   bool
}

var _ stream.Source[stream.Record] = (*FakeSource[stream.Record])(nil)

// NewFakeSource returns a source that buffers up to buffer records before Send blocks.
func NewFakeSource[T any](ctx context.Context, buffer int) *FakeSource[T] {
	return &FakeSource[T]{
		ctx:     ctx,
		records: make(chan T, buffer),
	}
}

// NewStaticSource returns a source that yields records and then ends with err.
func NewStaticSource[T any](ctx context.Context, err error, records ...T) *FakeSource[T] {
	s := NewFakeSource[T](ctx, len(records))
	for _, r := range records {
		s.records <- r
	}
	s.Finish(err)
	return s
}

// Send hands v to the consumer. It reports false if the context was cancelled first.
func (s *FakeSource[T]) Send(v T) bool {
	select {
	case s.records <- v:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish ends the sequence. Err reports err afterwards.
func (s *FakeSource[T]) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.records)
}

func (s *FakeSource[T]) Records() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			select {
			case <-s.ctx.Done():
				return
			case v, ok := <-s.records:
				if !ok {
					return
				}
				if !yield(v) {
					return
				}
			}
		}
	}
}

func (s *FakeSource[T]) Err() error {
	if s.ctx.Err() != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *FakeSource[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether the consumer released the source.
func (s *FakeSource[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
