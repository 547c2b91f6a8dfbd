// Package controller drives a single streaming request at a time and tracks its lifecycle.
//
// A Controller is stage agnostic: it records every event in arrival order and reports how
// the request ended. Pipeline stores wrap one to interpret the events, simple features such
// as document import use it directly.
package controller

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/panic80/G7GovAI-sub001/pkg/id"
	"github.com/panic80/G7GovAI-sub001/pkg/logger"
	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

// ErrNoOpener is returned by New when no Opener is supplied.
var ErrNoOpener = errors.New("controller requires an opener")

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// State is a point in time copy of a controller.
type State[T any] struct {
	Status Status
	Events []T
	Err    string
}

// Last returns the most recent event.
func (s State[T]) Last() (T, bool) {
	if len(s.Events) == 0 {
		var zero T
		return zero, false
	}
	return s.Events[len(s.Events)-1], true
}

// Handle is the cancellation handle of one request.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

func newHandle(cancel context.CancelFunc) *Handle {
	return &Handle{
		id:     id.Must(time.Now()),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the run identifier attached to the request's log lines.
func (h *Handle) ID() string {
	return h.id
}

// Cancel stops the request. It does not wait for it to wind down.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the request has released its connection and every callback returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until Done is closed or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controller runs at most one request at a time against an Opener.
type Controller[T any] struct {
	opener stream.Opener[T]
	name   string
	logger logger.Logger

	onEvent    func(*Handle, T) bool
	onComplete func(*Handle, []T)
	onError    func(*Handle, error)
	onCancel   func(*Handle)

	runs sync.WaitGroup

	mu     sync.Mutex
	handle *Handle
	status Status
	events []T
	err    string
}

type Option[T any] func(*Controller[T])

// WithName sets the name attached to log lines as the pipeline field.
func WithName[T any](name string) Option[T] {
	return func(c *Controller[T]) {
		c.name = name
	}
}

func WithLogger[T any](l logger.Logger) Option[T] {
	return func(c *Controller[T]) {
		c.logger = l
	}
}

// WithOnEvent registers a callback invoked for every event of the current request, in
// order. Returning false stops the request; the controller then goes back to idle without
// invoking any other callback.
func WithOnEvent[T any](fn func(h *Handle, event T) bool) Option[T] {
	return func(c *Controller[T]) {
		c.onEvent = fn
	}
}

// WithOnComplete registers a callback invoked with every event once a request ends normally.
func WithOnComplete[T any](fn func(h *Handle, events []T)) Option[T] {
	return func(c *Controller[T]) {
		c.onComplete = fn
	}
}

// WithOnError registers a callback invoked when a request fails for any reason other than
// cancellation.
func WithOnError[T any](fn func(h *Handle, err error)) Option[T] {
	return func(c *Controller[T]) {
		c.onError = fn
	}
}

// WithOnCancel registers a callback invoked when the request context is cancelled by the
// caller. Abort and Reset do not invoke it.
func WithOnCancel[T any](fn func(h *Handle)) Option[T] {
	return func(c *Controller[T]) {
		c.onCancel = fn
	}
}

func New[T any](opener stream.Opener[T], opts ...Option[T]) (*Controller[T], error) {
	if opener == nil {
		return nil, ErrNoOpener
	}

	c := &Controller[T]{
		opener: opener,
		name:   "controller",
		logger: logger.NewNoopLogger(),
		status: StatusIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Execute cancels any request in flight, clears the recorded events and starts a new
// request. It returns immediately; the request is consumed on its own goroutine and
// continues after the caller returns until it ends or ctx is cancelled.
func (c *Controller[T]) Execute(ctx context.Context, endpoint string, body any) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		c.handle.Cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	h := newHandle(cancel)
	ctx = logger.ContextWithSession(ctx, c.name, h.id)

	c.handle = h
	c.status = StatusLoading
	c.events = nil
	c.err = ""

	c.runs.Add(1)
	go c.run(ctx, h, endpoint, body)

	return h
}

func (c *Controller[T]) run(ctx context.Context, h *Handle, endpoint string, body any) {
	defer c.runs.Done()
	defer close(h.done)
	defer h.cancel()

	c.logger.DebugWithContext(ctx, "request started", zap.String("endpoint", endpoint))

	src, err := c.opener.Open(ctx, endpoint, body)
	if err != nil {
		c.finish(ctx, h, err)
		return
	}
	defer src.Close()

	for event := range src.Records() {
		if !c.record(h, event) {
			return
		}
		if c.onEvent != nil && !c.onEvent(h, event) {
			c.stop(h)
			c.logger.DebugWithContext(ctx, "request stopped by consumer")
			return
		}
	}

	c.finish(ctx, h, src.Err())
}

// record appends event if h is still the current request.
func (c *Controller[T]) record(h *Handle, event T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != h {
		return false
	}
	c.events = append(c.events, event)
	return true
}

func (c *Controller[T]) stop(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle == h {
		c.handle = nil
		c.status = StatusIdle
	}
}

func (c *Controller[T]) finish(ctx context.Context, h *Handle, err error) {
	c.mu.Lock()
	if c.handle != h {
		// aborted or replaced
		c.mu.Unlock()
		return
	}
	c.handle = nil

	canceled := stream.IsCanceled(err) || (err == nil && ctx.Err() != nil)
	switch {
	case canceled:
		c.status = StatusIdle
	case err != nil:
		c.status = StatusError
		c.err = err.Error()
	default:
		c.status = StatusDone
	}
	events := slices.Clone(c.events)
	c.mu.Unlock()

	switch {
	case canceled:
		c.logger.DebugWithContext(ctx, "request cancelled")
		if c.onCancel != nil {
			c.onCancel(h)
		}
	case err != nil:
		c.logger.WarnWithContext(ctx, "request failed", zap.Error(err))
		if c.onError != nil {
			c.onError(h, err)
		}
	default:
		c.logger.DebugWithContext(ctx, "request completed", zap.Int("events", len(events)))
		if c.onComplete != nil {
			c.onComplete(h, events)
		}
	}
}

// Abort cancels the request in flight, if any, and returns a loading controller to idle
// without recording an error.
func (c *Controller[T]) Abort() {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	if c.status == StatusLoading {
		c.status = StatusIdle
	}
	c.mu.Unlock()

	if h != nil {
		h.Cancel()
	}
}

// Reset aborts the request in flight and clears the recorded events and error.
func (c *Controller[T]) Reset() {
	c.Abort()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusIdle
	c.events = nil
	c.err = ""
}

// Wait blocks until every request started by Execute has returned, including requests that
// were aborted or replaced.
func (c *Controller[T]) Wait() {
	c.runs.Wait()
}

func (c *Controller[T]) State() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State[T]{
		Status: c.status,
		Events: slices.Clone(c.events),
		Err:    c.err,
	}
}
