package stream

import (
	"context"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/panic80/G7GovAI-sub001/internal/ndjson"
	"github.com/panic80/G7GovAI-sub001/internal/pipe"
	"github.com/panic80/G7GovAI-sub001/pkg/logger"
)

// Stream is an open response whose records are decoded as they arrive.
//
// Records may be ranged over once. Close releases the connection and is safe to call more
// than once and from any goroutine; ranging over Records calls it on every exit path.
type Stream[T any] struct {
	cancel   context.CancelFunc
	span     trace.Span
	body     io.ReadCloser
	records  *pipe.Pipe[T]
	group    errgroup.Group
	endpoint string
	logger   logger.Logger

	closing  atomic.Bool
	received atomic.Int64
	once     sync.Once
	err      error
}

func newStream[T any](ctx context.Context, cancel context.CancelFunc, span trace.Span, body io.ReadCloser, endpoint string, c *Client) (*Stream[T], error) {
	records, err := pipe.New[T](c.bufferSize)
	if err != nil {
		return nil, err
	}

	s := &Stream[T]{
		cancel:   cancel,
		span:     span,
		body:     body,
		records:  records,
		endpoint: endpoint,
		logger:   c.logger,
	}

	s.group.Go(func() error {
		defer s.records.Close()

		lines := ndjson.Lines(body, c.chunkSize)
		for v, err := range ndjson.Decode[T](lines, ndjson.WithLogger(c.logger)) {
			if err != nil {
				if s.closing.Load() || ctx.Err() != nil {
					// the read failed because the stream was cancelled or closed
					return nil
				}
				return &TransportError{Op: "read", Endpoint: endpoint, Err: err}
			}

			if !s.records.Send(v) {
				return nil
			}
		}
		return nil
	})

	return s, nil
}

// Records returns the decoded records in arrival order. The sequence ends when the server
// finishes the response, when the request context is cancelled, or on a read failure; check
// Err afterwards.
func (s *Stream[T]) Records() iter.Seq[T] {
	return func(yield func(T) bool) {
		defer s.Close()

		for v := range s.records.Seq() {
			s.received.Add(1)
			if !yield(v) {
				return
			}
		}
	}
}

// Err returns the failure that ended the stream, or nil if it completed or was cancelled.
// Err closes the stream, so it must only be called once the records are consumed.
func (s *Stream[T]) Err() error {
	s.Close()
	return s.err
}

// Close stops the stream and releases the response body. It waits for the body reader to
// exit.
func (s *Stream[T]) Close() error {
	s.once.Do(func() {
		s.closing.Store(true)
		s.records.Close()
		s.cancel()
		s.body.Close()
		s.err = s.group.Wait()

		s.span.SetAttributes(attribute.Int64("stream.records", s.received.Load()))
		if s.err != nil {
			s.span.RecordError(s.err)
			s.span.SetStatus(codes.Error, s.err.Error())
			s.logger.Debug("stream ended with error", zap.String("endpoint", s.endpoint), zap.Error(s.err))
		}
		s.span.End()
	})
	return nil
}
