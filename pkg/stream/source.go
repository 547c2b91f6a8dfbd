//go:generate mockgen -source source.go -destination ../../internal/mocks/mock_source.go -package mocks

package stream

import (
	"context"
	"fmt"
	"iter"
)

// Source is a record sequence that can be ranged over once. [*Stream] implements it.
type Source[T any] interface {
	Records() iter.Seq[T]
	Err() error
	Close() error
}

var _ Source[Record] = (*Stream[Record])(nil)

// Opener starts a request and returns its record source.
type Opener[T any] interface {
	Open(ctx context.Context, endpoint string, body any) (Source[T], error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc[T any] func(ctx context.Context, endpoint string, body any) (Source[T], error)

func (f OpenerFunc[T]) Open(ctx context.Context, endpoint string, body any) (Source[T], error) {
	return f(ctx, endpoint, body)
}

// RecordOpener returns an Opener that posts JSON bodies through c and yields pipeline records.
func (c *Client) RecordOpener() Opener[Record] {
	return OpenerFunc[Record](func(ctx context.Context, endpoint string, body any) (Source[Record], error) {
		s, err := c.Open(ctx, endpoint, body)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// UploadRequest is the body understood by the Opener returned from UploadOpener.
type UploadRequest struct {
	Fields map[string]string
	Files  []File
}

// UploadOpener returns an Opener that sends an UploadRequest as a multipart import and yields
// its progress lines.
func (c *Client) UploadOpener() Opener[Progress] {
	return OpenerFunc[Progress](func(ctx context.Context, endpoint string, body any) (Source[Progress], error) {
		var req UploadRequest
		switch b := body.(type) {
		case UploadRequest:
			req = b
		case *UploadRequest:
			req = *b
		default:
			return nil, fmt.Errorf("upload body must be an UploadRequest, got %T", body)
		}

		s, err := c.Upload(ctx, endpoint, req.Fields, req.Files...)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
