// Package stream opens HTTP requests whose response body is a newline-delimited JSON
// stream and exposes the decoded records as a lazy sequence.
//
// A stream reads the response body on its own goroutine and hands decoded records to the
// consumer through a bounded pipe. Cancelling the request context, or breaking out of
// [Stream.Records], ends the stream silently and releases the connection. Every other
// failure is reported with a typed error: [*HTTPError] before any record, [ErrNoBody], or
// [*TransportError] from [Stream.Err].
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/panic80/G7GovAI-sub001/internal/ndjson"
	"github.com/panic80/G7GovAI-sub001/pkg/logger"
)

var tracer = otel.Tracer("g7gov/pkg/stream")

const (
	// DefaultBufferSize is the number of decoded records that may be queued between the
	// body reader and the consumer. It must be a power of two.
	DefaultBufferSize = 64

	// DefaultReadyTimeout bounds how long WaitReady keeps probing the server.
	DefaultReadyTimeout = 10 * time.Second

	contentTypeNDJSON = "application/x-ndjson"
	maxErrorBodyBytes = 64 * 1024
)

// Record is one line of a pipeline stream: the name of the stage that produced it and the
// partial pipeline state it reports.
type Record struct {
	Node  string          `json:"node"`
	State json.RawMessage `json:"state,omitempty"`
}

// Progress is one line of an import stream.
type Progress struct {
	Phase    string  `json:"phase"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// Client opens streams against one backend.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	logger       logger.Logger
	headers      http.Header
	bufferSize   int
	chunkSize    int
	readyTimeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for requests. The client should not set a
// Timeout, which would cut long-running streams; use a context deadline instead.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers.Add(key, value)
	}
}

// WithBufferSize sets the number of records queued between reader and consumer.
func WithBufferSize(n int) ClientOption {
	return func(c *Client) {
		c.bufferSize = n
	}
}

// WithChunkSize sets the size of body reads.
func WithChunkSize(n int) ClientOption {
	return func(c *Client) {
		c.chunkSize = n
	}
}

func WithReadyTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.readyTimeout = d
	}
}

// NewClient returns a Client for the backend at baseURL. Endpoints passed to Open are
// resolved against it unless they are absolute URLs.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:       logger.NewNoopLogger(),
		headers:      make(http.Header),
		bufferSize:   DefaultBufferSize,
		chunkSize:    ndjson.DefaultChunkSize,
		readyTimeout: DefaultReadyTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the backend the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// Open posts body as JSON to endpoint and returns the pipeline record stream.
func (c *Client) Open(ctx context.Context, endpoint string, body any) (*Stream[Record], error) {
	return OpenAs[Record](ctx, c, endpoint, body)
}

// OpenAs posts body as JSON to endpoint and decodes every line of the response as a T.
func OpenAs[T any](ctx context.Context, c *Client, endpoint string, body any) (*Stream[T], error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(endpoint), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return open[T](ctx, c, req, endpoint)
}

func open[T any](ctx context.Context, c *Client, req *http.Request, endpoint string) (*Stream[T], error) {
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", contentTypeNDJSON)

	ctx, span := tracer.Start(ctx, "stream.Open")
	span.SetAttributes(attribute.String("stream.endpoint", endpoint))

	// the stream owns the request lifetime from here on
	ctx, cancel := context.WithCancel(ctx)
	req = req.WithContext(ctx)

	fail := func(err error) (*Stream[T], error) {
		cancel()
		if !IsCanceled(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fail(fmt.Errorf("open %s: %w", endpoint, context.Canceled))
		}
		return fail(&TransportError{Op: "open", Endpoint: endpoint, Err: err})
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		httpErr := newHTTPError(resp, body)
		c.logger.Debug("stream request rejected",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", httpErr.Detail),
		)
		return fail(httpErr)
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return fail(ErrNoBody)
	}

	s, err := newStream[T](ctx, cancel, span, resp.Body, endpoint, c)
	if err != nil {
		resp.Body.Close()
		return fail(err)
	}
	return s, nil
}

// WaitReady polls path on the backend with exponential backoff until it answers with a 2xx
// status, the ready timeout elapses, or ctx is done. It is used before submitting work to a
// backend that may still be starting. Streams themselves are never retried.
func (c *Client) WaitReady(ctx context.Context, path string) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.readyTimeout

	attempt := 0
	probe := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Debug("backend not ready", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("readiness endpoint %s not found", path))
		default:
			return fmt.Errorf("backend answered %s", resp.Status)
		}
	}

	if err := backoff.Retry(probe, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("wait for backend %s: %w", c.baseURL, err)
	}
	return nil
}
