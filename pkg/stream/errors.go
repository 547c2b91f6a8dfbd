package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// ErrNoBody is returned by Open when the server answered with a success status but
// without a response body to stream from.
var ErrNoBody = errors.New("stream response has no body")

// HTTPError is returned by Open when the server answered with a non-2xx status. No records
// are produced in that case.
type HTTPError struct {
	StatusCode int
	Status     string

	// Detail is the server supplied reason taken from the JSON error body ("detail" or
	// "message"), or the status text when the body carries none.
	Detail string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("stream request failed with status %d: %s", e.StatusCode, e.Detail)
}

// TransportError reports a network or I/O failure while opening or reading a stream.
// It is never used for cancellation.
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsCanceled reports whether err is the result of the caller cancelling the request.
// Streams never surface cancellation from Err, but Open can return it when the context is
// cancelled before the response headers arrive.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func newHTTPError(resp *http.Response, body []byte) *HTTPError {
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Detail:     detailFromBody(body, resp.StatusCode),
	}
}

func detailFromBody(body []byte, statusCode int) string {
	if len(body) > 0 && gjson.ValidBytes(body) {
		for _, key := range []string{"detail", "message"} {
			res := gjson.GetBytes(body, key)
			switch {
			case res.Type == gjson.String && res.Str != "":
				return res.Str
			case res.IsArray():
				// validation failures are reported as a list of {loc, msg} objects
				if msg := res.Get("0.msg"); msg.Type == gjson.String && msg.Str != "" {
					return msg.Str
				}
			}
		}
	}

	if text := http.StatusText(statusCode); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}
