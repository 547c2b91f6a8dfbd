package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
)

// File is one file part of a multipart import request.
type File struct {
	Field   string
	Name    string
	Content io.Reader
}

// Upload sends fields and files as a multipart/form-data request to endpoint. The response
// uses the same NDJSON framing as Open but each line reports import progress.
func (c *Client) Upload(ctx context.Context, endpoint string, fields map[string]string, files ...File) (*Stream[Progress], error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return nil, fmt.Errorf("write field %q: %w", k, err)
		}
	}

	for _, f := range files {
		field := f.Field
		if field == "" {
			field = "files"
		}
		part, err := mw.CreateFormFile(field, f.Name)
		if err != nil {
			return nil, fmt.Errorf("create part for %q: %w", f.Name, err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return nil, fmt.Errorf("copy %q: %w", f.Name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(endpoint), &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return open[Progress](ctx, c, req, endpoint)
}
