// Package ndjson turns a byte stream of newline-delimited JSON into a lazy sequence of
// decoded values.
//
// The stream is framed on the '\n' byte. Bytes are buffered until a line is complete, so a
// line or a multi-byte character that spans read boundaries is reassembled before it is
// converted to text.
package ndjson

import (
	"bytes"
	"io"
	"iter"
	"strings"
)

// DefaultChunkSize is the read size used by Lines when none is given.
const DefaultChunkSize = 4 * 1024

// Framer accumulates chunks of bytes and splits them into trimmed, non-empty lines.
// The zero value is ready to use. A Framer is not safe for concurrent use.
type Framer struct {
	pending []byte
}

// Push appends chunk to the pending fragment and returns every line it completes, in order.
// An unterminated tail is kept until a later Push or Flush.
func (f *Framer) Push(chunk []byte) []string {
	f.pending = append(f.pending, chunk...)

	var lines []string
	start := 0
	for {
		i := bytes.IndexByte(f.pending[start:], '\n')
		if i < 0 {
			break
		}
		if line, ok := clean(f.pending[start : start+i]); ok {
			lines = append(lines, line)
		}
		start += i + 1
	}

	if start > 0 {
		// keep the backing array bounded by the longest unterminated fragment
		rest := make([]byte, len(f.pending)-start)
		copy(rest, f.pending[start:])
		f.pending = rest
	}
	return lines
}

// Flush returns the final unterminated fragment, if it is non-empty after trimming.
// The framer is empty afterwards.
func (f *Framer) Flush() (string, bool) {
	line, ok := clean(f.pending)
	f.pending = nil
	return line, ok
}

// Buffered reports the number of bytes held for an incomplete line.
func (f *Framer) Buffered() int {
	return len(f.pending)
}

func clean(b []byte) (string, bool) {
	line := strings.TrimSpace(strings.ToValidUTF8(string(b), "\uFFFD"))
	return line, line != ""
}

// Lines reads r in chunks of chunkSize bytes and yields each complete line. At end of stream
// a final fragment without a trailing newline is yielded too. A read error other than io.EOF
// is yielded once and ends the sequence.
func Lines(r io.Reader, chunkSize int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if chunkSize <= 0 {
			chunkSize = DefaultChunkSize
		}

		var framer Framer
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				for _, line := range framer.Push(buf[:n]) {
					if !yield(line, nil) {
						return
					}
				}
			}

			if err == io.EOF {
				if line, ok := framer.Flush(); ok {
					yield(line, nil)
				}
				return
			}
			if err != nil {
				yield("", err)
				return
			}
		}
	}
}
