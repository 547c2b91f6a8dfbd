package ndjson

import (
	"encoding/json"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/panic80/G7GovAI-sub001/pkg/logger"
)

const maxLoggedLineLength = 256

var (
	decodedRecordsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndjson_decoded_records_total",
		Help: "The total number of NDJSON lines decoded into records.",
	})

	malformedLinesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ndjson_malformed_lines_total",
		Help: "The total number of NDJSON lines skipped because they were not valid JSON.",
	})
)

type decodeConfig struct {
	logger logger.Logger
}

// DecodeOption configures Decode.
type DecodeOption func(*decodeConfig)

// WithLogger sets the logger that receives a warning for every skipped line.
func WithLogger(l logger.Logger) DecodeOption {
	return func(c *decodeConfig) {
		c.logger = l
	}
}

// Decode parses every line as a JSON value of type T. A line that fails to parse is logged
// and skipped; it never ends the sequence. Errors produced by lines are passed through and
// end the sequence.
func Decode[T any](lines iter.Seq2[string, error], opts ...DecodeOption) iter.Seq2[T, error] {
	cfg := decodeConfig{logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(yield func(T, error) bool) {
		for line, err := range lines {
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}

			var v T
			if err := json.Unmarshal([]byte(line), &v); err != nil {
				malformedLinesCounter.Inc()
				cfg.logger.Warn("skipping malformed ndjson line",
					zap.Error(err),
					zap.String("line", truncate(line, maxLoggedLineLength)),
				)
				continue
			}

			decodedRecordsCounter.Inc()
			if !yield(v, nil) {
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
