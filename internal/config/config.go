// Package config contains the configuration of the g7gov agent and its defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"
)

const (
	DefaultServerURL     = "http://localhost:8000"
	DefaultServerTimeout = 5 * time.Minute
	DefaultReadyPath     = "/health"
	DefaultReadyTimeout  = 10 * time.Second
	DefaultSessionScope  = "default"
	DefaultBufferSize    = 64
)

// ServerConfig defines how the agent reaches the pipeline backend.
type ServerConfig struct {
	URL string

	// APIKey is sent in the X-Api-Key header when set.
	APIKey string

	// Timeout bounds a whole streaming session. Zero disables the bound.
	Timeout time.Duration

	ReadyPath    string
	ReadyTimeout time.Duration

	// BufferSize is the number of decoded records queued between the body reader and the
	// session store.
	BufferSize int
}

// LogConfig defines settings for the log output. For production we recommend using the
// 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

// SessionConfig defines how session stores are keyed and sized.
type SessionConfig struct {
	// Scope isolates the persisted state of independent sessions sharing one datastore,
	// like the tabs of a user interface.
	Scope string

	// HistorySize overrides the history capacity of every pipeline when positive.
	HistorySize int
}

type PersistConfig struct {
	// Engine is one of 'none', 'memory' or 'sqlite'.
	Engine string
	URI    string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// MetricConfig defines settings for the prometheus endpoint.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Session SessionConfig
	Persist PersistConfig
	Trace   TraceConfig
	Metrics MetricConfig
}

func (cfg *Config) Verify() error {
	u, err := url.Parse(cfg.Server.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config 'server.url' must be an absolute http(s) URL, got %q", cfg.Server.URL)
	}

	if cfg.Server.Timeout < 0 {
		return errors.New("config 'server.timeout' cannot be negative")
	}

	if n := cfg.Server.BufferSize; n < 1 || n&(n-1) != 0 {
		return fmt.Errorf("config 'server.bufferSize' must be a power of two, got %d", n)
	}

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if !slices.Contains([]string{"none", "debug", "info", "warn", "error"}, cfg.Log.Level) {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error']",
		)
	}

	if cfg.Session.Scope == "" {
		return errors.New("config 'session.scope' cannot be empty")
	}

	if cfg.Session.HistorySize < 0 {
		return errors.New("config 'session.historySize' cannot be negative")
	}

	switch cfg.Persist.Engine {
	case "none", "memory":
	case "sqlite":
		if cfg.Persist.URI == "" {
			return errors.New("config 'persist.uri' must be set for the sqlite engine")
		}
	default:
		return fmt.Errorf("config 'persist.engine' must be one of ['none', 'memory', 'sqlite']")
	}

	if cfg.Trace.Enabled {
		if cfg.Trace.OTLP.Endpoint == "" {
			return errors.New("config 'trace.otlp.endpoint' must be set when tracing is enabled")
		}
		if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
			return errors.New("config 'trace.sampleRatio' must be between 0 and 1")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("config 'metrics.addr' must be set when metrics are enabled")
	}

	return nil
}

// DefaultConfig returns the configuration used when neither a config file, environment
// variables nor flags override a value.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:          DefaultServerURL,
			Timeout:      DefaultServerTimeout,
			ReadyPath:    DefaultReadyPath,
			ReadyTimeout: DefaultReadyTimeout,
			BufferSize:   DefaultBufferSize,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Session: SessionConfig{
			Scope: DefaultSessionScope,
		},
		Persist: PersistConfig{
			Engine: "memory",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "g7gov-agent",
		},
		Metrics: MetricConfig{
			Enabled: false,
			Addr:    "0.0.0.0:2112",
		},
	}
}
