// Package session owns the pipeline stores of one user session: the stream client they
// share, their persisted state and the document import controller.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/panic80/G7GovAI-sub001/internal/config"
	"github.com/panic80/G7GovAI-sub001/pkg/controller"
	"github.com/panic80/G7GovAI-sub001/pkg/logger"
	"github.com/panic80/G7GovAI-sub001/pkg/persist"
	"github.com/panic80/G7GovAI-sub001/pkg/persist/memory"
	"github.com/panic80/G7GovAI-sub001/pkg/persist/sqlite"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/intake"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/optimize"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/rules"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline/search"
	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

const ImportEndpoint = "/api/documents/import"

// Session is the explicit owner of every store. Stores are independent of one another; a
// session only ties their lifetimes together.
type Session struct {
	Client   *stream.Client
	Search   *search.Store
	Rules    *rules.Store
	Optimize *optimize.Store
	Intake   *intake.Store
	Import   *controller.Controller[stream.Progress]

	storage persist.Storage
	logger  logger.Logger

	watchMu   sync.Mutex
	watchers  map[int]func(stream.Progress)
	nextWatch int
}

type options struct {
	logger  logger.Logger
	storage persist.Storage
	client  *stream.Client
	records stream.Opener[stream.Record]
	uploads stream.Opener[stream.Progress]
}

type Option func(*options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStorage replaces the storage opened from the persist config. The session takes
// ownership and closes it.
func WithStorage(s persist.Storage) Option {
	return func(o *options) {
		o.storage = s
	}
}

// WithClient replaces the stream client built from the server config.
func WithClient(c *stream.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithOpeners replaces the openers the stores and the import controller use.
func WithOpeners(records stream.Opener[stream.Record], uploads stream.Opener[stream.Progress]) Option {
	return func(o *options) {
		o.records = records
		o.uploads = uploads
	}
}

// New builds every store of a session and restores their persisted state. A store whose
// state cannot be restored starts empty; the failure is logged.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	o := options{logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.client == nil {
		o.client = NewClient(cfg.Server, o.logger)
	}
	if o.records == nil {
		o.records = o.client.RecordOpener()
	}
	if o.uploads == nil {
		o.uploads = o.client.UploadOpener()
	}

	if o.storage == nil {
		storage, err := OpenStorage(ctx, cfg.Persist, o.logger)
		if err != nil {
			return nil, err
		}
		o.storage = storage
	}

	s := &Session{
		Client:   o.client,
		storage:  o.storage,
		logger:   o.logger,
		watchers: make(map[int]func(stream.Progress)),
	}

	storeOpts := []pipeline.Option{pipeline.WithLogger(o.logger)}
	if o.storage != nil {
		storeOpts = append(storeOpts, pipeline.WithStorage(o.storage, cfg.Session.Scope))
	}
	if cfg.Session.HistorySize > 0 {
		storeOpts = append(storeOpts, pipeline.WithHistoryCapacity(cfg.Session.HistorySize))
	}

	var err error
	if s.Search, err = search.NewStore(o.records, storeOpts...); err != nil {
		return nil, s.fail(err)
	}
	if s.Rules, err = rules.NewStore(o.records, storeOpts...); err != nil {
		return nil, s.fail(err)
	}
	if s.Optimize, err = optimize.NewStore(o.records, storeOpts...); err != nil {
		return nil, s.fail(err)
	}
	if s.Intake, err = intake.NewStore(o.records, storeOpts...); err != nil {
		return nil, s.fail(err)
	}
	if s.Import, err = controller.New(o.uploads,
		controller.WithName[stream.Progress]("import"),
		controller.WithLogger[stream.Progress](o.logger),
		controller.WithOnEvent(s.onImportProgress),
	); err != nil {
		return nil, s.fail(err)
	}

	for _, r := range []interface {
		Name() string
		Restore(context.Context) error
	}{s.Search, s.Rules, s.Optimize, s.Intake} {
		if err := r.Restore(ctx); err != nil {
			o.logger.Warn("failed to restore session state", zap.String("pipeline", r.Name()), zap.Error(err))
		}
	}

	return s, nil
}

func (s *Session) fail(err error) error {
	s.Close()
	return fmt.Errorf("build session: %w", err)
}

// WatchImport registers fn to be called with every import progress event as it arrives.
// The returned function removes it.
func (s *Session) WatchImport(fn func(stream.Progress)) (unwatch func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	key := s.nextWatch
	s.nextWatch++
	s.watchers[key] = fn

	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers, key)
	}
}

func (s *Session) onImportProgress(_ *controller.Handle, p stream.Progress) bool {
	s.logger.Debug("import progress",
		zap.String("phase", p.Phase),
		zap.Float64("progress", p.Progress),
		zap.String("message", p.Message),
	)

	s.watchMu.Lock()
	watchers := make([]func(stream.Progress), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.watchMu.Unlock()

	for _, fn := range watchers {
		fn(p)
	}
	return true
}

// ImportDocuments uploads files to the import endpoint. Progress is reported to the
// functions registered with WatchImport and recorded in the Import controller's state.
func (s *Session) ImportDocuments(ctx context.Context, fields map[string]string, files ...stream.File) *controller.Handle {
	return s.Import.Execute(ctx, ImportEndpoint, stream.UploadRequest{Fields: fields, Files: files})
}

// Close cancels every running session, waits for them to end and releases the storage.
func (s *Session) Close() {
	if s.Search != nil {
		s.Search.Close()
	}
	if s.Rules != nil {
		s.Rules.Close()
	}
	if s.Optimize != nil {
		s.Optimize.Close()
	}
	if s.Intake != nil {
		s.Intake.Close()
	}
	if s.Import != nil {
		s.Import.Abort()
		s.Import.Wait()
	}
	if s.storage != nil {
		s.storage.Close()
	}
}

// NewClient builds the stream client described by cfg.
func NewClient(cfg config.ServerConfig, l logger.Logger) *stream.Client {
	opts := []stream.ClientOption{
		stream.WithLogger(l),
		stream.WithBufferSize(cfg.BufferSize),
		stream.WithReadyTimeout(cfg.ReadyTimeout),
	}
	if cfg.APIKey != "" {
		opts = append(opts, stream.WithHeader("X-Api-Key", cfg.APIKey))
	}
	return stream.NewClient(cfg.URL, opts...)
}

// OpenStorage opens the storage named by cfg.Engine. The 'none' engine disables
// persistence and returns a nil storage.
func OpenStorage(ctx context.Context, cfg config.PersistConfig, l logger.Logger) (persist.Storage, error) {
	switch cfg.Engine {
	case "none", "":
		return nil, nil
	case "memory":
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.New(ctx, cfg.URI, l)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return s, nil
	default:
		return nil, errors.New("unsupported persist engine " + cfg.Engine)
	}
}
