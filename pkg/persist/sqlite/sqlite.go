package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/panic80/G7GovAI-sub001/pkg/logger"
	"github.com/panic80/G7GovAI-sub001/pkg/persist"
)

var tracer = otel.Tracer("g7gov/pkg/persist/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

const schema = `CREATE TABLE IF NOT EXISTS session_state (
	scope TEXT NOT NULL,
	name TEXT NOT NULL,
	state BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (scope, name)
)`

// Storage is a persist.Storage backed by a SQLite database file.
type Storage struct {
	stbl   sq.StatementBuilderType
	db     *sql.DB
	logger logger.Logger
}

var _ persist.Storage = (*Storage)(nil)

// PrepareDSN adds the journal mode, busy timeout and transaction locking defaults to uri
// unless it already sets them.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// New opens the database at uri and creates the state table if needed.
func New(ctx context.Context, uri string, l logger.Logger) (*Storage, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session_state table: %w", err)
	}

	if l == nil {
		l = logger.NewNoopLogger()
	}

	return &Storage{
		stbl:   sq.StatementBuilder.RunWith(db),
		db:     db,
		logger: l,
	}, nil
}

func (s *Storage) Load(ctx context.Context, scope, name string) ([]byte, error) {
	ctx, span := startTrace(ctx, "Load")
	defer span.End()

	var state []byte
	err := s.stbl.
		Select("state").
		From("session_state").
		Where(sq.Eq{"scope": scope, "name": name}).
		QueryRowContext(ctx).
		Scan(&state)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	return state, nil
}

func (s *Storage) Save(ctx context.Context, scope, name string, state []byte) error {
	ctx, span := startTrace(ctx, "Save")
	defer span.End()

	now := time.Now().UTC()
	err := busyRetry(func() error {
		_, err := s.stbl.
			Insert("session_state").
			Columns("scope", "name", "state", "updated_at").
			Values(scope, name, state, now).
			Suffix("ON CONFLICT (scope, name) DO UPDATE SET state = ?, updated_at = ?", state, now).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		s.logger.Warn("failed to save session state", zap.String("scope", scope), zap.String("name", name), zap.Error(err))
		return HandleSQLError(err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, scope, name string) error {
	ctx, span := startTrace(ctx, "Delete")
	defer span.End()

	err := busyRetry(func() error {
		_, err := s.stbl.
			Delete("session_state").
			Where(sq.Eq{"scope": scope, "name": name}).
			ExecContext(ctx)
		return err
	})
	if err != nil {
		return HandleSQLError(err)
	}
	return nil
}

func (s *Storage) Names(ctx context.Context, scope string) ([]string, error) {
	ctx, span := startTrace(ctx, "Names")
	defer span.End()

	rows, err := s.stbl.
		Select("name").
		From("session_state").
		Where(sq.Eq{"scope": scope}).
		OrderBy("name").
		QueryContext(ctx)
	if err != nil {
		return nil, HandleSQLError(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, HandleSQLError(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, HandleSQLError(err)
	}
	return names, nil
}

func (s *Storage) Close() {
	s.db.Close()
}

// HandleSQLError maps driver errors onto persist errors.
func HandleSQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return persist.ErrNotFound
	}
	return fmt.Errorf("sql error: %w", err)
}

// SQLite reports SQLITE_BUSY instead of waiting when another connection holds the lock.
func busyRetry(fn func() error) error {
	const maxRetries = 10
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isBusyError(err) {
			if retries < maxRetries {
				continue
			}

			return fmt.Errorf("sqlite busy error after %d retries: %w", maxRetries, err)
		}

		return err
	}
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	_, ok := busyErrors[sqliteErr.Code()]
	return ok
}
