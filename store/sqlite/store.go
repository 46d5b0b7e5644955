// Package sqlite implements store.Store on a single SQLite database
// file via database/sql and the modernc.org/sqlite driver. Each tenant
// gets its own database file, which is the smallest possible unit of
// tenant isolation: separate file, separate schema, separate locks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/xraph/tenancy/dead"
	"github.com/xraph/tenancy/job"
	"github.com/xraph/tenancy/process"
)

// Compile-time checks per subsystem so failures stay local.
var (
	_ job.Store     = (*Store)(nil)
	_ process.Store = (*Store)(nil)
	_ dead.Store    = (*Store)(nil)
)

// Store is a SQLite implementation of store.Store for one tenant.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating if necessary) the SQLite database at the given
// DSN. An empty DSN or ":memory:" opens an in-memory database. WAL mode
// and a busy timeout are applied so concurrent executor sweeps and API
// calls do not trip over SQLITE_BUSY.
func Open(dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tenancy/sqlite: open %q: %w", dsn, err)
	}

	// In-memory databases exist per connection. Pin the pool to one
	// connection so every query sees the same database.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, pErr := db.Exec(pragma); pErr != nil {
			db.Close()
			return nil, fmt.Errorf("tenancy/sqlite: %s: %w", pragma, pErr)
		}
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// NewFromDB wraps an existing *sql.DB. Close still closes the db, so
// callers sharing a handle should not reuse it after closing the Store.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// timeNs converts a time to the integer nanosecond representation used
// for every timestamp column. SQLite has no native time type and text
// timestamps do not compare reliably, so everything is UnixNano.
func timeNs(t time.Time) int64 {
	return t.UnixNano()
}

// nsTime converts a stored nanosecond timestamp back to UTC time.
func nsTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// nullNs converts an optional time to a nullable nanosecond column value.
func nullNs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// nsPtr converts a nullable nanosecond column value back to *time.Time.
func nsPtr(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := nsTime(ns.Int64)
	return &t
}
