// Package sqlitestore provides SQLite-backed store implementations as
// an alternative to the default BoltDB backend, for deployments that
// want SQL-queryable state.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/rs/zerolog/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS flood_counters (
	subject    TEXT NOT NULL,
	purpose    TEXT NOT NULL,
	count      INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (subject, purpose)
);

CREATE TABLE IF NOT EXISTS warning_marks (
	subject    TEXT PRIMARY KEY,
	issued_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS suppressions (
	subject      TEXT PRIMARY KEY,
	conversation TEXT NOT NULL,
	expires_at   INTEGER NOT NULL,
	job_id       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_tombstones (
	event_id   TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deferred_jobs (
	id           TEXT PRIMARY KEY,
	fire_at      INTEGER NOT NULL,
	subject      TEXT NOT NULL,
	conversation TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deferred_jobs_fire_at ON deferred_jobs (fire_at);

CREATE TABLE IF NOT EXISTS audit_log (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	subject      TEXT NOT NULL,
	subject_name TEXT NOT NULL DEFAULT '',
	action       TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_subject ON audit_log (subject, at);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// Store wraps the SQLite database and hands out the typed store
// implementations.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and
// applies the schema. The connection is instrumented for tracing.
func Open(ctx context.Context, path string) (*Store, error) {
	// Serialized access and a busy timeout keep the single-writer
	// model from surfacing as SQLITE_BUSY errors.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := otelsql.Open("sqlite", dsn,
		otelsql.WithAttributes(semconv.DBSystemSqlite))
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database at %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info().Str("path", path).Msg("sqlitestore: database opened")
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying connection for callers that need it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// FloodStore returns the counter and state store.
func (s *Store) FloodStore() *FloodStore {
	return &FloodStore{db: s.db, now: time.Now}
}

// DedupStore returns the event idempotency store.
func (s *Store) DedupStore() *DedupStore {
	return &DedupStore{db: s.db, now: time.Now}
}

// JobStore returns the deferred action store.
func (s *Store) JobStore() *JobStore {
	return &JobStore{db: s.db}
}

// AuditStore returns the escalation audit log.
func (s *Store) AuditStore() *AuditStore {
	return &AuditStore{db: s.db}
}

// GetCursor returns the persisted feed cursor, or 0 when none has been
// stored yet.
func (s *Store) GetCursor(ctx context.Context) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'feed_cursor'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return value, nil
}

// SetCursor persists the feed cursor.
func (s *Store) SetCursor(ctx context.Context, cursor int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('feed_cursor', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, cursor)
	if err != nil {
		return fmt.Errorf("failed to persist cursor: %w", err)
	}
	return nil
}
