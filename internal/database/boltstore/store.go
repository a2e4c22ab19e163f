// Package boltstore provides persistent storage using BoltDB (bbolt).
// It backs the windowed counter store, the idempotency guard, the
// deferred action scheduler, and the escalation audit log.
package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket names for organizing data
var (
	// BucketFlood stores counters, warning marks and suppressions.
	// Keys follow "{purpose}:{subject}" with derived ":warning" and
	// ":muteDuration" sub-keys for the warning mark and suppression.
	BucketFlood = []byte("flood_state")

	// BucketTombstones stores processed event IDs with their retention
	// expiry for deduplication.
	BucketTombstones = []byte("event_tombstones")

	// BucketJobs stores durable deferred action records keyed by
	// "{fireAtNanos}:{subject}" for chronological scanning.
	BucketJobs = []byte("deferred_jobs")

	// BucketAudit stores the escalation action audit trail.
	BucketAudit = []byte("escalation_audit_log")

	// BucketMeta stores metadata like the feed cursor position.
	BucketMeta = []byte("meta")
)

// Store wraps a BoltDB database and provides access to specialized stores.
type Store struct {
	db *bolt.DB
}

// Options configures the BoltDB store.
type Options struct {
	// Path to the database file. Parent directories will be created if needed.
	Path string

	// Timeout for obtaining a file lock on the database.
	// If zero, a default of 5 seconds is used.
	Timeout time.Duration

	// FileMode for creating the database file.
	// If zero, 0600 is used.
	FileMode os.FileMode
}

// DefaultOptions returns sensible defaults for development.
func DefaultOptions() Options {
	return Options{
		Path:     "floodguard.db",
		Timeout:  5 * time.Second,
		FileMode: 0600,
	}
}

// Open creates or opens a BoltDB database at the specified path.
// It creates all necessary buckets if they don't exist.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = "floodguard.db"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0600
	}

	// Ensure parent directory exists
	dir := filepath.Dir(opts.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(opts.Path, opts.FileMode, &bolt.Options{
		Timeout: opts.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketFlood,
			BucketTombstones,
			BucketJobs,
			BucketAudit,
			BucketMeta,
		}

		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying BoltDB instance for advanced operations.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// FloodStore returns a counter/state store backed by this database.
func (s *Store) FloodStore() *FloodStore {
	return &FloodStore{db: s.db, now: time.Now}
}

// DedupStore returns an idempotency guard backed by this database.
func (s *Store) DedupStore() *DedupStore {
	return &DedupStore{db: s.db, now: time.Now}
}

// JobStore returns a deferred action store backed by this database.
func (s *Store) JobStore() *JobStore {
	return &JobStore{db: s.db}
}

// AuditStore returns an escalation audit log backed by this database.
func (s *Store) AuditStore() *AuditStore {
	return &AuditStore{db: s.db}
}

// GetCursor returns the persisted feed cursor, or 0 if none is stored.
func (s *Store) GetCursor(ctx context.Context) (int64, error) {
	var cursor int64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(BucketMeta).Get([]byte("feed_cursor"))
		if len(data) == 8 {
			cursor = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return cursor, err
}

// SetCursor persists the feed cursor position.
func (s *Store) SetCursor(ctx context.Context, cursor int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(cursor))
		return tx.Bucket(BucketMeta).Put([]byte("feed_cursor"), buf)
	})
}

// Stats returns database statistics.
func (s *Store) Stats() bolt.Stats {
	return s.db.Stats()
}
