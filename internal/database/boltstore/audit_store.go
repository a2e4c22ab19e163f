package boltstore

import (
	"context"
	"encoding/json"
	"fmt"

	"floodguard/internal/flood"

	bolt "go.etcd.io/bbolt"
)

// AuditStore persists the escalation audit trail.
type AuditStore struct {
	db *bolt.DB
}

var _ flood.AuditLog = (*AuditStore)(nil)

// Record stores an audit entry.
func (s *AuditStore) Record(ctx context.Context, entry flood.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAudit)
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", BucketAudit)
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}

		// Use timestamp-based key for chronological ordering
		// Format: timestamp:subject for uniqueness
		key := fmt.Sprintf("%d:%s", entry.At.UnixNano(), entry.Subject)

		return bucket.Put([]byte(key), data)
	})
}

// List returns the most recent audit entries, newest first.
func (s *AuditStore) List(ctx context.Context, limit int) ([]flood.AuditEntry, error) {
	var entries []flood.AuditEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAudit)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(entries) < limit; k, v = cursor.Prev() {
			var entry flood.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue // Skip malformed entries
			}
			entries = append(entries, entry)
		}
		return nil
	})

	return entries, err
}

// ListForSubject returns the most recent audit entries for one subject,
// newest first.
func (s *AuditStore) ListForSubject(ctx context.Context, subject string, limit int) ([]flood.AuditEntry, error) {
	var entries []flood.AuditEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketAudit)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(entries) < limit; k, v = cursor.Prev() {
			var entry flood.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.Subject == subject {
				entries = append(entries, entry)
			}
		}
		return nil
	})

	return entries, err
}
