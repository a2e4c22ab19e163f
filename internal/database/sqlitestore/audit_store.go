package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"floodguard/internal/flood"
)

// AuditStore persists the escalation audit trail.
type AuditStore struct {
	db *sql.DB
}

var _ flood.AuditLog = (*AuditStore)(nil)

// Record stores an audit entry.
func (s *AuditStore) Record(ctx context.Context, entry flood.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (subject, subject_name, action, detail, at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.Subject, entry.SubjectName, string(entry.Action), entry.Detail, entry.At.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// List returns the most recent audit entries, newest first.
func (s *AuditStore) List(ctx context.Context, limit int) ([]flood.AuditEntry, error) {
	return s.list(ctx, `
		SELECT subject, subject_name, action, detail, at
		FROM audit_log ORDER BY seq DESC LIMIT ?
	`, limit)
}

// ListForSubject returns the most recent audit entries for one subject,
// newest first.
func (s *AuditStore) ListForSubject(ctx context.Context, subject string, limit int) ([]flood.AuditEntry, error) {
	return s.list(ctx, `
		SELECT subject, subject_name, action, detail, at
		FROM audit_log WHERE subject = ? ORDER BY seq DESC LIMIT ?
	`, subject, limit)
}

func (s *AuditStore) list(ctx context.Context, query string, args ...any) ([]flood.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []flood.AuditEntry
	for rows.Next() {
		var entry flood.AuditEntry
		var action string
		var at int64
		if err := rows.Scan(&entry.Subject, &entry.SubjectName, &action, &entry.Detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Action = flood.AuditAction(action)
		entry.At = time.Unix(0, at)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
