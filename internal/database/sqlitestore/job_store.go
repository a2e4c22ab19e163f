package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"floodguard/internal/flood"
	"floodguard/internal/scheduler"
)

// JobStore persists deferred action records in SQLite.
type JobStore struct {
	db *sql.DB
}

var _ scheduler.JobStore = (*JobStore)(nil)

func (s *JobStore) Put(ctx context.Context, action flood.DeferredAction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deferred_jobs (id, fire_at, subject, conversation)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fire_at      = excluded.fire_at,
			subject      = excluded.subject,
			conversation = excluded.conversation
	`, action.ID, action.FireAt.UnixNano(), action.Subject, action.Conversation)
	if err != nil {
		return fmt.Errorf("failed to persist deferred action: %w", err)
	}
	return nil
}

// Remove deletes a deferred action and reports whether it still
// existed, so a concurrent cancellation and firing resolve to exactly
// one winner.
func (s *JobStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deferred_jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to remove deferred action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Due returns all jobs whose fire time is at or before now, oldest
// first.
func (s *JobStore) Due(ctx context.Context, now time.Time) ([]flood.DeferredAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fire_at, subject, conversation FROM deferred_jobs
		WHERE fire_at <= ? ORDER BY fire_at ASC
	`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query due actions: %w", err)
	}
	defer rows.Close()

	var due []flood.DeferredAction
	for rows.Next() {
		var action flood.DeferredAction
		var fireAt int64
		if err := rows.Scan(&action.ID, &fireAt, &action.Subject, &action.Conversation); err != nil {
			return nil, fmt.Errorf("failed to scan deferred action: %w", err)
		}
		action.FireAt = time.Unix(0, fireAt)
		due = append(due, action)
	}
	return due, rows.Err()
}

func (s *JobStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_jobs`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count deferred actions: %w", err)
	}
	return count, nil
}
