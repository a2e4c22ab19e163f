package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"floodguard/internal/flood"
)

// TombstoneRetention is how long an admitted event ID blocks replays.
const TombstoneRetention = 24 * time.Hour

// DedupStore implements event idempotency over a tombstone table.
type DedupStore struct {
	db *sql.DB

	now func() time.Time
}

var _ flood.DedupStore = (*DedupStore)(nil)

// Admit returns true exactly once per event ID within the retention
// horizon. A replay never refreshes the tombstone.
func (s *DedupStore) Admit(ctx context.Context, eventID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	var expires int64
	err = tx.QueryRowContext(ctx, `
		SELECT expires_at FROM event_tombstones WHERE event_id = ?
	`, eventID).Scan(&expires)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to read tombstone: %w", err)
	}
	if err == nil && now.UnixNano() < expires {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_tombstones (event_id, expires_at) VALUES (?, ?)
		ON CONFLICT(event_id) DO UPDATE SET expires_at = excluded.expires_at
	`, eventID, now.Add(TombstoneRetention).UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to write tombstone: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit tombstone: %w", err)
	}
	return true, nil
}

// SweepExpired removes tombstones past the retention horizon.
func (s *DedupStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_tombstones WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep tombstones: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
