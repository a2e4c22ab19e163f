package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"floodguard/internal/flood"
)

// FloodStore implements the counter and state stores on SQLite. Expiry
// timestamps are stored as Unix nanoseconds so the due comparison can
// run inside SQL.
type FloodStore struct {
	db *sql.DB

	now func() time.Time
}

var (
	_ flood.CounterStore = (*FloodStore)(nil)
	_ flood.StateStore   = (*FloodStore)(nil)
)

// Increment bumps a subject's counter inside a single transaction. An
// absent or expired row restarts the count at 1; a live row gains 1.
// Either way the window restarts at now+window.
func (s *FloodStore) Increment(ctx context.Context, subject string, purpose flood.Purpose, window time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	var count int64
	var expires int64
	err = tx.QueryRowContext(ctx, `
		SELECT count, expires_at FROM flood_counters WHERE subject = ? AND purpose = ?
	`, subject, string(purpose)).Scan(&count, &expires)
	switch {
	case err == sql.ErrNoRows:
		count = 0
	case err != nil:
		return 0, fmt.Errorf("failed to read counter: %w", err)
	case now.UnixNano() >= expires:
		count = 0
	}

	count++
	_, err = tx.ExecContext(ctx, `
		INSERT INTO flood_counters (subject, purpose, count, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subject, purpose) DO UPDATE SET
			count      = excluded.count,
			expires_at = excluded.expires_at
	`, subject, string(purpose), count, now.Add(window).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to write counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter update: %w", err)
	}
	return count, nil
}

// Peek returns the live count without touching the window. Expired rows
// read as absent.
func (s *FloodStore) Peek(ctx context.Context, subject string, purpose flood.Purpose) (int64, bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM flood_counters
		WHERE subject = ? AND purpose = ? AND expires_at > ?
	`, subject, string(purpose), s.now().UnixNano()).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read counter: %w", err)
	}
	return count, true, nil
}

// Clear removes a counter regardless of expiry.
func (s *FloodStore) Clear(ctx context.Context, subject string, purpose flood.Purpose) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM flood_counters WHERE subject = ? AND purpose = ?
	`, subject, string(purpose))
	if err != nil {
		return fmt.Errorf("failed to clear counter: %w", err)
	}
	return nil
}

func (s *FloodStore) PutWarning(ctx context.Context, mark flood.WarningMark) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO warning_marks (subject, issued_at, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(subject) DO UPDATE SET
			issued_at  = excluded.issued_at,
			expires_at = excluded.expires_at
	`, mark.Subject, mark.IssuedAt.UnixNano(), mark.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write warning mark: %w", err)
	}
	return nil
}

func (s *FloodStore) GetWarning(ctx context.Context, subject string) (*flood.WarningMark, error) {
	var issued, expires int64
	err := s.db.QueryRowContext(ctx, `
		SELECT issued_at, expires_at FROM warning_marks
		WHERE subject = ? AND expires_at > ?
	`, subject, s.now().UnixNano()).Scan(&issued, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read warning mark: %w", err)
	}
	return &flood.WarningMark{
		Subject:   subject,
		IssuedAt:  time.Unix(0, issued),
		ExpiresAt: time.Unix(0, expires),
	}, nil
}

func (s *FloodStore) ClearWarning(ctx context.Context, subject string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM warning_marks WHERE subject = ?`, subject)
	if err != nil {
		return fmt.Errorf("failed to clear warning mark: %w", err)
	}
	return nil
}

func (s *FloodStore) PutSuppression(ctx context.Context, sup flood.Suppression) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppressions (subject, conversation, expires_at, job_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subject) DO UPDATE SET
			conversation = excluded.conversation,
			expires_at   = excluded.expires_at,
			job_id       = excluded.job_id
	`, sup.Subject, sup.Conversation, sup.ExpiresAt.UnixNano(), sup.JobID)
	if err != nil {
		return fmt.Errorf("failed to write suppression: %w", err)
	}
	return nil
}

// GetSuppression never filters on expiry: a suppression is removed by
// the unmute path or an operator reset, not by the clock.
func (s *FloodStore) GetSuppression(ctx context.Context, subject string) (*flood.Suppression, error) {
	var conversation, jobID string
	var expires int64
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation, expires_at, job_id FROM suppressions WHERE subject = ?
	`, subject).Scan(&conversation, &expires, &jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read suppression: %w", err)
	}
	return &flood.Suppression{
		Subject:      subject,
		Conversation: conversation,
		ExpiresAt:    time.Unix(0, expires),
		JobID:        jobID,
	}, nil
}

func (s *FloodStore) ClearSuppression(ctx context.Context, subject string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM suppressions WHERE subject = ?`, subject)
	if err != nil {
		return fmt.Errorf("failed to clear suppression: %w", err)
	}
	return nil
}

// SweepExpired deletes counters and warning marks whose windows have
// elapsed. Suppressions are never swept.
func (s *FloodStore) SweepExpired(ctx context.Context) (int, error) {
	now := s.now().UnixNano()
	removed := 0

	res, err := s.db.ExecContext(ctx, `DELETE FROM flood_counters WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep counters: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += int(n)
	}

	res, err = s.db.ExecContext(ctx, `DELETE FROM warning_marks WHERE expires_at <= ?`, now)
	if err != nil {
		return removed, fmt.Errorf("failed to sweep warning marks: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += int(n)
	}

	return removed, nil
}
