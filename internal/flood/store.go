package flood

import (
	"context"
	"time"

	"floodguard/internal/settings"
)

// CounterStore holds per-subject, per-purpose rolling-window counters.
// This abstraction allows swapping BoltDB for SQLite or a real TTL
// store. Expiry is equivalent to deletion: an expired counter must be
// reported as absent, never as a stale count.
type CounterStore interface {
	// Increment creates the counter at 1 with a fresh window if it is
	// absent or expired, otherwise adds 1 and refreshes the expiry to
	// now+window. The read-increment-write must be atomic.
	Increment(ctx context.Context, subject string, purpose Purpose, window time.Duration) (int64, error)

	// Peek returns the current count. ok is false when the counter is
	// absent or its window has elapsed.
	Peek(ctx context.Context, subject string, purpose Purpose) (count int64, ok bool, err error)

	// Clear removes the counter immediately regardless of expiry.
	Clear(ctx context.Context, subject string, purpose Purpose) error
}

// StateStore holds warning marks and suppressions. Getters return nil
// for absent or expired records.
type StateStore interface {
	PutWarning(ctx context.Context, mark WarningMark) error
	GetWarning(ctx context.Context, subject string) (*WarningMark, error)
	ClearWarning(ctx context.Context, subject string) error

	PutSuppression(ctx context.Context, sup Suppression) error
	GetSuppression(ctx context.Context, subject string) (*Suppression, error)
	ClearSuppression(ctx context.Context, subject string) error
}

// DedupStore is the idempotency guard over inbound event IDs.
type DedupStore interface {
	// Admit returns true exactly once per distinct event ID within the
	// retention horizon. This is best-effort deduplication, not a
	// transactional exactly-once guarantee: the presence check and the
	// tombstone write are not atomic against concurrent redelivery of
	// the same event, which the upstream feed makes rare in practice.
	Admit(ctx context.Context, eventID string) (bool, error)
}

// AuditLog records escalation actions for operator review.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// Actor executes moderation actions against the host platform. Calls
// are fire-and-forget: failures propagate to the caller and are never
// retried here, to avoid double punishment.
type Actor interface {
	// SendNotice posts a reply into a modmail conversation. hidden
	// hides the bot author from the recipient.
	SendNotice(ctx context.Context, conversation, body string, hidden bool) error

	// ApplySuppression mutes a modmail conversation for the given
	// number of hours.
	ApplySuppression(ctx context.Context, conversation string, hours int) error

	// LiftSuppression unmutes a modmail conversation.
	LiftSuppression(ctx context.Context, conversation string) error

	// BanSubject bans a user for days days with the given reason and
	// ban message.
	BanSubject(ctx context.Context, subjectName, reason, noticeBody string, days int) error
}

// Scheduler registers deferred auto-unmute actions. Cancel after the
// action has fired is a silent no-op.
type Scheduler interface {
	Schedule(ctx context.Context, fireAt time.Time, subject, conversation string) (string, error)
	Cancel(ctx context.Context, id string) error
}

// SettingsSource supplies a fresh policy snapshot per evaluation.
type SettingsSource interface {
	Snapshot(ctx context.Context) (settings.Snapshot, error)
}
