// Package flood implements the escalation engine that protects a
// subreddit's modmail inbox and post feed from flooding by a single
// author: silent counting, a warning, a temporary mute with optional
// auto-lift, and a ban for post flooding.
package flood

import "time"

// Purpose identifies which channel a counter applies to.
type Purpose string

const (
	// PurposeModmail counts messages sent into the modmail inbox.
	PurposeModmail Purpose = "modmail"

	// PurposePost counts submitted posts.
	PurposePost Purpose = "post"
)

// MessageEvent is a modmail message delivered by the event feed.
type MessageEvent struct {
	// ID uniquely identifies the message for deduplication.
	ID string

	// Author is the stable subject ID (account fullname) of the sender.
	Author string

	// AuthorName is the sender's display name.
	AuthorName string

	// Conversation is the modmail conversation the message belongs to.
	Conversation string

	// Participant is the subject ID of the non-moderator participant
	// who owns the conversation. For messages sent by the participant
	// themselves it equals Author.
	Participant string

	// Moderator and Admin flag privileged senders.
	Moderator bool
	Admin     bool

	CreatedAt time.Time
}

// PostEvent is a post submission delivered by the event feed.
type PostEvent struct {
	ID         string
	Author     string
	AuthorName string

	// Post is the submitted post's fullname.
	Post string

	Moderator bool
	Admin     bool

	CreatedAt time.Time
}

// Counter is a per-subject, per-purpose rolling-window counter. A
// counter whose window has lapsed is logically absent: stores must
// never surface a stale count.
type Counter struct {
	Subject         string    `json:"subject"`
	Purpose         Purpose   `json:"purpose"`
	Count           int64     `json:"count"`
	WindowExpiresAt time.Time `json:"window_expires_at"`
}

// WarningMark records that a subject is in the warning tier. While a
// mark is present, the next modmail evaluation uses the warning tier's
// window/threshold pair instead of the mute tier's.
type WarningMark struct {
	Subject   string    `json:"subject"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Suppression records an active mute with a scheduled auto-lift. It
// exists only while an auto-unmute interval is configured and the
// deferred action has neither fired nor been cancelled.
type Suppression struct {
	Subject      string    `json:"subject"`
	Conversation string    `json:"conversation"`
	ExpiresAt    time.Time `json:"expires_at"`

	// JobID references the live deferred action that will lift the mute.
	JobID string `json:"deferred_action_id"`
}

// DeferredAction is a durable record of a scheduled auto-unmute. It
// persists until it fires or is cancelled, independent of counter
// expiry.
type DeferredAction struct {
	ID           string    `json:"id"`
	FireAt       time.Time `json:"fire_at"`
	Subject      string    `json:"subject"`
	Conversation string    `json:"conversation"`
}

// LookupResult is the read-only view of a subject's current state.
type LookupResult struct {
	Subject       string     `json:"subject"`
	MessageCount  int64      `json:"message_count"`
	PostCount     int64      `json:"post_count"`
	Warned        bool       `json:"warned"`
	Muted         bool       `json:"muted"`
	MuteExpiresAt *time.Time `json:"mute_expires_at,omitempty"`
}

// AuditAction is a type of escalation action recorded in the audit log.
type AuditAction string

const (
	AuditActionWarn   AuditAction = "warn"
	AuditActionMute   AuditAction = "mute"
	AuditActionUnmute AuditAction = "unmute"
	AuditActionBan    AuditAction = "ban"
	AuditActionReset  AuditAction = "reset"
)

// AuditEntry records a single escalation action for operator review.
type AuditEntry struct {
	Subject     string      `json:"subject"`
	SubjectName string      `json:"subject_name,omitempty"`
	Action      AuditAction `json:"action"`
	Detail      string      `json:"detail,omitempty"`
	At          time.Time   `json:"at"`
}
