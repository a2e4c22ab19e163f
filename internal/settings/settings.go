// Package settings provides the per-deployment escalation policy:
// thresholds, windows, durations, feature toggles and notice templates.
// The policy lives in a JSON file that operators edit in place; it is
// re-read on every evaluation so changes take effect without a restart.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMuteNotice is sent when a subject is muted and no custom body
// is configured.
const DefaultMuteNotice = "You have been muted for spamming this subreddit's modmail (exceeding a message in time treshold)." +
	"\n\nplease make sure to think before you speak and send 1 message with everything you have to say instead of several."

// DefaultWarnNotice is sent on the warning tier when no custom body is
// configured.
const DefaultWarnNotice = "You are sending messages to this subreddit's modmail faster than allowed. " +
	"Please put everything you have to say into a single message; continuing will get you muted."

// ModmailPolicy configures the modmail flood machine.
type ModmailPolicy struct {
	// WarnEnabled turns on the warning tier before the mute tier.
	WarnEnabled bool `json:"warn_enabled"`

	// WarnThreshold is an exclusive lower bound: a warning is issued
	// once the count exceeds it. While a warning mark is active the
	// mute decision uses this threshold and WarnWindowSeconds instead
	// of the mute tier's pair.
	WarnThreshold       int64 `json:"warn_threshold"`
	WarnWindowSeconds   int64 `json:"warn_window_seconds"`
	WarnLifetimeSeconds int64 `json:"warn_lifetime_seconds"`

	// WarnNotice is the warning body; empty selects DefaultWarnNotice.
	WarnNotice string `json:"warn_notice,omitempty"`

	MuteEnabled       bool  `json:"mute_enabled"`
	MuteThreshold     int64 `json:"mute_threshold"`
	MuteWindowSeconds int64 `json:"mute_window_seconds"`

	// MuteHours is the duration passed to the mute action.
	MuteHours int `json:"mute_hours"`

	// AutoUnmuteSeconds schedules an automatic lift this long after the
	// mute. Zero disables auto-lift entirely.
	AutoUnmuteSeconds int64 `json:"auto_unmute_seconds"`

	// MuteNotice is the mute body; empty selects DefaultMuteNotice.
	MuteNotice string `json:"mute_notice,omitempty"`
}

// PostPolicy configures the post flood machine. There is no warning
// tier and no automatic reversal.
type PostPolicy struct {
	BanEnabled    bool  `json:"ban_enabled"`
	Threshold     int64 `json:"threshold"`
	WindowSeconds int64 `json:"window_seconds"`

	// BanDays is the ban duration in days. Zero disables banning.
	BanDays int `json:"ban_days"`

	BanNotice string `json:"ban_notice,omitempty"`
}

// Snapshot is an immutable view of the policy taken for a single
// evaluation. Thresholds cannot change mid-evaluation.
type Snapshot struct {
	Modmail ModmailPolicy `json:"modmail"`
	Posts   PostPolicy    `json:"posts"`
}

// WarnWindow returns the warning tier window as a duration.
func (p ModmailPolicy) WarnWindow() time.Duration {
	return time.Duration(p.WarnWindowSeconds) * time.Second
}

// WarnLifetime returns how long a warning mark stays active.
func (p ModmailPolicy) WarnLifetime() time.Duration {
	return time.Duration(p.WarnLifetimeSeconds) * time.Second
}

// MuteWindow returns the mute tier window as a duration.
func (p ModmailPolicy) MuteWindow() time.Duration {
	return time.Duration(p.MuteWindowSeconds) * time.Second
}

// AutoUnmute returns the auto-lift interval; zero means disabled.
func (p ModmailPolicy) AutoUnmute() time.Duration {
	return time.Duration(p.AutoUnmuteSeconds) * time.Second
}

// Window returns the post flood window as a duration.
func (p PostPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Defaults returns the policy shipped out of the box: mute after more
// than 4 modmail messages in a day, 72 hour mute, no warning tier, no
// auto-lift, post banning off.
func Defaults() Snapshot {
	return Snapshot{
		Modmail: ModmailPolicy{
			WarnEnabled:         false,
			WarnThreshold:       4,
			WarnWindowSeconds:   3600,
			WarnLifetimeSeconds: 86400,
			MuteEnabled:         true,
			MuteThreshold:       4,
			MuteWindowSeconds:   86400,
			MuteHours:           72,
			AutoUnmuteSeconds:   0,
		},
		Posts: PostPolicy{
			BanEnabled:    false,
			Threshold:     12,
			WindowSeconds: 3600,
			BanDays:       2,
		},
	}
}

// Validate checks the policy against the same ranges the original
// deployment enforced on its settings form.
func (s Snapshot) Validate() error {
	m := s.Modmail
	if m.MuteEnabled {
		if m.MuteWindowSeconds < 500 {
			return fmt.Errorf("modmail.mute_window_seconds must be at least 500, got %d", m.MuteWindowSeconds)
		}
		if m.MuteThreshold < 2 || m.MuteThreshold > 20 {
			return fmt.Errorf("modmail.mute_threshold must be between 2 and 20, got %d", m.MuteThreshold)
		}
		if m.MuteHours <= 0 {
			return fmt.Errorf("modmail.mute_hours must be positive, got %d", m.MuteHours)
		}
	}
	if m.WarnEnabled {
		if m.WarnThreshold < 1 {
			return fmt.Errorf("modmail.warn_threshold must be positive, got %d", m.WarnThreshold)
		}
		if m.WarnWindowSeconds < 1 {
			return fmt.Errorf("modmail.warn_window_seconds must be positive, got %d", m.WarnWindowSeconds)
		}
		if m.WarnLifetimeSeconds < 1 {
			return fmt.Errorf("modmail.warn_lifetime_seconds must be positive, got %d", m.WarnLifetimeSeconds)
		}
	}
	if m.AutoUnmuteSeconds < 0 {
		return fmt.Errorf("modmail.auto_unmute_seconds must not be negative, got %d", m.AutoUnmuteSeconds)
	}
	p := s.Posts
	if p.BanEnabled {
		if p.Threshold < 1 {
			return fmt.Errorf("posts.threshold must be positive, got %d", p.Threshold)
		}
		if p.WindowSeconds < 1 {
			return fmt.Errorf("posts.window_seconds must be positive, got %d", p.WindowSeconds)
		}
		if p.BanDays < 0 {
			return fmt.Errorf("posts.ban_days must not be negative, got %d", p.BanDays)
		}
	}
	return nil
}

// Service reads the policy file. Every Snapshot call re-reads it so an
// operator edit is picked up by the very next event; the last good
// snapshot is kept as a fallback for transient read or parse failures.
type Service struct {
	path string

	mu   sync.RWMutex
	last Snapshot
	ok   bool
}

// NewService creates a settings service for the given path. An empty
// path runs on built-in defaults. If the file exists it is loaded once
// up front so startup fails fast on an invalid policy.
func NewService(path string) (*Service, error) {
	s := &Service{path: path}

	if path == "" {
		log.Info().Msg("settings: no policy file configured, using defaults")
		s.last = Defaults()
		s.ok = true
		return s, nil
	}

	snap, err := s.read()
	if err != nil {
		return nil, fmt.Errorf("failed to load policy file: %w", err)
	}

	s.last = snap
	s.ok = true

	log.Info().
		Str("path", path).
		Bool("warn_enabled", snap.Modmail.WarnEnabled).
		Bool("mute_enabled", snap.Modmail.MuteEnabled).
		Bool("ban_enabled", snap.Posts.BanEnabled).
		Msg("settings: policy loaded")

	return s, nil
}

// Snapshot returns the current policy. The file is re-read on every
// call; a read failure after a successful load falls back to the last
// good snapshot rather than stalling event processing.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	if s.path == "" {
		return Defaults(), nil
	}

	snap, err := s.read()
	if err != nil {
		s.mu.RLock()
		last, ok := s.last, s.ok
		s.mu.RUnlock()
		if ok {
			log.Warn().Err(err).Str("path", s.path).Msg("settings: re-read failed, using last good policy")
			return last, nil
		}
		return Snapshot{}, err
	}

	s.mu.Lock()
	s.last = snap
	s.ok = true
	s.mu.Unlock()

	return snap, nil
}

func (s *Service) read() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	// Fields missing from the file keep their defaults so a partial
	// policy file is usable.
	snap := Defaults()
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if err := snap.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("invalid policy: %w", err)
	}

	return snap, nil
}
