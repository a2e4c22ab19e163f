package flood

import (
	"context"
	"errors"
	"fmt"
	"time"

	"floodguard/internal/metrics"
	"floodguard/internal/settings"
	"floodguard/internal/tracing"

	"github.com/rs/zerolog/log"
)

// Engine evaluates inbound events against the configured policy and
// decides the next escalation step. All state lives in the injected
// stores; the engine itself is stateless and safe for concurrent use.
type Engine struct {
	counters  CounterStore
	state     StateStore
	dedup     DedupStore
	audit     AuditLog
	actor     Actor
	scheduler Scheduler
	settings  SettingsSource

	now func() time.Time
}

// Deps carries the engine's collaborators.
type Deps struct {
	Counters  CounterStore
	State     StateStore
	Dedup     DedupStore
	Audit     AuditLog
	Actor     Actor
	Scheduler Scheduler
	Settings  SettingsSource
}

// NewEngine creates an escalation engine.
func NewEngine(deps Deps) *Engine {
	return &Engine{
		counters:  deps.Counters,
		state:     deps.State,
		dedup:     deps.Dedup,
		audit:     deps.Audit,
		actor:     deps.Actor,
		scheduler: deps.Scheduler,
		settings:  deps.Settings,
		now:       time.Now,
	}
}

// HandleMessage processes one modmail message event. Messages from
// moderators and admins reset the conversation owner's accumulated
// state; messages from anyone else are counted and evaluated against
// the warning and mute tiers.
func (e *Engine) HandleMessage(ctx context.Context, ev MessageEvent) error {
	if ev.ID == "" || ev.Author == "" || ev.Conversation == "" {
		// The feed is trusted but not infallible. Drop without error.
		log.Debug().Str("event_id", ev.ID).Msg("flood: dropping malformed message event")
		return nil
	}

	fresh, err := e.dedup.Admit(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to admit event %s: %w", ev.ID, err)
	}
	if !fresh {
		metrics.EventsDedupedTotal.Inc()
		log.Debug().Str("event_id", ev.ID).Msg("flood: dropping redelivered message event")
		return nil
	}

	if ev.Moderator || ev.Admin {
		if ev.Participant == "" || ev.Participant == ev.Author {
			return nil
		}
		log.Info().
			Str("subject", ev.Participant).
			Str("moderator", ev.AuthorName).
			Str("conversation", ev.Conversation).
			Msg("flood: moderator replied, resetting subject")
		return e.ResetSubject(ctx, ev.Participant)
	}

	ctx, span := tracing.EvalSpan(ctx, string(PurposeModmail), ev.Author)
	defer span.End()

	err = e.evaluateMessage(ctx, ev)
	tracing.EndWithError(span, err)
	return err
}

func (e *Engine) evaluateMessage(ctx context.Context, ev MessageEvent) error {
	snap, err := e.settings.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read policy: %w", err)
	}
	pol := snap.Modmail

	if !pol.MuteEnabled && !pol.WarnEnabled {
		return nil
	}

	mark, err := e.state.GetWarning(ctx, ev.Author)
	if err != nil {
		return fmt.Errorf("failed to read warning mark for %s: %w", ev.Author, err)
	}

	// An active warning mark switches the evaluation to the warning
	// tier's window/threshold pair.
	window, threshold := pol.MuteWindow(), pol.MuteThreshold
	if mark != nil {
		window, threshold = pol.WarnWindow(), pol.WarnThreshold
	}

	count, err := e.counters.Increment(ctx, ev.Author, PurposeModmail, window)
	if err != nil {
		// Fail closed on action: no escalation without a trustworthy count.
		return fmt.Errorf("failed to increment modmail counter for %s: %w", ev.Author, err)
	}

	log.Debug().
		Str("subject", ev.Author).
		Int64("count", count).
		Int64("threshold", threshold).
		Bool("warned", mark != nil).
		Msg("flood: modmail counter incremented")

	if mark == nil && pol.WarnEnabled && count > pol.WarnThreshold {
		return e.warn(ctx, ev, pol)
	}

	if pol.MuteEnabled && count > threshold {
		return e.mute(ctx, ev, pol)
	}

	return nil
}

// warn issues the warning tier: a notice plus a warning mark. The same
// event never proceeds to the mute evaluation.
func (e *Engine) warn(ctx context.Context, ev MessageEvent, pol settings.ModmailPolicy) error {
	body := pol.WarnNotice
	if body == "" {
		body = settings.DefaultWarnNotice
	}

	if err := e.actor.SendNotice(ctx, ev.Conversation, body, true); err != nil {
		metrics.ActionErrorsTotal.WithLabelValues("warn").Inc()
		return fmt.Errorf("failed to send warning notice to %s: %w", ev.Conversation, err)
	}

	now := e.now()
	mark := WarningMark{
		Subject:   ev.Author,
		IssuedAt:  now,
		ExpiresAt: now.Add(pol.WarnLifetime()),
	}
	if err := e.state.PutWarning(ctx, mark); err != nil {
		return fmt.Errorf("failed to record warning mark for %s: %w", ev.Author, err)
	}

	metrics.EscalationsTotal.WithLabelValues("warn").Inc()
	log.Info().
		Str("subject", ev.Author).
		Str("subject_name", ev.AuthorName).
		Time("expires_at", mark.ExpiresAt).
		Msg("flood: warning issued")

	e.recordAudit(ctx, AuditEntry{
		Subject:     ev.Author,
		SubjectName: ev.AuthorName,
		Action:      AuditActionWarn,
		At:          now,
	})
	return nil
}

func (e *Engine) mute(ctx context.Context, ev MessageEvent, pol settings.ModmailPolicy) error {
	sup, err := e.state.GetSuppression(ctx, ev.Author)
	if err != nil {
		return fmt.Errorf("failed to read suppression for %s: %w", ev.Author, err)
	}

	now := e.now()
	var liftAt *time.Time
	if pol.AutoUnmute() > 0 {
		t := now.Add(pol.AutoUnmute())
		liftAt = &t
	}

	body := pol.MuteNotice
	if body == "" {
		body = settings.DefaultMuteNotice
	}
	if liftAt != nil {
		body += fmt.Sprintf("\n\nThis mute will be lifted automatically at %s.", liftAt.UTC().Format(time.RFC1123))
	}

	if err := e.actor.SendNotice(ctx, ev.Conversation, body, true); err != nil {
		metrics.ActionErrorsTotal.WithLabelValues("mute").Inc()
		return fmt.Errorf("failed to send mute notice to %s: %w", ev.Conversation, err)
	}

	if err := e.actor.ApplySuppression(ctx, ev.Conversation, pol.MuteHours); err != nil {
		metrics.ActionErrorsTotal.WithLabelValues("mute").Inc()
		return fmt.Errorf("failed to mute conversation %s: %w", ev.Conversation, err)
	}

	metrics.EscalationsTotal.WithLabelValues("mute").Inc()
	log.Info().
		Str("subject", ev.Author).
		Str("subject_name", ev.AuthorName).
		Str("conversation", ev.Conversation).
		Int("hours", pol.MuteHours).
		Msg("flood: conversation muted")

	e.recordAudit(ctx, AuditEntry{
		Subject:     ev.Author,
		SubjectName: ev.AuthorName,
		Action:      AuditActionMute,
		Detail:      fmt.Sprintf("%d hours", pol.MuteHours),
		At:          now,
	})

	// At most one live deferred action per subject: never schedule a
	// second lift while a suppression still references a live one.
	if liftAt == nil || sup != nil {
		return nil
	}

	jobID, err := e.scheduler.Schedule(ctx, *liftAt, ev.Author, ev.Conversation)
	if err != nil {
		// The mute already stands; without the deferred action it will
		// not be lifted automatically, so an operator must intervene.
		log.Error().Err(err).
			Str("subject", ev.Author).
			Str("conversation", ev.Conversation).
			Msg("flood: mute applied but auto-unmute could not be scheduled")
		return fmt.Errorf("mute applied but auto-unmute not scheduled for %s: %w", ev.Author, err)
	}

	err = e.state.PutSuppression(ctx, Suppression{
		Subject:      ev.Author,
		Conversation: ev.Conversation,
		ExpiresAt:    *liftAt,
		JobID:        jobID,
	})
	if err != nil {
		return fmt.Errorf("failed to record suppression for %s: %w", ev.Author, err)
	}

	log.Info().
		Str("subject", ev.Author).
		Str("job_id", jobID).
		Time("lift_at", *liftAt).
		Msg("flood: auto-unmute scheduled")
	return nil
}

// HandlePost processes one post submission event. Posts always count;
// the ban fires when the count reaches or exceeds the threshold and
// both the ban toggle and a nonzero duration are configured.
func (e *Engine) HandlePost(ctx context.Context, ev PostEvent) error {
	if ev.ID == "" || ev.Author == "" || ev.Post == "" {
		log.Debug().Str("event_id", ev.ID).Msg("flood: dropping malformed post event")
		return nil
	}

	fresh, err := e.dedup.Admit(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to admit event %s: %w", ev.ID, err)
	}
	if !fresh {
		metrics.EventsDedupedTotal.Inc()
		log.Debug().Str("event_id", ev.ID).Msg("flood: dropping redelivered post event")
		return nil
	}

	if ev.Moderator || ev.Admin {
		return nil
	}

	ctx, span := tracing.EvalSpan(ctx, string(PurposePost), ev.Author)
	defer span.End()

	err = e.evaluatePost(ctx, ev)
	tracing.EndWithError(span, err)
	return err
}

func (e *Engine) evaluatePost(ctx context.Context, ev PostEvent) error {
	snap, err := e.settings.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read policy: %w", err)
	}
	pol := snap.Posts

	count, err := e.counters.Increment(ctx, ev.Author, PurposePost, pol.Window())
	if err != nil {
		return fmt.Errorf("failed to increment post counter for %s: %w", ev.Author, err)
	}

	log.Debug().
		Str("subject", ev.Author).
		Int64("count", count).
		Int64("threshold", pol.Threshold).
		Msg("flood: post counter incremented")

	// The post check is inclusive, unlike the modmail thresholds. A
	// zero ban duration disables banning rather than banning for zero
	// days.
	if !pol.BanEnabled || pol.BanDays <= 0 || count < pol.Threshold {
		return nil
	}

	reason := fmt.Sprintf("Posting more than %d times in %d seconds", pol.Threshold, pol.WindowSeconds)
	if err := e.actor.BanSubject(ctx, ev.AuthorName, reason, pol.BanNotice, pol.BanDays); err != nil {
		metrics.ActionErrorsTotal.WithLabelValues("ban").Inc()
		return fmt.Errorf("failed to ban %s: %w", ev.AuthorName, err)
	}

	metrics.EscalationsTotal.WithLabelValues("ban").Inc()
	log.Info().
		Str("subject", ev.Author).
		Str("subject_name", ev.AuthorName).
		Int("days", pol.BanDays).
		Int64("count", count).
		Msg("flood: subject banned for post flooding")

	e.recordAudit(ctx, AuditEntry{
		Subject:     ev.Author,
		SubjectName: ev.AuthorName,
		Action:      AuditActionBan,
		Detail:      reason,
		At:          e.now(),
	})
	return nil
}

// ResetSubject clears all accumulated state for a subject: both
// counters, the warning mark, and the suppression along with its
// pending deferred action. Calling it on an already-clean subject is a
// no-op.
func (e *Engine) ResetSubject(ctx context.Context, subject string) error {
	var errs []error
	dirty := false

	sup, err := e.state.GetSuppression(ctx, subject)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to read suppression: %w", err))
	}
	if sup != nil {
		dirty = true
		// Cancel racing the fire is fine: whoever removes the job
		// first wins and the other side is a no-op.
		if err := e.scheduler.Cancel(ctx, sup.JobID); err != nil {
			errs = append(errs, fmt.Errorf("failed to cancel deferred action %s: %w", sup.JobID, err))
		}
		if err := e.state.ClearSuppression(ctx, subject); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear suppression: %w", err))
		}
	}

	if mark, err := e.state.GetWarning(ctx, subject); err == nil && mark != nil {
		dirty = true
	}
	if err := e.state.ClearWarning(ctx, subject); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear warning mark: %w", err))
	}

	for _, purpose := range []Purpose{PurposeModmail, PurposePost} {
		if _, ok, err := e.counters.Peek(ctx, subject, purpose); err == nil && ok {
			dirty = true
		}
		if err := e.counters.Clear(ctx, subject, purpose); err != nil {
			errs = append(errs, fmt.Errorf("failed to clear %s counter: %w", purpose, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("reset of %s incomplete: %w", subject, errors.Join(errs...))
	}

	if !dirty {
		return nil
	}

	metrics.ResetsTotal.Inc()
	e.recordAudit(ctx, AuditEntry{
		Subject: subject,
		Action:  AuditActionReset,
		At:      e.now(),
	})
	return nil
}

// HandleUnmute is the deferred action callback: it lifts the mute and
// resets the subject. The scheduler invokes it at-or-after the
// suppression's lift time.
func (e *Engine) HandleUnmute(ctx context.Context, subject, conversation string) error {
	if err := e.actor.LiftSuppression(ctx, conversation); err != nil {
		metrics.ActionErrorsTotal.WithLabelValues("unmute").Inc()
		return fmt.Errorf("failed to unmute conversation %s: %w", conversation, err)
	}

	metrics.EscalationsTotal.WithLabelValues("unmute").Inc()
	log.Info().
		Str("subject", subject).
		Str("conversation", conversation).
		Msg("flood: mute lifted automatically")

	e.recordAudit(ctx, AuditEntry{
		Subject: subject,
		Action:  AuditActionUnmute,
		At:      e.now(),
	})

	return e.ResetSubject(ctx, subject)
}

// Lookup returns a subject's current state without mutating anything.
// An expired counter reads as zero, distinguished from an active mute
// with a known lift time.
func (e *Engine) Lookup(ctx context.Context, subject string) (LookupResult, error) {
	res := LookupResult{Subject: subject}

	msgs, ok, err := e.counters.Peek(ctx, subject, PurposeModmail)
	if err != nil {
		return res, fmt.Errorf("failed to read modmail counter for %s: %w", subject, err)
	}
	if ok {
		res.MessageCount = msgs
	}

	posts, ok, err := e.counters.Peek(ctx, subject, PurposePost)
	if err != nil {
		return res, fmt.Errorf("failed to read post counter for %s: %w", subject, err)
	}
	if ok {
		res.PostCount = posts
	}

	mark, err := e.state.GetWarning(ctx, subject)
	if err != nil {
		return res, fmt.Errorf("failed to read warning mark for %s: %w", subject, err)
	}
	res.Warned = mark != nil

	sup, err := e.state.GetSuppression(ctx, subject)
	if err != nil {
		return res, fmt.Errorf("failed to read suppression for %s: %w", subject, err)
	}
	if sup != nil {
		res.Muted = true
		expires := sup.ExpiresAt
		res.MuteExpiresAt = &expires
	}

	return res, nil
}

// recordAudit writes an audit entry. Audit failures never fail the
// escalation that produced them.
func (e *Engine) recordAudit(ctx context.Context, entry AuditEntry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		log.Warn().Err(err).Str("subject", entry.Subject).Str("action", string(entry.Action)).
			Msg("flood: failed to record audit entry")
	}
}
