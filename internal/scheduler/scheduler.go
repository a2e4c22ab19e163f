// Package scheduler runs deferred moderation actions. Jobs are durable
// records in the database; a clock-driven dispatcher polls for due jobs
// and fires them, so outstanding actions survive process restarts.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"floodguard/internal/flood"
	"floodguard/internal/metrics"

	"github.com/rs/zerolog/log"
)

// JobStore is the durable backing for deferred actions.
type JobStore interface {
	Put(ctx context.Context, action flood.DeferredAction) error

	// Remove deletes a job and reports whether it still existed. The
	// dispatcher only fires jobs it removed itself, which makes a
	// concurrent Cancel and fire resolve to exactly one winner.
	Remove(ctx context.Context, id string) (bool, error)

	Due(ctx context.Context, now time.Time) ([]flood.DeferredAction, error)
	Count(ctx context.Context) (int, error)
}

// FireFunc is invoked for each due job. Errors are logged, not retried:
// re-running a moderation action risks double punishment.
type FireFunc func(ctx context.Context, subject, conversation string) error

// Scheduler polls the job store and fires due deferred actions.
type Scheduler struct {
	jobs     JobStore
	fire     FireFunc
	interval time.Duration
	now      func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler polling at the given interval. An interval of
// zero defaults to one second.
func New(jobs JobStore, fire FireFunc, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		jobs:     jobs,
		fire:     fire,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Schedule registers a deferred action to fire at-or-after fireAt and
// returns its ID.
func (s *Scheduler) Schedule(ctx context.Context, fireAt time.Time, subject, conversation string) (string, error) {
	action := flood.DeferredAction{
		ID:           fmt.Sprintf("%d:%s", fireAt.UnixNano(), subject),
		FireAt:       fireAt,
		Subject:      subject,
		Conversation: conversation,
	}

	if err := s.jobs.Put(ctx, action); err != nil {
		return "", fmt.Errorf("failed to persist deferred action: %w", err)
	}

	metrics.DeferredScheduledTotal.Inc()
	log.Debug().
		Str("job_id", action.ID).
		Time("fire_at", fireAt).
		Str("subject", subject).
		Msg("scheduler: deferred action registered")

	return action.ID, nil
}

// Cancel removes a pending deferred action. Cancelling a job that has
// already fired (or was never scheduled) is a silent no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	existed, err := s.jobs.Remove(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to cancel deferred action %s: %w", id, err)
	}
	if existed {
		metrics.DeferredCancelledTotal.Inc()
		log.Debug().Str("job_id", id).Msg("scheduler: deferred action cancelled")
	}
	return nil
}

// Start begins dispatching in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop gracefully stops the dispatcher.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Dispatch immediately so jobs left over from before a restart are
	// not delayed by a full tick.
	s.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler: context cancelled, stopping dispatcher")
			return
		case <-s.stopCh:
			log.Info().Msg("scheduler: stop requested, stopping dispatcher")
			return
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch fires every due job once. Firing happens after the job has
// been removed from the store, so a crash between removal and callback
// can drop a lift (surfaced to operators via the audit log) but never
// double-fires one.
func (s *Scheduler) dispatch(ctx context.Context) {
	due, err := s.jobs.Due(ctx, s.now())
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: failed to read due actions")
		return
	}

	for _, action := range due {
		won, err := s.jobs.Remove(ctx, action.ID)
		if err != nil {
			log.Warn().Err(err).Str("job_id", action.ID).Msg("scheduler: failed to claim due action")
			continue
		}
		if !won {
			// Cancelled between the Due scan and the claim.
			continue
		}

		metrics.DeferredFiredTotal.Inc()
		log.Info().
			Str("job_id", action.ID).
			Str("subject", action.Subject).
			Msg("scheduler: firing deferred action")

		if err := s.fire(ctx, action.Subject, action.Conversation); err != nil {
			log.Error().Err(err).
				Str("job_id", action.ID).
				Str("subject", action.Subject).
				Msg("scheduler: deferred action failed")
		}
	}
}

// Outstanding returns the number of jobs still awaiting their fire
// time, for the metrics collector.
func (s *Scheduler) Outstanding() int {
	count, err := s.jobs.Count(context.Background())
	if err != nil {
		return -1
	}
	return count
}
