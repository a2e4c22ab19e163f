package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
type StatsSource struct {
	OutstandingDeferred func() int
	FeedConnected       func() bool
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(src StatsSource) {
	if src.OutstandingDeferred != nil {
		DeferredOutstanding.Set(float64(src.OutstandingDeferred()))
	}
	if src.FeedConnected != nil {
		if src.FeedConnected() {
			FeedConnectionState.Set(1)
		} else {
			FeedConnectionState.Set(0)
		}
	}
}
