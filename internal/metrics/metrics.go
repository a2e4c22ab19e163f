package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floodguard_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "floodguard_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Event feed metrics
var (
	FeedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floodguard_feed_events_total",
		Help: "Total number of feed events processed",
	}, []string{"kind"})

	FeedConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "floodguard_feed_connection_state",
		Help: "Event feed connection state (1=connected, 0=disconnected)",
	})

	FeedErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodguard_feed_errors_total",
		Help: "Total number of feed processing errors",
	})
)

// Escalation metrics
var (
	EventsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodguard_events_deduped_total",
		Help: "Total number of redelivered events dropped by the idempotency guard",
	})

	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floodguard_escalations_total",
		Help: "Total number of escalation actions taken",
	}, []string{"action"})

	ResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodguard_resets_total",
		Help: "Total number of authority resets applied",
	})

	ActionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floodguard_action_errors_total",
		Help: "Total number of failed outbound moderation actions",
	}, []string{"action"})
)

// Deferred action metrics
var (
	DeferredScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodguard_deferred_scheduled_total",
		Help: "Total number of deferred auto-unmute actions scheduled",
	})

	DeferredFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodguard_deferred_fired_total",
		Help: "Total number of deferred actions fired",
	})

	DeferredCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodguard_deferred_cancelled_total",
		Help: "Total number of deferred actions cancelled before firing",
	})

	DeferredOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "floodguard_deferred_outstanding",
		Help: "Number of deferred actions currently awaiting their fire time",
	})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	segments := splitPath(path)
	if len(segments) < 2 {
		return path
	}

	if segments[0] == "api" {
		switch segments[1] {
		case "lookup", "audit", "reset":
			if len(segments) == 2 {
				return path
			}
			return "/api/" + segments[1] + "/:id"
		}
	}

	return path
}

func splitPath(path string) []string {
	// Skip leading slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	// Split on /
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
