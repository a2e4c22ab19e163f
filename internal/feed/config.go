// Package feed consumes the moderation event stream over WebSocket and
// routes modmail and post events into the escalation engine.
package feed

// DefaultEndpoints are the public stream endpoints, tried in rotation
// on connection failure.
var DefaultEndpoints = []string{
	"wss://stream1.floodguard.example/subscribe",
	"wss://stream2.floodguard.example/subscribe",
}

// Event kinds carried by the stream.
const (
	KindModmailMessage = "modmail.message"
	KindPostSubmit     = "post.submit"
)

// Config holds configuration for the stream consumer.
type Config struct {
	// Endpoints is a list of WebSocket URLs to connect to (with
	// fallback rotation).
	Endpoints []string

	// WantedKinds filters the stream to specific event kinds.
	WantedKinds []string

	// Compress enables zstd-compressed frames.
	Compress bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Endpoints:   DefaultEndpoints,
		WantedKinds: []string{KindModmailMessage, KindPostSubmit},
		Compress:    false,
	}
}
