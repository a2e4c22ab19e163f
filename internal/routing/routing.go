package routing

import (
	"net/http"

	"floodguard/internal/handlers"
	"floodguard/internal/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers *handlers.Handler
	Logger   zerolog.Logger
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Create CrossOriginProtection for CSRF protection on the mutating
	// route
	cop := http.NewCrossOriginProtection()

	// Operator query surface
	mux.HandleFunc("GET /api/lookup", h.HandleLookup)
	mux.HandleFunc("GET /api/audit", h.HandleAudit)

	// Manual reset is the only mutating route
	mux.Handle("POST /api/reset", cop.Handler(http.HandlerFunc(h.HandleReset)))

	// Health and metrics
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Apply middleware in order (outermost first, innermost last)
	var handler http.Handler = mux

	// Logging middleware wraps everything
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	return handler
}
