// Package handlers implements the operator HTTP surface: subject
// lookup, the audit trail, manual resets and health.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"floodguard/internal/flood"

	"github.com/rs/zerolog/log"
)

// defaultAuditLimit bounds audit responses when the client does not ask
// for a specific page size.
const defaultAuditLimit = 50

// maxAuditLimit caps what a client can ask for.
const maxAuditLimit = 500

// FloodService is the slice of the engine the handlers need.
type FloodService interface {
	Lookup(ctx context.Context, subject string) (flood.LookupResult, error)
	ResetSubject(ctx context.Context, subject string) error
}

// AuditLister reads the escalation audit trail.
type AuditLister interface {
	List(ctx context.Context, limit int) ([]flood.AuditEntry, error)
	ListForSubject(ctx context.Context, subject string, limit int) ([]flood.AuditEntry, error)
}

// SubjectResolver maps a display name to a stable subject ID.
type SubjectResolver interface {
	ResolveUsername(ctx context.Context, username string) (string, error)
}

// FeedStatus reports whether the event stream is connected.
type FeedStatus interface {
	IsConnected() bool
}

// Handler contains all HTTP handler methods and their dependencies.
// Dependencies are injected via the constructor for better testability.
type Handler struct {
	service  FloodService
	audit    AuditLister
	resolver SubjectResolver
	feed     FeedStatus
}

// New creates the operator API handler. resolver and feed may be nil;
// the affected features degrade gracefully.
func New(service FloodService, audit AuditLister, resolver SubjectResolver, feed FeedStatus) *Handler {
	return &Handler{
		service:  service,
		audit:    audit,
		resolver: resolver,
		feed:     feed,
	}
}

// HandleLookup serves GET /api/lookup?user=<name-or-id>. It accepts
// either a display name or a subject ID.
func (h *Handler) HandleLookup(w http.ResponseWriter, r *http.Request) {
	subject, ok := h.resolveSubjectParam(w, r)
	if !ok {
		return
	}

	result, err := h.service.Lookup(r.Context(), subject)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("handlers: lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleAudit serves GET /api/audit?limit=<n>&user=<name-or-id>. With a
// user it returns that subject's trail, otherwise the global one,
// newest first.
func (h *Handler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	var entries []flood.AuditEntry
	var err error
	if user := r.URL.Query().Get("user"); user != "" {
		subject, ok := h.resolveSubject(w, r, user)
		if !ok {
			return
		}
		entries, err = h.audit.ListForSubject(r.Context(), subject, limit)
	} else {
		entries, err = h.audit.List(r.Context(), limit)
	}
	if err != nil {
		log.Error().Err(err).Msg("handlers: audit listing failed")
		writeError(w, http.StatusInternalServerError, "audit listing failed")
		return
	}

	if entries == nil {
		entries = []flood.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// HandleReset serves POST /api/reset with body {"user": "<name-or-id>"}.
// It clears all accumulated state for the subject.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.User == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"user\": \"<name-or-id>\"}")
		return
	}

	subject, ok := h.resolveSubject(w, r, body.User)
	if !ok {
		return
	}

	if err := h.service.ResetSubject(r.Context(), subject); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("handlers: reset failed")
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}

	log.Info().Str("subject", subject).Msg("handlers: subject reset by operator")
	writeJSON(w, http.StatusOK, map[string]any{"subject": subject, "reset": true})
}

// HandleHealth serves GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if h.feed != nil {
		status["feed_connected"] = h.feed.IsConnected()
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) resolveSubjectParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user parameter is required")
		return "", false
	}
	return h.resolveSubject(w, r, user)
}

// resolveSubject passes subject IDs through untouched and resolves
// display names via the resolver.
func (h *Handler) resolveSubject(w http.ResponseWriter, r *http.Request, user string) (string, bool) {
	if strings.HasPrefix(user, "t2_") {
		return user, true
	}
	if h.resolver == nil {
		writeError(w, http.StatusBadRequest, "user must be a subject ID (t2_...)")
		return "", false
	}

	subject, err := h.resolver.ResolveUsername(r.Context(), user)
	if err != nil {
		log.Warn().Err(err).Str("user", user).Msg("handlers: username resolution failed")
		writeError(w, http.StatusNotFound, "unknown user")
		return "", false
	}
	return subject, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("handlers: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
