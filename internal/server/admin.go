package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/strandkit/strand/pkg/audit"
	"github.com/strandkit/strand/pkg/auth"
	"github.com/strandkit/strand/pkg/ratelimit"
	"github.com/strandkit/strand/pkg/reload"
)

const defaultAuditPageSize = 100

// logAdminAction records a mutating admin call in the audit trail,
// attributed to the authenticated caller when there is one.
func (s *Server) logAdminAction(r *http.Request, action, subject string, details map[string]any) {
	entry := audit.NewEvent(audit.EventTypeAdmin, action).
		WithSubject(subject)
	if details != nil {
		entry = entry.WithDetails(details)
	}
	if id := auth.IdentityFrom(r.Context()); id != nil {
		entry = entry.WithUser(id.Subject, id.Email)
	}
	if err := s.platform.Audit().Log(r.Context(), *entry); err != nil {
		slog.Warn("recording admin audit event", "action", action, "error", err)
	}
}

// adminHandler builds the admin API, wrapped in bearer auth when a
// verifier is configured.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/sessions", s.handleAdminSessions)
	mux.HandleFunc("/admin/sessions/", s.handleAdminSessionDestroy)
	mux.HandleFunc("/admin/services", s.handleAdminServices)
	mux.HandleFunc("/admin/ratelimit", s.handleAdminRateLimit)
	mux.HandleFunc("/admin/ratelimit/reset", s.handleAdminRateLimitReset)
	mux.HandleFunc("/admin/ratelimit/override", s.handleAdminRateLimitOverride)
	mux.HandleFunc("/admin/reload/force", s.handleAdminReloadForce)
	mux.HandleFunc("/admin/audit", s.handleAdminAudit)

	// Aggregate endpoints exist only when the audit backend can answer
	// them.
	if s.platform.AuditMetrics() != nil {
		mux.HandleFunc("/admin/audit/timeseries", s.handleAdminAuditTimeseries)
		mux.HandleFunc("/admin/audit/breakdown", s.handleAdminAuditBreakdown)
		mux.HandleFunc("/admin/audit/overview", s.handleAdminAuditOverview)
	}

	verifier := s.platform.Verifier()
	if verifier == nil {
		return mux
	}
	return auth.Middleware(verifier)(auth.RequireRole(auth.RoleAdmin)(mux))
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.platform.Sessions().Stats())
}

func (s *Server) handleAdminSessionDestroy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/admin/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	if err := s.platform.Sessions().Destroy(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logAdminAction(r, "session_destroy", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses, err := s.platform.Services().StatusAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleAdminRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.platform.RateLimit().Stats())
}

type rateLimitResetRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleAdminRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rateLimitResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	if err := s.platform.RateLimit().Reset(r.Context(), req.Key); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logAdminAction(r, "ratelimit_reset", req.Key, nil)
	w.WriteHeader(http.StatusNoContent)
}

type rateLimitOverrideRequest struct {
	Key        string  `json:"key"`
	Capacity   int     `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
}

func (s *Server) handleAdminRateLimitOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rateLimitOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	kc := ratelimit.KeyConfig{Capacity: req.Capacity, RefillRate: req.RefillRate}
	if err := s.platform.RateLimit().SetKeyConfig(r.Context(), req.Key, kc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logAdminAction(r, "ratelimit_override", req.Key, map[string]any{
		"capacity":    req.Capacity,
		"refill_rate": req.RefillRate,
	})
	w.WriteHeader(http.StatusNoContent)
}

type reloadForceRequest struct {
	Category string   `json:"category"`
	Paths    []string `json:"paths"`
}

func (s *Server) handleAdminReloadForce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req reloadForceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Category == "" {
		http.Error(w, "missing category", http.StatusBadRequest)
		return
	}

	err := s.platform.Reload().Force(r.Context(), reload.Category(req.Category), req.Paths...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logAdminAction(r, "reload_force", req.Category, map[string]any{"paths": req.Paths})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := s.platform.Audit().Query(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleAdminAuditTimeseries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	resolution := audit.Resolution(q.Get("resolution"))
	if resolution == "" {
		resolution = audit.ResolutionHour
	}
	if !audit.ValidResolutions[resolution] {
		http.Error(w, "invalid resolution parameter", http.StatusBadRequest)
		return
	}

	buckets, err := s.platform.AuditMetrics().Timeseries(r.Context(), audit.TimeseriesFilter{
		Resolution: resolution,
		StartTime:  parseTimeParam(q, "start_time"),
		EndTime:    parseTimeParam(q, "end_time"),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleAdminAuditBreakdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	groupBy := audit.BreakdownDimension(q.Get("group_by"))
	if !audit.ValidBreakdownDimensions[groupBy] {
		http.Error(w, "invalid group_by parameter", http.StatusBadRequest)
		return
	}

	filter := audit.BreakdownFilter{
		GroupBy:   groupBy,
		StartTime: parseTimeParam(q, "start_time"),
		EndTime:   parseTimeParam(q, "end_time"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	entries, err := s.platform.AuditMetrics().Breakdown(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAdminAuditOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	overview, err := s.platform.AuditMetrics().Overview(r.Context(),
		parseTimeParam(q, "start_time"), parseTimeParam(q, "end_time"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// auditFilterFromQuery maps /admin/audit query parameters onto an audit
// filter.
func auditFilterFromQuery(r *http.Request) (audit.QueryFilter, error) {
	q := r.URL.Query()
	filter := audit.QueryFilter{
		Type:      audit.EventType(q.Get("type")),
		Action:    q.Get("action"),
		SessionID: q.Get("session_id"),
		Subject:   q.Get("subject"),
		UserID:    q.Get("user_id"),
		Limit:     defaultAuditPageSize,
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, errors.New("invalid limit parameter")
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, errors.New("invalid offset parameter")
		}
		filter.Offset = offset
	}
	if raw := q.Get("success"); raw != "" {
		success, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, errors.New("invalid success parameter")
		}
		filter.Success = &success
	}
	return filter, nil
}

// parseTimeParam reads an RFC 3339 time from a query parameter. Absent
// or malformed values fall back to the querier's defaults.
func parseTimeParam(q url.Values, key string) *time.Time {
	raw := q.Get(key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}
