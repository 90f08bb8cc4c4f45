package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/keywarden/internal/storage"
	"github.com/org/keywarden/pkg/models"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.CountSecrets(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	pending, err := s.store.CountPendingRequests(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	secretsTotal.Set(float64(secrets))
	pendingRequestsTotal.Set(float64(pending))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"secrets":          secrets,
		"pending_requests": pending,
	})
}

type logEntryView struct {
	ID        int64     `json:"id"`
	ActorID   *string   `json:"actor_id,omitempty"`
	SecretID  *string   `json:"secret_id,omitempty"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Verified  bool      `json:"verified"`
}

func logFilterFromQuery(r *http.Request) storage.LogFilter {
	q := r.URL.Query()
	f := storage.LogFilter{
		ActorID:  q.Get("actor"),
		SecretID: q.Get("secret"),
		Limit:    100,
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	return f
}

// AuditLogHandler handles GET /v1/sys/audit-log. Each returned entry
// carries the result of verifying its stamp, so tampering is visible in
// the listing itself.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.auditor.Query(r.Context(), logFilterFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]logEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewLogEntry(e, s.auditor.Verify(e)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"entries": out}})
}

func viewLogEntry(e *models.LogEntry, verified bool) logEntryView {
	return logEntryView{
		ID:        e.ID,
		ActorID:   e.ActorID,
		SecretID:  e.SecretID,
		Event:     e.Event,
		Timestamp: e.Timestamp,
		Verified:  verified,
	}
}

// AuditVerifyHandler handles POST /v1/sys/audit-log/verify: a sweep over
// the selected range reporting every entry whose stamp no longer matches.
func (s *Server) AuditVerifyHandler(w http.ResponseWriter, r *http.Request) {
	checked, tampered, err := s.auditor.Sweep(r.Context(), logFilterFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tampered == nil {
		tampered = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"checked":  checked,
		"tampered": tampered,
	}})
}
