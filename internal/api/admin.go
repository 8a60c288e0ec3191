package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/ledger-orchestrator/internal/audit"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
)

// queryAudit: GET /v1/audit?agent_id=&action=&entity_id=&user_id=&since=&until=&limit=
// Тенант берется из токена; чужой tenant_id доступен только super_admin.
func (s *Server) queryAudit(w http.ResponseWriter, r *http.Request) {
	tc := tenantOf(r)
	q := r.URL.Query()

	f := audit.Filter{
		TenantID: tc.TenantID,
		UserID:   q.Get("user_id"),
		AgentID:  domain.AgentID(q.Get("agent_id")),
		Action:   q.Get("action"),
		EntityID: q.Get("entity_id"),
	}
	if t, ok := q["tenant_id"]; ok {
		if !tc.CanAccess(t[0]) {
			writeError(w, http.StatusForbidden, "forbidden", domain.ErrTenantIsolation)
			return
		}
		f.TenantID = t[0]
	}

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if l := q.Get("limit"); l != "" {
		if f.Limit, err = strconv.Atoi(l); err != nil || f.Limit < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid limit %q", l))
			return
		}
	}

	entries, err := s.deps.Audit.Query(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339", v)
	}
	return t, nil
}

func (s *Server) limitUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.TenantLimiter == nil {
		writeError(w, http.StatusNotFound, "not_found", errors.New("rate limiting is disabled"))
		return
	}
	tc := tenantOf(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tc.TenantID,
		"usage":     s.deps.TenantLimiter.Usage(tc.TenantID),
	})
}

func (s *Server) resetLimit(w http.ResponseWriter, r *http.Request) {
	if s.deps.TenantLimiter != nil {
		s.deps.TenantLimiter.Reset(chi.URLParam(r, "tenant"))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breakers.Stats())
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Breakers.Get(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	b.Reset()
	writeJSON(w, http.StatusOK, b.Stats())
}
