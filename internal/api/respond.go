package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"github.com/xela07ax/ledger-orchestrator/internal/orchestrator"
	"go.uber.org/zap"
)

type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind string, err error) {
	body := errorBody{Error: kind}
	if err != nil {
		body.Message = err.Error()
	}
	writeJSON(w, code, body)
}

// statusFor переводит ошибку вызова (не задачи) в HTTP статус.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyCommand), errors.Is(err, domain.ErrInvalidTask):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, domain.ErrUnknownAgent), errors.Is(err, orchestrator.ErrPlanNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrTenantIsolation):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, orchestrator.ErrPlanRunning):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, code, kind, err)
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func tenantOf(r *http.Request) domain.TenantContext {
	tc, _ := domain.TenantFrom(r.Context())
	return tc
}
