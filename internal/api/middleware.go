package api

import (
	"math"
	"net/http"
	"strconv"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// tenantRateLimit: корзина на тенанта. Не ждет: сразу 429 с retry_after.
func (s *Server) tenantRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.TenantLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		tc := tenantOf(r)
		d := s.deps.TenantLimiter.Check(tc.TenantID)
		if !d.Allowed {
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if s.deps.Metrics != nil {
				s.deps.Metrics.ObserveRateLimited("tenant")
			}
			s.logger.Warn("tenant rate limited", zap.String("tenant_id", tc.TenantID), zap.Int("retry_after", secs))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", RetryAfter: secs})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireRole(role domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tenantOf(r).Role != role {
				writeError(w, http.StatusForbidden, "forbidden", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
