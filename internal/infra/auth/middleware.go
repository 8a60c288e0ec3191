package auth

import (
	"encoding/json"
	"net/http"

	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator: проверка токена, общая для HTTP и gRPC входов.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.TenantClaims, error)
}

// Заголовки режима разработки
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderRole     = "X-Role"
)

// Resolve строит TenantContext: по токену, а если токена нет и включен dev-режим, по заголовкам.
func Resolve(v TokenValidator, devHeaders bool, authorization string, header func(string) string) (domain.TenantContext, error) {
	if authorization != "" && v != nil {
		claims, err := v.VerifyToken(authorization)
		if err != nil {
			return domain.TenantContext{}, err
		}
		return claims.TenantContext(), nil
	}
	if devHeaders {
		tc := domain.TenantContext{
			TenantID: header(HeaderTenantID),
			UserID:   header(HeaderUserID),
			Role:     domain.Role(header(HeaderRole)),
		}
		if tc.TenantID == "" {
			return domain.TenantContext{}, ErrMissingTenant
		}
		if tc.Role == "" {
			tc.Role = domain.RoleAccountant
		}
		return tc, nil
	}
	return domain.TenantContext{}, ErrMissingCredentials
}

// NewMiddleware кладет TenantContext вызывающего в контекст запроса (domain.WithTenant).
func NewMiddleware(v TokenValidator, devHeaders bool, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, err := Resolve(v, devHeaders, r.Header.Get("Authorization"), r.Header.Get)
			if err != nil {
				logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(domain.WithTenant(r.Context(), tc)))
		})
	}
}
