package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/ledger-orchestrator/internal/domain"
	"go.uber.org/zap"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, claims domain.TenantClaims) string {
	t.Helper()
	var signKey any = key
	if method == jwt.SigningMethodHS256 {
		signKey = []byte("secret")
	}
	s, err := jwt.NewWithClaims(method, &claims).SignedString(signKey)
	require.NoError(t, err)
	return s
}

func validClaims() domain.TenantClaims {
	return domain.TenantClaims{
		TenantID: "tenant-a",
		UserID:   "u1",
		Role:     domain.RoleAccountant,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestVerifyToken(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	v := NewBaseValidator(&key.PublicKey)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noTenant := validClaims()
	noTenant.TenantID = ""
	noRole := validClaims()
	noRole.Role = ""

	tests := []struct {
		name     string
		token    string
		wantErr  bool
		wantRole domain.Role
	}{
		{name: "valid with bearer", token: "Bearer " + sign(t, key, jwt.SigningMethodRS256, validClaims()), wantRole: domain.RoleAccountant},
		{name: "valid bare", token: sign(t, key, jwt.SigningMethodRS256, validClaims()), wantRole: domain.RoleAccountant},
		{name: "empty role defaults to viewer", token: sign(t, key, jwt.SigningMethodRS256, noRole), wantRole: domain.RoleViewer},
		{name: "foreign key", token: sign(t, other, jwt.SigningMethodRS256, validClaims()), wantErr: true},
		{name: "hmac rejected", token: sign(t, key, jwt.SigningMethodHS256, validClaims()), wantErr: true},
		{name: "expired", token: sign(t, key, jwt.SigningMethodRS256, expired), wantErr: true},
		{name: "no tenant", token: sign(t, key, jwt.SigningMethodRS256, noTenant), wantErr: true},
		{name: "garbage", token: "Bearer abc.def", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.VerifyToken(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "tenant-a", claims.TenantID)
			assert.Equal(t, tt.wantRole, claims.Role)
		})
	}
}

func TestMiddleware(t *testing.T) {
	key := newKey(t)
	v := NewBaseValidator(&key.PublicKey)

	var got domain.TenantContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = domain.TenantFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, key, jwt.SigningMethodRS256, validClaims()))
		rec := httptest.NewRecorder()
		NewMiddleware(v, false, zap.NewNop())(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, domain.TenantContext{TenantID: "tenant-a", UserID: "u1", Role: domain.RoleAccountant}, got)
	})

	t.Run("missing credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		req.Header.Set(HeaderTenantID, "tenant-b")
		rec := httptest.NewRecorder()
		NewMiddleware(v, false, zap.NewNop())(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("dev headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		req.Header.Set(HeaderTenantID, "tenant-b")
		req.Header.Set(HeaderRole, "super_admin")
		rec := httptest.NewRecorder()
		NewMiddleware(nil, true, zap.NewNop())(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "tenant-b", got.TenantID)
		assert.Equal(t, domain.RoleSuperAdmin, got.Role)
	})

	t.Run("dev headers without tenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		rec := httptest.NewRecorder()
		NewMiddleware(nil, true, zap.NewNop())(next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
