package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleSuperAdmin  Role = "super_admin"
	RoleTenantAdmin Role = "tenant_admin"
	RoleAccountant  Role = "accountant"
	RoleViewer      Role = "viewer"
)

// TenantContext: неизменяемая идентичность вызывающего, живет ровно один вызов.
type TenantContext struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     Role   `json:"role"`
}

// CanAccess реализует правило изоляции тенантов: чужой тенант доступен только super_admin.
func (tc TenantContext) CanAccess(tenantID string) bool {
	return tc.TenantID == tenantID || tc.Role == RoleSuperAdmin
}

// TenantClaims: полезная нагрузка RS256 токена, из которой строится TenantContext.
type TenantClaims struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

func (c *TenantClaims) TenantContext() TenantContext {
	return TenantContext{TenantID: c.TenantID, UserID: c.UserID, Role: c.Role}
}
