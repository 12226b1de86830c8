package httpapi

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Roles accepted by the management API. Keep in sync with docs and enforcement.
const (
	RoleAdmin       = "admin"
	RoleOps         = "ops"
	RoleTenantOwner = "tenantOwner"
	RoleReadOnly    = "readOnly"
)

type contextKey int

const claimsKey contextKey = 1

type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	// Tenant scopes tenantOwner tokens to a single tenant.
	Tenant string `json:"tenant,omitempty"`
	jwt.RegisteredClaims
}

type AuthConfig struct{ Key []byte }

func (a AuthConfig) ParseFromHeader(authz string) (*Claims, error) {
	if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return nil, errors.New("CERES-401: missing bearer")
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer"))
	var c Claims
	if _, err := jwt.ParseWithClaims(tok, &c, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return a.Key, nil
	}); err != nil {
		return nil, errors.New("CERES-401: invalid token")
	}
	return &c, nil
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func ClaimsFrom(ctx context.Context) *Claims {
	if v := ctx.Value(claimsKey); v != nil {
		if c, ok := v.(*Claims); ok {
			return c
		}
	}
	return &Claims{Subject: "anonymous", Roles: []string{RoleReadOnly}}
}

func HasRole(c *Claims, want string) bool {
	for _, r := range c.Roles {
		if r == want {
			return true
		}
	}
	return false
}

// CanAccessTenant reports whether the caller may read the given tenant.
// Admin, ops and readOnly see everything; tenantOwner only its own tenant.
func CanAccessTenant(c *Claims, tenantID string) bool {
	if HasRole(c, RoleAdmin) || HasRole(c, RoleOps) || HasRole(c, RoleReadOnly) {
		return true
	}
	return HasRole(c, RoleTenantOwner) && c.Tenant == tenantID
}
