// Package auth validates the caller identity carried on sandboxed-hook
// invocations (the resolver context's `auth` field, §4.5.2, and
// executeOnKey calls, §6.2). Token issuance, refresh, and HTTP transport
// middleware are explicitly out of scope (§1) — this package only verifies
// a token an external auth service already issued.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Permission is a coarse capability a caller's token can grant.
type Permission string

const (
	PermissionReadOnly  Permission = "read"
	PermissionReadWrite Permission = "write"
	PermissionAdmin     Permission = "admin"
)

// Claims is the decoded identity attached to a hook/resolver invocation
// context.
type Claims struct {
	NodeID      string       `json:"node_id"`
	ConnID      string       `json:"conn_id"`
	Permissions []Permission `json:"permissions"`
	jwt.RegisteredClaims
}

// HasPermission reports whether claims grant required (an admin grant
// satisfies any requirement).
func (c *Claims) HasPermission(required Permission) bool {
	for _, p := range c.Permissions {
		if p == required || p == PermissionAdmin {
			return true
		}
	}
	return false
}

// TokenManager validates tokens issued by an external auth service sharing
// secretKey.
type TokenManager struct {
	secretKey []byte
}

// NewTokenManager creates a validator for tokens signed with secretKey.
func NewTokenManager(secretKey string) *TokenManager {
	return &TokenManager{secretKey: []byte(secretKey)}
}

// ValidateToken verifies and parses a JWT, returning the decoded claims. The
// sandbox (§4.5) calls this once per hook invocation to populate the
// resolver/processor context's `auth` field; it never calls anything that
// issues or refreshes a token.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return tm.secretKey, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// expired reports whether claims carry an ExpiresAt in the past, a helper
// for callers that want to short-circuit before attempting a full parse.
func expired(c *Claims) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Before(time.Now())
}
