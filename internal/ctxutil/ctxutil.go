// Package ctxutil provides shared context key accessors.
//
// The HTTP auth middleware attaches JWT claims and a request ID to each
// request context; both the server handlers and the MCP tool handlers read
// them back. The accessors live here so those packages never have to import
// each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/engagehq/engage/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyTenantID  contextKey = "tenant_id"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyTenantID, claims.TenantID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context, or nil for an
// anonymous visitor.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// TenantIDFromContext extracts the tenant ID from the context.
func TenantIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyTenantID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithRequestID returns a new context carrying the given request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
