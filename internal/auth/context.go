// ABOUTME: Resolved caller identity and its propagation through context
// ABOUTME: Provides WithIdentity/FromContext for HTTP handlers and gRPC methods

package auth

import (
	"context"
	"time"
)

// Method records which credential authenticated the caller.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodBearer Method = "bearer"
	MethodCookie Method = "cookie"
)

// Identity is the authenticated caller. Username and IsPrivileged always
// come from a fresh account lookup, never from token claims.
type Identity struct {
	AccountID    string
	Username     string
	IsPrivileged bool
	Method       Method

	// TokenID and ExpiresAt are set for bearer and cookie identities.
	TokenID   string
	ExpiresAt time.Time

	MustRotatePassword bool

	// ClientAddr is the best-effort network address of the request.
	ClientAddr string
}

// HasSession reports whether the identity is backed by a revocable session.
func (i *Identity) HasSession() bool {
	return i != nil && i.TokenID != ""
}

// Level is the authentication requirement of a route or method.
type Level int

const (
	LevelNone Level = iota
	LevelAuthenticated
	LevelPrivileged
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelAuthenticated:
		return "authenticated"
	case LevelPrivileged:
		return "privileged"
	default:
		return "unknown"
	}
}

// Require checks id against the level. A nil id is anonymous.
func Require(id *Identity, level Level) error {
	switch level {
	case LevelNone:
		return nil
	case LevelAuthenticated:
		if id == nil {
			return ErrAuthentication
		}
		return nil
	default:
		if id == nil {
			return ErrAuthentication
		}
		if !id.IsPrivileged {
			return Forbidden("privileged account required")
		}
		return nil
	}
}

// identityContextKey is the key type for storing Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil for anonymous callers.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
// Only call it behind RequireAuthenticated or RequirePrivileged.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
