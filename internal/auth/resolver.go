// ABOUTME: Resolves request credentials to an Identity
// ABOUTME: API key first, then bearer header or cookie token, else anonymous

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/beacon-gateway/internal/credential"
	"github.com/2389/beacon-gateway/internal/store"
)

// Credentials are the raw credential carriers found on a request.
type Credentials struct {
	APIKey      string
	BearerToken string
	CookieToken string
	ClientAddr  string
}

// Empty reports whether no credential was presented.
func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.BearerToken == "" && c.CookieToken == ""
}

// AccountLookup reads live account rows.
type AccountLookup interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	GetAccountByAPIKeyHash(ctx context.Context, hash string) (*store.Account, error)
}

// SessionChecker answers whether a token ID is still usable.
type SessionChecker interface {
	IsUsable(ctx context.Context, tokenID string) (bool, error)
}

// TokenVerifier verifies a signed session token.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// Resolver turns credentials into an Identity.
type Resolver struct {
	accounts AccountLookup
	sessions SessionChecker
	tokens   TokenVerifier
	logger   *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(accounts AccountLookup, sessions SessionChecker, tokens TokenVerifier, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		accounts: accounts,
		sessions: sessions,
		tokens:   tokens,
		logger:   logger.With("component", "auth"),
	}
}

// Resolve returns the caller's identity.
//
// It returns (nil, nil) when no credential was presented, and (nil, error of
// KindAuthentication) when credentials were presented but none was valid.
// Any other error is an internal failure. Precedence is fixed: a valid API
// key wins, then a bearer header, then the session cookie.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (*Identity, error) {
	if creds.Empty() {
		return nil, nil
	}

	var reason string

	if creds.APIKey != "" {
		id, why, err := r.resolveAPIKey(ctx, creds.APIKey)
		if err != nil {
			return nil, err
		}
		if id != nil {
			id.ClientAddr = creds.ClientAddr
			return id, nil
		}
		reason = why
	}

	for _, candidate := range []struct {
		token  string
		method Method
	}{
		{creds.BearerToken, MethodBearer},
		{creds.CookieToken, MethodCookie},
	} {
		if candidate.token == "" {
			continue
		}
		id, why, err := r.resolveToken(ctx, candidate.token, candidate.method)
		if err != nil {
			return nil, err
		}
		if id != nil {
			id.ClientAddr = creds.ClientAddr
			return id, nil
		}
		reason = why
	}

	r.logger.Warn("auth failure", "reason", reason, "client_addr", creds.ClientAddr)
	return nil, Unauthenticated("invalid or expired credentials")
}

// resolveAPIKey returns an identity, or a failure reason, or an internal error.
func (r *Resolver) resolveAPIKey(ctx context.Context, key string) (*Identity, string, error) {
	if !credential.LooksLikeAPIKey(key) {
		return nil, "malformed_api_key", nil
	}

	account, err := r.accounts.GetAccountByAPIKeyHash(ctx, credential.DigestAPIKey(key))
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, "unknown_api_key", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("looking up api key: %w", err)
	}
	if !credential.VerifyAPIKey(key, account.APIKeyHash) {
		return nil, "unknown_api_key", nil
	}

	return &Identity{
		AccountID:          account.ID,
		Username:           account.Username,
		IsPrivileged:       account.IsPrivileged,
		Method:             MethodAPIKey,
		MustRotatePassword: account.MustRotatePassword,
	}, "", nil
}

// resolveToken returns an identity, or a failure reason, or an internal error.
func (r *Resolver) resolveToken(ctx context.Context, token string, method Method) (*Identity, string, error) {
	claims, err := r.tokens.Verify(token)
	if errors.Is(err, ErrExpiredToken) {
		return nil, "token_expired", nil
	}
	if err != nil {
		return nil, "token_invalid", nil
	}

	usable, err := r.sessions.IsUsable(ctx, claims.ID)
	if err != nil {
		return nil, "", fmt.Errorf("checking session: %w", err)
	}
	if !usable {
		return nil, "session_revoked_or_expired", nil
	}

	// Privilege and username come from the live row; the token's own
	// claims may be stale after a privilege change.
	account, err := r.accounts.GetAccount(ctx, claims.Subject)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, "account_not_found", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("looking up account: %w", err)
	}

	id := &Identity{
		AccountID:          account.ID,
		Username:           account.Username,
		IsPrivileged:       account.IsPrivileged,
		Method:             method,
		TokenID:            claims.ID,
		MustRotatePassword: account.MustRotatePassword,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, "", nil
}
