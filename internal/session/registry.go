// ABOUTME: Session registry over the revocation ledger
// ABOUTME: A session is usable iff it exists, is not revoked, and has not expired

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/beacon-gateway/internal/store"
)

var (
	// ErrTokenIDCollision is returned when a token ID is issued twice.
	ErrTokenIDCollision = errors.New("session token id collision")
	// ErrInvalidExpiry is returned when a session would expire before it is issued.
	ErrInvalidExpiry = errors.New("session must expire after it is issued")
)

// Metadata is optional context recorded with a new session.
type Metadata struct {
	ClientAddr string
	UserAgent  string
	Method     store.AuthMethod
}

// Registry tracks issued sessions and their revocation and expiry state.
// Writes go straight to the store, so a revocation is visible to every
// verification that starts after Revoke returns.
type Registry struct {
	store  store.SessionStore
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates a registry backed by the given session store.
func NewRegistry(s store.SessionStore, opts ...Option) *Registry {
	r := &Registry{
		store:  s,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "session")
	return r
}

// Now returns the registry's current time.
func (r *Registry) Now() time.Time {
	return r.now().UTC()
}

// Issue records a new session for tokenID.
func (r *Registry) Issue(ctx context.Context, accountID, tokenID string, expiresAt time.Time, meta Metadata) (*store.Session, error) {
	issuedAt := r.Now()
	if !expiresAt.After(issuedAt) {
		return nil, ErrInvalidExpiry
	}

	sess := &store.Session{
		AccountID:  accountID,
		TokenID:    tokenID,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt.UTC(),
		ClientAddr: meta.ClientAddr,
		UserAgent:  meta.UserAgent,
		AuthMethod: meta.Method,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrDuplicateTokenID) {
			r.logger.Error("token id collision", "account_id", accountID)
			return nil, ErrTokenIDCollision
		}
		return nil, fmt.Errorf("issuing session: %w", err)
	}

	r.logger.Debug("issued session", "account_id", accountID, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// IsUsable reports whether tokenID names a session that is neither revoked
// nor expired. Unknown tokens are not usable.
func (r *Registry) IsUsable(ctx context.Context, tokenID string) (bool, error) {
	sess, err := r.store.GetSessionByTokenID(ctx, tokenID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up session: %w", err)
	}
	return sess.UsableAt(r.Now()), nil
}

// Revoke marks a session revoked. Revoking twice, or revoking an unknown
// token, is a no-op.
func (r *Registry) Revoke(ctx context.Context, tokenID string) error {
	if err := r.store.RevokeSession(ctx, tokenID, r.Now()); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// RevokeAll revokes every active session of an account.
func (r *Registry) RevokeAll(ctx context.Context, accountID string) (int64, error) {
	n, err := r.store.RevokeAccountSessions(ctx, accountID, r.Now())
	if err != nil {
		return 0, fmt.Errorf("revoking account sessions: %w", err)
	}
	return n, nil
}

// Sweep deletes every session that has expired, revoked or not.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	n, err := r.store.DeleteExpiredSessions(ctx, r.Now())
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	if n > 0 {
		r.logger.Info("swept expired sessions", "count", n)
	}
	return n, nil
}

// List returns every session on record for an account.
func (r *Registry) List(ctx context.Context, accountID string) ([]*store.Session, error) {
	return r.store.ListAccountSessions(ctx, accountID)
}
