// ABOUTME: API key lifecycle and administrative account actions
// ABOUTME: Callers act on their own account or need the privileged flag

package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/beacon-gateway/internal/auth"
	"github.com/2389/beacon-gateway/internal/credential"
	"github.com/2389/beacon-gateway/internal/store"
)

// authorizeSelfOrPrivileged allows actors to act on their own account, and
// privileged actors to act on any account.
func authorizeSelfOrPrivileged(actor *auth.Identity, accountID string) error {
	if actor == nil {
		return nil
	}
	if actor.AccountID == accountID || actor.IsPrivileged {
		return nil
	}
	return auth.Forbidden("cannot act on another account")
}

// IssueAPIKey replaces the account's API key and returns the new plaintext.
// The plaintext is not recoverable after this call.
func (s *Service) IssueAPIKey(ctx context.Context, actor *auth.Identity, accountID string, meta RequestMeta) (*credential.IssuedAPIKey, error) {
	if err := authorizeSelfOrPrivileged(actor, accountID); err != nil {
		return nil, err
	}

	key, err := credential.IssueAPIKey()
	if err != nil {
		return nil, err
	}

	if err := s.store.SetAPIKey(ctx, accountID, key.Hash, key.DisplaySuffix, s.sessions.Now()); err != nil {
		switch {
		case errors.Is(err, store.ErrAccountNotFound):
			return nil, auth.NotFound("account not found")
		case errors.Is(err, store.ErrAPIKeyExists):
			return nil, auth.Conflict("api key collision, retry")
		default:
			return nil, fmt.Errorf("storing api key: %w", err)
		}
	}

	s.audit(ctx, actorID(actor, systemActor), store.AuditAPIKeyIssue, "account", accountID, meta.ClientAddr, map[string]any{
		"suffix": key.DisplaySuffix,
	})
	return key, nil
}

// RevokeAPIKey removes the account's API key.
func (s *Service) RevokeAPIKey(ctx context.Context, actor *auth.Identity, accountID string, meta RequestMeta) error {
	if err := authorizeSelfOrPrivileged(actor, accountID); err != nil {
		return err
	}

	if err := s.store.ClearAPIKey(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return auth.NotFound("account not found")
		}
		return fmt.Errorf("clearing api key: %w", err)
	}

	s.audit(ctx, actorID(actor, systemActor), store.AuditAPIKeyRevoke, "account", accountID, meta.ClientAddr, nil)
	return nil
}

// RevokeAllSessions revokes every session of an account: "log out
// everywhere" for the caller's own account, forced de-authentication for
// privileged callers acting on another.
func (s *Service) RevokeAllSessions(ctx context.Context, actor *auth.Identity, accountID string, meta RequestMeta) (int64, error) {
	if err := authorizeSelfOrPrivileged(actor, accountID); err != nil {
		return 0, err
	}

	n, err := s.sessions.RevokeAll(ctx, accountID)
	if err != nil {
		return 0, err
	}

	s.audit(ctx, actorID(actor, systemActor), store.AuditSessionsRevokeAll, "account", accountID, meta.ClientAddr, map[string]any{
		"count": n,
	})
	s.logger.Info("revoked all sessions", "account_id", accountID, "count", n)
	return n, nil
}

// SetPrivileged changes an account's privilege flag. It applies to the
// account's next request regardless of credential type.
func (s *Service) SetPrivileged(ctx context.Context, actor *auth.Identity, accountID string, privileged bool, meta RequestMeta) error {
	if actor != nil {
		if !actor.IsPrivileged {
			return auth.Forbidden("privileged account required")
		}
		if actor.AccountID == accountID && !privileged {
			return auth.Invalid("cannot remove your own privilege")
		}
	}

	if err := s.store.SetPrivileged(ctx, accountID, privileged); err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return auth.NotFound("account not found")
		}
		return fmt.Errorf("updating privilege: %w", err)
	}

	s.audit(ctx, actorID(actor, systemActor), store.AuditPrivilegeChange, "account", accountID, meta.ClientAddr, map[string]any{
		"privileged": privileged,
	})
	return nil
}

// ResetPassword sets a new password for an account without knowing the old
// one and forces rotation on next login. Local tooling only.
func (s *Service) ResetPassword(ctx context.Context, accountID, password string) error {
	if err := credential.ValidatePassword(password); err != nil {
		return auth.Invalid(err.Error())
	}
	hash, err := credential.HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, accountID, hash, true); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if _, err := s.sessions.RevokeAll(ctx, accountID); err != nil {
		return err
	}
	s.audit(ctx, systemActor, store.AuditPasswordChange, "account", accountID, "", map[string]any{"reset": true})
	return nil
}

// ListAccounts returns every account.
func (s *Service) ListAccounts(ctx context.Context) ([]*store.Account, error) {
	return s.store.ListAccounts(ctx)
}

// ListAudit returns audit entries matching the filter.
func (s *Service) ListAudit(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	return s.store.ListAuditLog(ctx, f)
}
