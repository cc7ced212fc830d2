// ABOUTME: Account flows: create, login, logout, refresh, password change
// ABOUTME: Every state change is written to the audit log with the client address

package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/beacon-gateway/internal/auth"
	"github.com/2389/beacon-gateway/internal/credential"
	"github.com/2389/beacon-gateway/internal/session"
	"github.com/2389/beacon-gateway/internal/store"
)

// anonymousActor is recorded for audit entries without an authenticated caller.
const anonymousActor = "anonymous"

// systemActor is recorded for entries created by local tooling.
const systemActor = "system"

// Store is the persistence the account service needs.
type Store interface {
	store.AccountStore
	store.AuditStore
}

// RequestMeta carries best-effort request context for sessions and audit.
type RequestMeta struct {
	ClientAddr string
	UserAgent  string
}

// SessionResult is a newly established session.
type SessionResult struct {
	Token              string
	TokenID            string
	ExpiresAt          time.Time
	Account            *store.Account
	MustRotatePassword bool
}

// CreateInput describes a new account.
type CreateInput struct {
	Username           string
	DisplayName        string
	Password           string
	Privileged         bool
	MustRotatePassword bool
}

// Service implements the account flows on top of the store, the session
// registry and the token issuer.
type Service struct {
	store    Store
	sessions *session.Registry
	tokens   *auth.TokenIssuer
	logger   *slog.Logger
}

// NewService creates an account service.
func NewService(s Store, sessions *session.Registry, tokens *auth.TokenIssuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		sessions: sessions,
		tokens:   tokens,
		logger:   logger.With("component", "account"),
	}
}

// CreateAccount validates and stores a new account. actor may be nil for
// local tooling.
func (s *Service) CreateAccount(ctx context.Context, actor *auth.Identity, in CreateInput, meta RequestMeta) (*store.Account, error) {
	if err := credential.ValidateUsername(in.Username); err != nil {
		return nil, auth.Invalid(err.Error())
	}
	if err := credential.ValidatePassword(in.Password); err != nil {
		return nil, auth.Invalid(err.Error())
	}

	hash, err := credential.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	displayName := in.DisplayName
	if displayName == "" {
		displayName = in.Username
	}

	account := &store.Account{
		Username:           in.Username,
		DisplayName:        displayName,
		PasswordHash:       hash,
		IsPrivileged:       in.Privileged,
		MustRotatePassword: in.MustRotatePassword,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrUsernameExists) {
			return nil, auth.Conflict("username already exists")
		}
		return nil, fmt.Errorf("creating account: %w", err)
	}

	s.audit(ctx, actorID(actor, systemActor), store.AuditAccountCreate, "account", account.ID, meta.ClientAddr, map[string]any{
		"username":   account.Username,
		"privileged": account.IsPrivileged,
	})
	return account, nil
}

// Bootstrap creates the first privileged account. It fails with a
// conflict once any account exists.
func (s *Service) Bootstrap(ctx context.Context, username, password string) (*store.Account, error) {
	count, err := s.store.CountAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting accounts: %w", err)
	}
	if count > 0 {
		return nil, auth.Conflict("accounts already exist")
	}
	return s.CreateAccount(ctx, nil, CreateInput{
		Username:   username,
		Password:   password,
		Privileged: true,
	}, RequestMeta{})
}

// Login verifies a username and password and starts a session.
func (s *Service) Login(ctx context.Context, username, password string, meta RequestMeta) (*SessionResult, error) {
	account, err := s.store.GetAccountByUsername(ctx, username)
	if errors.Is(err, store.ErrAccountNotFound) {
		credential.SimulatePasswordCheck(password)
		s.loginFailed(ctx, username, "unknown_user", meta)
		return nil, errInvalidLogin
	}
	if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}

	if !credential.VerifyPassword(password, account.PasswordHash) {
		s.loginFailed(ctx, username, "bad_password", meta)
		return nil, errInvalidLogin
	}

	result, err := s.StartSession(ctx, account, store.AuthMethodPassword, meta)
	if err != nil {
		return nil, err
	}

	if err := s.store.TouchLastAuthenticated(ctx, account.ID, s.sessions.Now()); err != nil {
		s.logger.Warn("failed to record last authentication", "account_id", account.ID, "error", err)
	}
	s.audit(ctx, account.ID, store.AuditLogin, "session", result.TokenID, meta.ClientAddr, map[string]any{
		"method": string(store.AuthMethodPassword),
	})
	s.logger.Info("login", "account_id", account.ID, "client_addr", meta.ClientAddr)
	return result, nil
}

var errInvalidLogin = auth.Unauthenticated("invalid username or password")

func (s *Service) loginFailed(ctx context.Context, username, reason string, meta RequestMeta) {
	s.logger.Warn("auth failure", "reason", reason, "client_addr", meta.ClientAddr)
	s.audit(ctx, anonymousActor, store.AuditLoginFailed, "account", username, meta.ClientAddr, map[string]any{
		"reason": reason,
	})
}

// StartSession signs a token for account and records its session.
func (s *Service) StartSession(ctx context.Context, account *store.Account, method store.AuthMethod, meta RequestMeta) (*SessionResult, error) {
	issued, err := s.tokens.Issue(account)
	if err != nil {
		return nil, err
	}

	if _, err := s.sessions.Issue(ctx, account.ID, issued.TokenID, issued.ExpiresAt, session.Metadata{
		ClientAddr: meta.ClientAddr,
		UserAgent:  meta.UserAgent,
		Method:     method,
	}); err != nil {
		return nil, err
	}

	return &SessionResult{
		Token:              issued.Token,
		TokenID:            issued.TokenID,
		ExpiresAt:          issued.ExpiresAt,
		Account:            account,
		MustRotatePassword: account.MustRotatePassword,
	}, nil
}

// Logout revokes the caller's session. API key identities have no session
// and logging them out is a no-op.
func (s *Service) Logout(ctx context.Context, id *auth.Identity, meta RequestMeta) error {
	if !id.HasSession() {
		return nil
	}
	if err := s.sessions.Revoke(ctx, id.TokenID); err != nil {
		return err
	}
	s.audit(ctx, id.AccountID, store.AuditLogout, "session", id.TokenID, meta.ClientAddr, nil)
	return nil
}

// Refresh issues a new session for the caller and then revokes the old one.
func (s *Service) Refresh(ctx context.Context, id *auth.Identity, meta RequestMeta) (*SessionResult, error) {
	if !id.HasSession() {
		return nil, auth.Invalid("refresh requires a session token")
	}

	account, err := s.getAccount(ctx, id.AccountID)
	if err != nil {
		return nil, err
	}

	result, err := s.StartSession(ctx, account, store.AuthMethodRefresh, meta)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Revoke(ctx, id.TokenID); err != nil {
		return nil, err
	}

	s.audit(ctx, account.ID, store.AuditRefresh, "session", result.TokenID, meta.ClientAddr, map[string]any{
		"replaced": id.TokenID,
	})
	return result, nil
}

// ChangePassword verifies the current password, stores the new one, revokes
// every session of the account and starts a fresh one for the caller.
func (s *Service) ChangePassword(ctx context.Context, id *auth.Identity, current, next string, meta RequestMeta) (*SessionResult, error) {
	account, err := s.getAccount(ctx, id.AccountID)
	if err != nil {
		return nil, err
	}

	if !credential.VerifyPassword(current, account.PasswordHash) {
		s.logger.Warn("auth failure", "reason", "bad_current_password", "account_id", account.ID, "client_addr", meta.ClientAddr)
		return nil, auth.Unauthenticated("current password is incorrect")
	}
	if err := credential.ValidatePassword(next); err != nil {
		return nil, auth.Invalid(err.Error())
	}

	hash, err := credential.HashPassword(next)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdatePasswordHash(ctx, account.ID, hash, false); err != nil {
		return nil, fmt.Errorf("updating password: %w", err)
	}
	account.PasswordHash = hash
	account.MustRotatePassword = false

	revoked, err := s.sessions.RevokeAll(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	result, err := s.StartSession(ctx, account, store.AuthMethodPassword, meta)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, account.ID, store.AuditPasswordChange, "account", account.ID, meta.ClientAddr, map[string]any{
		"sessions_revoked": revoked,
	})
	return result, nil
}

// Me returns the live account behind an identity.
func (s *Service) Me(ctx context.Context, id *auth.Identity) (*store.Account, error) {
	return s.getAccount(ctx, id.AccountID)
}

func (s *Service) getAccount(ctx context.Context, accountID string) (*store.Account, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, auth.Unauthenticated("account no longer exists")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}
	return account, nil
}

// audit appends an entry. Failures are logged and do not fail the operation.
func (s *Service) audit(ctx context.Context, actor string, action store.AuditAction, targetType, targetID, clientAddr string, detail map[string]any) {
	entry := &store.AuditEntry{
		ActorAccountID: actor,
		Action:         action,
		TargetType:     targetType,
		TargetID:       targetID,
		ClientAddr:     clientAddr,
		Detail:         detail,
	}
	if err := s.store.AppendAuditLog(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry", "action", action, "error", err)
	}
}

func actorID(actor *auth.Identity, fallback string) string {
	if actor == nil {
		return fallback
	}
	return actor.AccountID
}
