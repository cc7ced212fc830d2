// ABOUTME: Passkey registration and discoverable login via go-webauthn
// ABOUTME: A successful login issues an ordinary revocable session

package passkey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/beacon-gateway/internal/account"
	"github.com/2389/beacon-gateway/internal/auth"
	"github.com/2389/beacon-gateway/internal/config"
	"github.com/2389/beacon-gateway/internal/store"
)

// Store is the persistence the passkey service needs.
type Store interface {
	store.PasskeyStore
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// SessionStarter issues sessions for authenticated accounts.
type SessionStarter interface {
	StartSession(ctx context.Context, a *store.Account, method store.AuthMethod, meta account.RequestMeta) (*account.SessionResult, error)
}

// RegistrationChallenge is returned by BeginRegistration.
type RegistrationChallenge struct {
	Options      *protocol.CredentialCreation `json:"options"`
	SessionToken string                       `json:"sessionToken"`
}

// LoginChallenge is returned by BeginLogin.
type LoginChallenge struct {
	Options      *protocol.CredentialAssertion `json:"options"`
	SessionToken string                        `json:"sessionToken"`
}

var (
	errChallenge   = auth.Invalid("invalid or expired passkey challenge")
	errLoginFailed = auth.Unauthenticated("passkey authentication failed")
)

// accountUser adapts an account to webauthn.User.
type accountUser struct {
	account *store.Account
	creds   []*store.PasskeyCredential
}

func (u *accountUser) WebAuthnID() []byte {
	return []byte(u.account.ID)
}

func (u *accountUser) WebAuthnName() string {
	return u.account.Username
}

func (u *accountUser) WebAuthnDisplayName() string {
	if u.account.DisplayName != "" {
		return u.account.DisplayName
	}
	return u.account.Username
}

func (u *accountUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.creds))
	for i, c := range u.creds {
		creds[i] = webauthn.Credential{
			ID:              c.CredentialID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Authenticator:   webauthn.Authenticator{SignCount: c.SignCount},
		}
		if c.Transports != "" {
			var transports []protocol.AuthenticatorTransport
			_ = json.Unmarshal([]byte(c.Transports), &transports)
			creds[i].Transport = transports
		}
	}
	return creds
}

// Service runs WebAuthn ceremonies.
type Service struct {
	webauthn   *webauthn.WebAuthn
	store      Store
	sessions   SessionStarter
	challenges *challengeStore
	logger     *slog.Logger
}

// NewService configures the relying party from cfg.
func NewService(cfg config.PasskeysConfig, s Store, sessions SessionStarter, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rpID, rpOrigins := relyingParty(cfg.BaseURL)

	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.DisplayName,
		RPID:          rpID,
		RPOrigins:     rpOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}

	return &Service{
		webauthn:   w,
		store:      s,
		sessions:   sessions,
		challenges: newChallengeStore(time.Now),
		logger:     logger.With("component", "passkey"),
	}, nil
}

// Close releases background resources.
func (s *Service) Close() {
	s.challenges.Close()
}

// relyingParty derives the RP ID and allowed origins from the external base
// URL, defaulting to localhost.
func relyingParty(baseURL string) (rpID string, rpOrigins []string) {
	rpID = "localhost"
	rpOrigins = []string{"http://localhost", "https://localhost"}

	parsed, err := url.Parse(baseURL)
	if baseURL == "" || err != nil || parsed.Hostname() == "" {
		return rpID, rpOrigins
	}

	rpID = parsed.Hostname()
	rpOrigins = []string{parsed.Scheme + "://" + parsed.Host}
	if parsed.Scheme == "https" {
		rpOrigins = append(rpOrigins, "http://"+parsed.Host)
	} else {
		rpOrigins = append(rpOrigins, "https://"+parsed.Host)
	}
	return rpID, rpOrigins
}

func (s *Service) loadUser(ctx context.Context, accountID string) (*accountUser, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	creds, err := s.store.ListPasskeyCredentials(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing passkeys: %w", err)
	}
	return &accountUser{account: a, creds: creds}, nil
}

// BeginRegistration starts registering a passkey for the caller.
func (s *Service) BeginRegistration(ctx context.Context, id *auth.Identity) (*RegistrationChallenge, error) {
	user, err := s.loadUser(ctx, id.AccountID)
	if err != nil {
		return nil, err
	}

	var exclude []protocol.CredentialDescriptor
	for _, c := range user.WebAuthnCredentials() {
		exclude = append(exclude, c.Descriptor())
	}

	options, session, err := s.webauthn.BeginRegistration(user,
		webauthn.WithExclusions(exclude),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}

	token, err := s.challenges.put(session, id.AccountID)
	if err != nil {
		return nil, err
	}
	return &RegistrationChallenge{Options: options, SessionToken: token}, nil
}

// FinishRegistration verifies the authenticator response and stores the
// new credential.
func (s *Service) FinishRegistration(ctx context.Context, id *auth.Identity, sessionToken string, response []byte) (*store.PasskeyCredential, error) {
	session, accountID, ok := s.challenges.take(sessionToken)
	if !ok || accountID != id.AccountID {
		return nil, errChallenge
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		s.logger.Warn("invalid registration response", "error", err)
		return nil, auth.Invalid("invalid passkey response")
	}

	user, err := s.loadUser(ctx, id.AccountID)
	if err != nil {
		return nil, err
	}

	cred, err := s.webauthn.CreateCredential(user, *session, parsed)
	if err != nil {
		s.logger.Warn("passkey verification failed", "account_id", id.AccountID, "error", err)
		return nil, auth.Invalid("passkey could not be verified")
	}

	transports, err := json.Marshal(cred.Transport)
	if err != nil {
		return nil, err
	}
	stored := &store.PasskeyCredential{
		AccountID:       id.AccountID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      string(transports),
		SignCount:       cred.Authenticator.SignCount,
	}
	if err := s.store.CreatePasskeyCredential(ctx, stored); err != nil {
		return nil, fmt.Errorf("storing passkey: %w", err)
	}

	s.audit(ctx, id.AccountID, store.AuditPasskeyRegister, stored.ID, id.ClientAddr)
	s.logger.Info("passkey registered", "account_id", id.AccountID, "passkey_id", stored.ID)
	return stored, nil
}

// BeginLogin starts a discoverable (usernameless) login.
func (s *Service) BeginLogin(ctx context.Context) (*LoginChallenge, error) {
	options, session, err := s.webauthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, fmt.Errorf("beginning login: %w", err)
	}
	token, err := s.challenges.put(session, "")
	if err != nil {
		return nil, err
	}
	return &LoginChallenge{Options: options, SessionToken: token}, nil
}

// FinishLogin verifies the assertion and starts a session for the
// credential's account.
func (s *Service) FinishLogin(ctx context.Context, sessionToken string, response []byte, meta account.RequestMeta) (*account.SessionResult, error) {
	session, _, ok := s.challenges.take(sessionToken)
	if !ok {
		return nil, errChallenge
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		s.logger.Warn("invalid login response", "error", err)
		return nil, auth.Invalid("invalid passkey response")
	}

	stored, err := s.store.GetPasskeyCredentialByCredentialID(ctx, parsed.RawID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("auth failure", "reason", "unknown_passkey", "client_addr", meta.ClientAddr)
		return nil, errLoginFailed
	}
	if err != nil {
		return nil, fmt.Errorf("looking up passkey: %w", err)
	}

	user, err := s.loadUser(ctx, stored.AccountID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, errLoginFailed
	}
	if err != nil {
		return nil, err
	}

	cred, err := s.webauthn.ValidateDiscoverableLogin(credentialFinder(user), *session, parsed)
	if err != nil {
		s.logger.Warn("auth failure", "reason", "passkey_assertion", "account_id", user.account.ID, "error", err)
		return nil, errLoginFailed
	}

	if err := s.store.UpdatePasskeySignCount(ctx, stored.ID, cred.Authenticator.SignCount); err != nil {
		s.logger.Warn("failed to update sign count", "passkey_id", stored.ID, "error", err)
	}

	result, err := s.sessions.StartSession(ctx, user.account, store.AuthMethodPasskey, meta)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, user.account.ID, store.AuditLogin, result.TokenID, meta.ClientAddr)
	s.logger.Info("passkey login", "account_id", user.account.ID)
	return result, nil
}

// credentialFinder returns the handler go-webauthn uses to map a user handle
// back to a user during discoverable login.
func credentialFinder(user *accountUser) webauthn.DiscoverableUserHandler {
	return func(rawID, userHandle []byte) (webauthn.User, error) {
		if len(userHandle) > 0 && string(userHandle) != user.account.ID {
			return nil, errors.New("user handle mismatch")
		}
		return user, nil
	}
}

// List returns the caller's registered passkeys.
func (s *Service) List(ctx context.Context, id *auth.Identity) ([]*store.PasskeyCredential, error) {
	return s.store.ListPasskeyCredentials(ctx, id.AccountID)
}

func (s *Service) audit(ctx context.Context, actor string, action store.AuditAction, target, clientAddr string) {
	entry := &store.AuditEntry{
		ActorAccountID: actor,
		Action:         action,
		TargetType:     "passkey",
		TargetID:       target,
		ClientAddr:     clientAddr,
	}
	if action == store.AuditLogin {
		entry.TargetType = "session"
		entry.Detail = map[string]any{"method": string(store.AuthMethodPasskey)}
	}
	if err := s.store.AppendAuditLog(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry", "action", action, "error", err)
	}
}
