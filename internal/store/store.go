// ABOUTME: Store interfaces and data types for beacon-gateway persistence
// ABOUTME: Defines Account, Session, Channel and the interfaces backed by SQLite

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAccountNotFound is returned when an account doesn't exist.
var ErrAccountNotFound = errors.New("account not found")

// ErrSessionNotFound is returned when no session matches a token ID.
var ErrSessionNotFound = errors.New("session not found")

// ErrUsernameExists is returned when trying to create an account with an existing username.
var ErrUsernameExists = errors.New("username already exists")

// ErrAPIKeyExists is returned when an API key digest collides with another account's key.
var ErrAPIKeyExists = errors.New("api key already exists")

// ErrDuplicateTokenID is returned when a session is issued with a token ID already on record.
var ErrDuplicateTokenID = errors.New("session token id already exists")

// ErrChannelExists is returned when a channel name is already taken.
var ErrChannelExists = errors.New("channel already exists")

// Account is a human or service identity that can authenticate.
type Account struct {
	ID                  string
	Username            string
	DisplayName         string
	PasswordHash        string // bcrypt hash, empty for passkey-only accounts
	APIKeyHash          string // hex SHA-256 of the API key, empty when none issued
	APIKeySuffix        string // last 4 characters of the plaintext key, display only
	APIKeyIssuedAt      *time.Time
	IsPrivileged        bool
	MustRotatePassword  bool
	CreatedAt           time.Time
	LastAuthenticatedAt *time.Time
}

// HasAPIKey reports whether an API key digest is on record.
func (a *Account) HasAPIKey() bool {
	return a.APIKeyHash != ""
}

// AuthMethod records how a session was established.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodRefresh  AuthMethod = "refresh"
	AuthMethodPasskey  AuthMethod = "passkey"
)

// Session is the revocation ledger row for one issued bearer token.
type Session struct {
	ID         string
	AccountID  string
	TokenID    string // jti embedded in the token
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
	ClientAddr string
	UserAgent  string
	AuthMethod AuthMethod
}

// UsableAt reports whether the session can authenticate a request at t.
func (s *Session) UsableAt(t time.Time) bool {
	return !s.Revoked && t.Before(s.ExpiresAt)
}

// ChannelType names a notification provider.
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
	ChannelSlack   ChannelType = "slack"
	ChannelTeams   ChannelType = "teams"
	ChannelDiscord ChannelType = "discord"
	ChannelEmail   ChannelType = "email"
)

// ValidChannelTypes lists all supported channel types.
var ValidChannelTypes = []ChannelType{
	ChannelWebhook,
	ChannelSlack,
	ChannelTeams,
	ChannelDiscord,
	ChannelEmail,
}

// Channel is a notification channel. Config holds the provider settings as
// stored: sensitive fields are EncryptedSecret strings, never plaintext.
type Channel struct {
	ID        string
	Name      string
	Type      ChannelType
	Enabled   bool
	Config    map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PasskeyCredential represents a WebAuthn credential registered to an account.
type PasskeyCredential struct {
	ID              string
	AccountID       string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      string // JSON array
	SignCount       uint32
	CreatedAt       time.Time
}

// AccountStore persists accounts and their credentials.
type AccountStore interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*Account, error)
	GetAccountByAPIKeyHash(ctx context.Context, hash string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	CountAccounts(ctx context.Context) (int, error)
	UpdatePasswordHash(ctx context.Context, id, hash string, mustRotate bool) error
	SetAPIKey(ctx context.Context, id, hash, suffix string, issuedAt time.Time) error
	ClearAPIKey(ctx context.Context, id string) error
	SetPrivileged(ctx context.Context, id string, privileged bool) error
	TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error
}

// SessionStore is the revocation ledger.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByTokenID(ctx context.Context, tokenID string) (*Session, error)
	ListAccountSessions(ctx context.Context, accountID string) ([]*Session, error)
	// RevokeSession marks the session revoked. Revoking an already revoked or
	// unknown token is not an error.
	RevokeSession(ctx context.Context, tokenID string, at time.Time) error
	RevokeAccountSessions(ctx context.Context, accountID string, at time.Time) (int64, error)
	// DeleteExpiredSessions removes every session with expires_at before now,
	// revoked or not.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// AuditStore appends and lists audit entries.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// ChannelStore persists notification channel configurations.
type ChannelStore interface {
	CreateChannel(ctx context.Context, ch *Channel) error
	GetChannelByName(ctx context.Context, name string) (*Channel, error)
	UpdateChannel(ctx context.Context, ch *Channel) error
	ListChannels(ctx context.Context) ([]*Channel, error)
	DeleteChannel(ctx context.Context, name string) error
}

// PasskeyStore persists WebAuthn credentials.
type PasskeyStore interface {
	CreatePasskeyCredential(ctx context.Context, cred *PasskeyCredential) error
	ListPasskeyCredentials(ctx context.Context, accountID string) ([]*PasskeyCredential, error)
	GetPasskeyCredentialByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error)
	UpdatePasskeySignCount(ctx context.Context, id string, signCount uint32) error
}

// Store is the full persistence surface of the gateway.
type Store interface {
	AccountStore
	SessionStore
	AuditStore
	ChannelStore
	PasskeyStore

	// Close releases any resources held by the store
	Close() error
}
