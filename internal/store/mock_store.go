// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account           // keyed by account ID
	sessions map[string]*Session           // keyed by token ID
	audit    []AuditEntry                  // append-only
	channels map[string]*Channel           // keyed by name
	passkeys map[string]*PasskeyCredential // keyed by ID

	// Err, when set, is returned by every method. Used to simulate storage failures.
	Err error
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		accounts: make(map[string]*Account),
		sessions: make(map[string]*Session),
		channels: make(map[string]*Channel),
		passkeys: make(map[string]*PasskeyCredential),
	}
}

// CreateAccount stores a new account.
func (m *MockStore) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	for _, a := range m.accounts {
		if a.Username == account.Username {
			return ErrUsernameExists
		}
		if account.APIKeyHash != "" && a.APIKeyHash == account.APIKeyHash {
			return ErrAPIKeyExists
		}
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	a := *account
	m.accounts[a.ID] = &a
	return nil
}

// GetAccount retrieves an account by ID.
func (m *MockStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	result := *a
	return &result, nil
}

// GetAccountByUsername retrieves an account by username.
func (m *MockStore) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	for _, a := range m.accounts {
		if a.Username == username {
			result := *a
			return &result, nil
		}
	}
	return nil, ErrAccountNotFound
}

// GetAccountByAPIKeyHash retrieves an account by API key digest.
func (m *MockStore) GetAccountByAPIKeyHash(ctx context.Context, hash string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if hash == "" {
		return nil, ErrAccountNotFound
	}
	for _, a := range m.accounts {
		if a.APIKeyHash == hash {
			result := *a
			return &result, nil
		}
	}
	return nil, ErrAccountNotFound
}

// ListAccounts returns all accounts ordered by creation time.
func (m *MockStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	result := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CountAccounts returns the number of accounts.
func (m *MockStore) CountAccounts(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return 0, m.Err
	}
	return len(m.accounts), nil
}

// UpdatePasswordHash replaces an account's password hash.
func (m *MockStore) UpdatePasswordHash(ctx context.Context, id, hash string, mustRotate bool) error {
	return m.updateAccount(id, func(a *Account) error {
		a.PasswordHash = hash
		a.MustRotatePassword = mustRotate
		return nil
	})
}

// SetAPIKey stores a new API key digest for an account.
func (m *MockStore) SetAPIKey(ctx context.Context, id, hash, suffix string, issuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	for otherID, a := range m.accounts {
		if otherID != id && a.APIKeyHash == hash {
			return ErrAPIKeyExists
		}
	}
	a, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	at := issuedAt
	a.APIKeyHash = hash
	a.APIKeySuffix = suffix
	a.APIKeyIssuedAt = &at
	return nil
}

// ClearAPIKey removes an account's API key digest.
func (m *MockStore) ClearAPIKey(ctx context.Context, id string) error {
	return m.updateAccount(id, func(a *Account) error {
		a.APIKeyHash = ""
		a.APIKeySuffix = ""
		a.APIKeyIssuedAt = nil
		return nil
	})
}

// SetPrivileged updates an account's privilege flag.
func (m *MockStore) SetPrivileged(ctx context.Context, id string, privileged bool) error {
	return m.updateAccount(id, func(a *Account) error {
		a.IsPrivileged = privileged
		return nil
	})
}

// TouchLastAuthenticated records a successful login.
func (m *MockStore) TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error {
	return m.updateAccount(id, func(a *Account) error {
		t := at
		a.LastAuthenticatedAt = &t
		return nil
	})
}

func (m *MockStore) updateAccount(id string, fn func(a *Account) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	a, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	return fn(a)
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if _, exists := m.sessions[session.TokenID]; exists {
		return ErrDuplicateTokenID
	}
	if !session.ExpiresAt.After(session.IssuedAt) {
		return fmt.Errorf("inserting session: expires_at must be after issued_at")
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.AuthMethod == "" {
		session.AuthMethod = AuthMethodPassword
	}

	s := *session
	m.sessions[s.TokenID] = &s
	return nil
}

// GetSessionByTokenID retrieves a session by token ID.
func (m *MockStore) GetSessionByTokenID(ctx context.Context, tokenID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	s, ok := m.sessions[tokenID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	result := *s
	return &result, nil
}

// ListAccountSessions returns an account's sessions, newest first.
func (m *MockStore) ListAccountSessions(ctx context.Context, accountID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	var result []*Session
	for _, s := range m.sessions {
		if s.AccountID == accountID {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].IssuedAt.After(result[j].IssuedAt)
	})
	return result, nil
}

// RevokeSession marks a session revoked, keeping the first revocation time.
func (m *MockStore) RevokeSession(ctx context.Context, tokenID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if s, ok := m.sessions[tokenID]; ok && !s.Revoked {
		t := at
		s.Revoked = true
		s.RevokedAt = &t
	}
	return nil
}

// RevokeAccountSessions revokes every active session of an account.
func (m *MockStore) RevokeAccountSessions(ctx context.Context, accountID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return 0, m.Err
	}
	var n int64
	for _, s := range m.sessions {
		if s.AccountID == accountID && !s.Revoked {
			t := at
			s.Revoked = true
			s.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

// DeleteExpiredSessions removes sessions that expired before now.
func (m *MockStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return 0, m.Err
	}
	var n int64
	for tokenID, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			delete(m.sessions, tokenID)
			n++
		}
	}
	return n, nil
}

// AppendAuditLog appends an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns matching audit entries, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	result := []AuditEntry{}
	for _, e := range m.audit {
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.ActorAccountID != nil && e.ActorAccountID != *f.ActorAccountID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.TargetID != nil && e.TargetID != *f.TargetID {
			continue
		}
		result = append(result, e)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if limit := normalizeAuditLimit(f.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CreateChannel stores a new channel.
func (m *MockStore) CreateChannel(ctx context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if _, exists := m.channels[ch.Name]; exists {
		return ErrChannelExists
	}
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now
	}
	if ch.UpdatedAt.IsZero() {
		ch.UpdatedAt = now
	}
	m.channels[ch.Name] = copyChannel(ch)
	return nil
}

// GetChannelByName retrieves a channel by name.
func (m *MockStore) GetChannelByName(ctx context.Context, name string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	ch, ok := m.channels[name]
	if !ok {
		return nil, ErrNotFound
	}
	return copyChannel(ch), nil
}

// UpdateChannel replaces a stored channel.
func (m *MockStore) UpdateChannel(ctx context.Context, ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	existing, ok := m.channels[ch.Name]
	if !ok {
		return ErrNotFound
	}
	ch.UpdatedAt = time.Now().UTC()
	updated := copyChannel(ch)
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	m.channels[ch.Name] = updated
	return nil
}

// ListChannels returns all channels ordered by name.
func (m *MockStore) ListChannels(ctx context.Context) ([]*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	result := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		result = append(result, copyChannel(ch))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// DeleteChannel removes a channel by name.
func (m *MockStore) DeleteChannel(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.channels[name]; !ok {
		return ErrNotFound
	}
	delete(m.channels, name)
	return nil
}

func copyChannel(ch *Channel) *Channel {
	cp := *ch
	cp.Config = make(map[string]string, len(ch.Config))
	for k, v := range ch.Config {
		cp.Config[k] = v
	}
	return &cp
}

// CreatePasskeyCredential stores a new passkey credential.
func (m *MockStore) CreatePasskeyCredential(ctx context.Context, cred *PasskeyCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	c := *cred
	m.passkeys[c.ID] = &c
	return nil
}

// ListPasskeyCredentials returns all passkeys registered to an account.
func (m *MockStore) ListPasskeyCredentials(ctx context.Context, accountID string) ([]*PasskeyCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	var result []*PasskeyCredential
	for _, c := range m.passkeys {
		if c.AccountID == accountID {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// GetPasskeyCredentialByCredentialID retrieves a passkey by authenticator credential ID.
func (m *MockStore) GetPasskeyCredentialByCredentialID(ctx context.Context, credentialID []byte) (*PasskeyCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	for _, c := range m.passkeys {
		if bytes.Equal(c.CredentialID, credentialID) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpdatePasskeySignCount updates a credential's sign count.
func (m *MockStore) UpdatePasskeySignCount(ctx context.Context, id string, signCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	c, ok := m.passkeys[id]
	if !ok {
		return ErrNotFound
	}
	c.SignCount = signCount
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
