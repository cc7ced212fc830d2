// ABOUTME: Tests for account flows against the in-memory store
// ABOUTME: Covers login, refresh, password change, api keys and audit entries

package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/beacon-gateway/internal/auth"
	"github.com/2389/beacon-gateway/internal/credential"
	"github.com/2389/beacon-gateway/internal/session"
	"github.com/2389/beacon-gateway/internal/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	store    *store.MockStore
	sessions *session.Registry
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMockStore()
	registry := session.NewRegistry(s)
	issuer, err := auth.NewTokenIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	return &fixture{store: s, sessions: registry, svc: NewService(s, registry, issuer, nil)}
}

func (f *fixture) create(t *testing.T, username string, privileged bool) *store.Account {
	t.Helper()
	a, err := f.svc.CreateAccount(context.Background(), nil, CreateInput{
		Username:   username,
		Password:   "correct-horse",
		Privileged: privileged,
	}, RequestMeta{})
	require.NoError(t, err)
	return a
}

func (f *fixture) usable(t *testing.T, tokenID string) bool {
	t.Helper()
	ok, err := f.sessions.IsUsable(context.Background(), tokenID)
	require.NoError(t, err)
	return ok
}

func (f *fixture) auditActions(t *testing.T) []store.AuditAction {
	t.Helper()
	entries, err := f.store.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	var actions []store.AuditAction
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func sessionIdentity(r *SessionResult) *auth.Identity {
	return &auth.Identity{
		AccountID:    r.Account.ID,
		Username:     r.Account.Username,
		IsPrivileged: r.Account.IsPrivileged,
		Method:       auth.MethodBearer,
		TokenID:      r.TokenID,
		ExpiresAt:    r.ExpiresAt,
	}
}

func TestCreateAccount_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateAccount(ctx, nil, CreateInput{Username: "x", Password: "correct-horse"}, RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrValidation)

	_, err = f.svc.CreateAccount(ctx, nil, CreateInput{Username: "alice", Password: "short"}, RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrValidation)

	a := f.create(t, "alice", false)
	assert.Equal(t, "alice", a.DisplayName)
	assert.NotEqual(t, "correct-horse", a.PasswordHash)

	_, err = f.svc.CreateAccount(ctx, nil, CreateInput{Username: "alice", Password: "correct-horse"}, RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrConflict)
}

func TestBootstrap_OnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Bootstrap(ctx, "admin", "correct-horse")
	require.NoError(t, err)
	assert.True(t, a.IsPrivileged)

	_, err = f.svc.Bootstrap(ctx, "admin2", "correct-horse")
	assert.ErrorIs(t, err, auth.ErrConflict)
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "alice", false)

	res, err := f.svc.Login(ctx, "alice", "correct-horse", RequestMeta{ClientAddr: "198.51.100.9"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Len(t, res.TokenID, 32)
	assert.True(t, f.usable(t, res.TokenID))

	got, err := f.store.GetAccount(ctx, res.Account.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastAuthenticatedAt)

	login := store.AuditLogin
	entries, err := f.store.ListAuditLog(ctx, store.AuditFilter{Action: &login})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "198.51.100.9", entries[0].ClientAddr)
	assert.Equal(t, res.TokenID, entries[0].TargetID)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "alice", false)

	_, errUnknown := f.svc.Login(ctx, "mallory", "correct-horse", RequestMeta{})
	_, errBad := f.svc.Login(ctx, "alice", "wrong-password", RequestMeta{})

	require.Error(t, errUnknown)
	require.Error(t, errBad)
	assert.ErrorIs(t, errUnknown, auth.ErrAuthentication)
	assert.ErrorIs(t, errBad, auth.ErrAuthentication)
	assert.Equal(t, errUnknown.Error(), errBad.Error())

	failed := store.AuditLoginFailed
	entries, err := f.store.ListAuditLog(ctx, store.AuditFilter{Action: &failed})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLogin_ReportsMustRotate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, nil, CreateInput{
		Username:           "alice",
		Password:           "correct-horse",
		MustRotatePassword: true,
	}, RequestMeta{})
	require.NoError(t, err)

	res, err := f.svc.Login(ctx, "alice", "correct-horse", RequestMeta{})
	require.NoError(t, err)
	assert.True(t, res.MustRotatePassword)
}

func TestLogout_RevokesSessionAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "alice", false)

	res, err := f.svc.Login(ctx, "alice", "correct-horse", RequestMeta{})
	require.NoError(t, err)
	id := sessionIdentity(res)

	require.NoError(t, f.svc.Logout(ctx, id, RequestMeta{}))
	assert.False(t, f.usable(t, res.TokenID))
	require.NoError(t, f.svc.Logout(ctx, id, RequestMeta{}))

	apiKeyIdentity := &auth.Identity{AccountID: res.Account.ID, Method: auth.MethodAPIKey}
	assert.NoError(t, f.svc.Logout(ctx, apiKeyIdentity, RequestMeta{}))
}

func TestRefresh_ReplacesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "alice", false)

	res, err := f.svc.Login(ctx, "alice", "correct-horse", RequestMeta{})
	require.NoError(t, err)

	next, err := f.svc.Refresh(ctx, sessionIdentity(res), RequestMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, res.TokenID, next.TokenID)
	assert.False(t, f.usable(t, res.TokenID))
	assert.True(t, f.usable(t, next.TokenID))

	sessions, err := f.sessions.List(ctx, res.Account.ID)
	require.NoError(t, err)
	var methods []store.AuthMethod
	for _, s := range sessions {
		methods = append(methods, s.AuthMethod)
	}
	assert.Contains(t, methods, store.AuthMethodRefresh)
}

func TestRefresh_RequiresSession(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "alice", false)

	_, err := f.svc.Refresh(context.Background(), &auth.Identity{AccountID: a.ID, Method: auth.MethodAPIKey}, RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestChangePassword_RevokesEverySession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, nil, CreateInput{
		Username:           "alice",
		Password:           "correct-horse",
		MustRotatePassword: true,
	}, RequestMeta{})
	require.NoError(t, err)

	first, err := f.svc.Login(ctx, "alice", "correct-horse", RequestMeta{})
	require.NoError(t, err)
	second, err := f.svc.Login(ctx, "alice", "correct-horse", RequestMeta{})
	require.NoError(t, err)

	_, err = f.svc.ChangePassword(ctx, sessionIdentity(first), "wrong-password", "battery-staple", RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrAuthentication)

	_, err = f.svc.ChangePassword(ctx, sessionIdentity(first), "correct-horse", "short", RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrValidation)

	fresh, err := f.svc.ChangePassword(ctx, sessionIdentity(first), "correct-horse", "battery-staple", RequestMeta{})
	require.NoError(t, err)
	assert.False(t, fresh.MustRotatePassword)

	assert.False(t, f.usable(t, first.TokenID))
	assert.False(t, f.usable(t, second.TokenID))
	assert.True(t, f.usable(t, fresh.TokenID))

	_, err = f.svc.Login(ctx, "alice", "correct-horse", RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrAuthentication)
	_, err = f.svc.Login(ctx, "alice", "battery-staple", RequestMeta{})
	assert.NoError(t, err)
}

func TestAPIKey_IssueAndRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.create(t, "alice", false)
	bob := f.create(t, "bob", false)
	actor := &auth.Identity{AccountID: alice.ID, Method: auth.MethodBearer}

	_, err := f.svc.IssueAPIKey(ctx, actor, bob.ID, RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrAuthorization)

	key, err := f.svc.IssueAPIKey(ctx, actor, alice.ID, RequestMeta{})
	require.NoError(t, err)
	assert.Len(t, key.Plaintext, credential.APIKeyLength)

	got, err := f.store.GetAccountByAPIKeyHash(ctx, credential.DigestAPIKey(key.Plaintext))
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	assert.Equal(t, key.DisplaySuffix, got.APIKeySuffix)

	// Reissuing replaces the old key.
	replacement, err := f.svc.IssueAPIKey(ctx, actor, alice.ID, RequestMeta{})
	require.NoError(t, err)
	_, err = f.store.GetAccountByAPIKeyHash(ctx, credential.DigestAPIKey(key.Plaintext))
	assert.ErrorIs(t, err, store.ErrAccountNotFound)

	require.NoError(t, f.svc.RevokeAPIKey(ctx, actor, alice.ID, RequestMeta{}))
	_, err = f.store.GetAccountByAPIKeyHash(ctx, credential.DigestAPIKey(replacement.Plaintext))
	assert.ErrorIs(t, err, store.ErrAccountNotFound)

	assert.Contains(t, f.auditActions(t), store.AuditAPIKeyIssue)
	assert.Contains(t, f.auditActions(t), store.AuditAPIKeyRevoke)
}

func TestRevokeAllSessions_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.create(t, "admin", true)
	alice := f.create(t, "alice", false)
	bob := f.create(t, "bob", false)

	a1, err := f.svc.Login(ctx, "alice", "correct-horse", RequestMeta{})
	require.NoError(t, err)
	a2, err := f.svc.Login(ctx, "alice", "correct-horse", RequestMeta{})
	require.NoError(t, err)

	bobID := &auth.Identity{AccountID: bob.ID, Method: auth.MethodBearer}
	_, err = f.svc.RevokeAllSessions(ctx, bobID, alice.ID, RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrAuthorization)

	adminID := &auth.Identity{AccountID: admin.ID, IsPrivileged: true, Method: auth.MethodAPIKey}
	n, err := f.svc.RevokeAllSessions(ctx, adminID, alice.ID, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.False(t, f.usable(t, a1.TokenID))
	assert.False(t, f.usable(t, a2.TokenID))
}

func TestSetPrivileged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.create(t, "admin", true)
	alice := f.create(t, "alice", false)

	aliceID := &auth.Identity{AccountID: alice.ID}
	assert.ErrorIs(t, f.svc.SetPrivileged(ctx, aliceID, alice.ID, true, RequestMeta{}), auth.ErrAuthorization)

	adminID := &auth.Identity{AccountID: admin.ID, IsPrivileged: true}
	require.NoError(t, f.svc.SetPrivileged(ctx, adminID, alice.ID, true, RequestMeta{}))
	got, err := f.store.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPrivileged)

	assert.ErrorIs(t, f.svc.SetPrivileged(ctx, adminID, admin.ID, false, RequestMeta{}), auth.ErrValidation)
	assert.ErrorIs(t, f.svc.SetPrivileged(ctx, adminID, "missing", true, RequestMeta{}), auth.ErrNotFound)
}

func TestAdminOperations_MissingAccountIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.create(t, "admin", true)
	adminID := &auth.Identity{AccountID: admin.ID, IsPrivileged: true}

	_, err := f.svc.IssueAPIKey(ctx, adminID, "missing", RequestMeta{})
	assert.ErrorIs(t, err, auth.ErrNotFound)
	assert.ErrorIs(t, f.svc.RevokeAPIKey(ctx, adminID, "missing", RequestMeta{}), auth.ErrNotFound)
	assert.ErrorIs(t, f.svc.SetPrivileged(ctx, adminID, "missing", true, RequestMeta{}), auth.ErrNotFound)
}

func TestResetPassword_ForcesRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "alice", false)

	res, err := f.svc.Login(ctx, "alice", "correct-horse", RequestMeta{})
	require.NoError(t, err)

	require.NoError(t, f.svc.ResetPassword(ctx, a.ID, "battery-staple"))
	assert.False(t, f.usable(t, res.TokenID))

	next, err := f.svc.Login(ctx, "alice", "battery-staple", RequestMeta{})
	require.NoError(t, err)
	assert.True(t, next.MustRotatePassword)
}
