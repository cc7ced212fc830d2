// ABOUTME: Tests for credential resolution precedence and fresh privilege lookups
// ABOUTME: Runs against the in-memory store and a real session registry

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/beacon-gateway/internal/credential"
	"github.com/2389/beacon-gateway/internal/session"
	"github.com/2389/beacon-gateway/internal/store"
)

type resolverFixture struct {
	store    *store.MockStore
	registry *session.Registry
	issuer   *TokenIssuer
	resolver *Resolver
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	s := store.NewMockStore()
	registry := session.NewRegistry(s)
	issuer, err := NewTokenIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	return &resolverFixture{
		store:    s,
		registry: registry,
		issuer:   issuer,
		resolver: NewResolver(s, registry, issuer, nil),
	}
}

func (f *resolverFixture) account(t *testing.T, username string, privileged bool) *store.Account {
	t.Helper()
	a := &store.Account{Username: username, IsPrivileged: privileged}
	require.NoError(t, f.store.CreateAccount(context.Background(), a))
	return a
}

func (f *resolverFixture) login(t *testing.T, a *store.Account) *IssuedToken {
	t.Helper()
	issued, err := f.issuer.Issue(a)
	require.NoError(t, err)
	_, err = f.registry.Issue(context.Background(), a.ID, issued.TokenID, issued.ExpiresAt, session.Metadata{})
	require.NoError(t, err)
	return issued
}

func (f *resolverFixture) apiKey(t *testing.T, a *store.Account) string {
	t.Helper()
	key, err := credential.IssueAPIKey()
	require.NoError(t, err)
	require.NoError(t, f.store.SetAPIKey(context.Background(), a.ID, key.Hash, key.DisplaySuffix, time.Now()))
	return key.Plaintext
}

func TestResolve_NoCredentialsIsAnonymous(t *testing.T) {
	f := newResolverFixture(t)

	id, err := f.resolver.Resolve(context.Background(), Credentials{})
	assert.NoError(t, err)
	assert.Nil(t, id)
}

func TestResolve_BearerToken(t *testing.T) {
	f := newResolverFixture(t)
	alice := f.account(t, "alice", false)
	issued := f.login(t, alice)

	id, err := f.resolver.Resolve(context.Background(), Credentials{BearerToken: issued.Token})
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, alice.ID, id.AccountID)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, MethodBearer, id.Method)
	assert.Equal(t, issued.TokenID, id.TokenID)
	assert.True(t, id.HasSession())
}

func TestResolve_CookieToken(t *testing.T) {
	f := newResolverFixture(t)
	alice := f.account(t, "alice", false)
	issued := f.login(t, alice)

	id, err := f.resolver.Resolve(context.Background(), Credentials{CookieToken: issued.Token})
	require.NoError(t, err)
	assert.Equal(t, MethodCookie, id.Method)
}

func TestResolve_RevokedTokenIsRejected(t *testing.T) {
	f := newResolverFixture(t)
	alice := f.account(t, "alice", false)
	issued := f.login(t, alice)

	require.NoError(t, f.registry.Revoke(context.Background(), issued.TokenID))

	id, err := f.resolver.Resolve(context.Background(), Credentials{BearerToken: issued.Token})
	assert.Nil(t, id)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestResolve_TokenWithoutSessionIsRejected(t *testing.T) {
	f := newResolverFixture(t)
	alice := f.account(t, "alice", false)

	issued, err := f.issuer.Issue(alice)
	require.NoError(t, err)

	_, err = f.resolver.Resolve(context.Background(), Credentials{BearerToken: issued.Token})
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestResolve_PrivilegeIsReadFresh(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	admin := f.account(t, "admin", true)
	issued := f.login(t, admin)
	key := f.apiKey(t, admin)

	// Downgrade after the token and key were issued.
	require.NoError(t, f.store.SetPrivileged(ctx, admin.ID, false))

	byToken, err := f.resolver.Resolve(ctx, Credentials{BearerToken: issued.Token})
	require.NoError(t, err)
	assert.False(t, byToken.IsPrivileged, "token claim adm=true must not be trusted")

	byKey, err := f.resolver.Resolve(ctx, Credentials{APIKey: key})
	require.NoError(t, err)
	assert.False(t, byKey.IsPrivileged)

	// And upgrades apply immediately too.
	require.NoError(t, f.store.SetPrivileged(ctx, admin.ID, true))
	byKey, err = f.resolver.Resolve(ctx, Credentials{APIKey: key})
	require.NoError(t, err)
	assert.True(t, byKey.IsPrivileged)
}

func TestResolve_APIKeyTakesPrecedence(t *testing.T) {
	f := newResolverFixture(t)
	alice := f.account(t, "alice", false)
	bob := f.account(t, "bob", false)
	key := f.apiKey(t, alice)
	bobToken := f.login(t, bob)

	id, err := f.resolver.Resolve(context.Background(), Credentials{APIKey: key, BearerToken: bobToken.Token})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, id.AccountID)
	assert.Equal(t, MethodAPIKey, id.Method)
	assert.False(t, id.HasSession())
}

func TestResolve_InvalidAPIKeyFallsThroughToToken(t *testing.T) {
	f := newResolverFixture(t)
	bob := f.account(t, "bob", false)
	bobToken := f.login(t, bob)

	unknown, err := credential.IssueAPIKey()
	require.NoError(t, err)

	id, err := f.resolver.Resolve(context.Background(), Credentials{APIKey: unknown.Plaintext, BearerToken: bobToken.Token})
	require.NoError(t, err)
	assert.Equal(t, bob.ID, id.AccountID)
}

func TestResolve_RevokedAPIKeyIsRejected(t *testing.T) {
	f := newResolverFixture(t)
	alice := f.account(t, "alice", false)
	key := f.apiKey(t, alice)

	require.NoError(t, f.store.ClearAPIKey(context.Background(), alice.ID))

	_, err := f.resolver.Resolve(context.Background(), Credentials{APIKey: key})
	assert.ErrorIs(t, err, ErrAuthentication)

	_, err = f.resolver.Resolve(context.Background(), Credentials{APIKey: "not-hex"})
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestResolve_StoreFailureIsInternal(t *testing.T) {
	f := newResolverFixture(t)
	alice := f.account(t, "alice", false)
	key := f.apiKey(t, alice)
	f.store.Err = errors.New("database is locked")

	_, err := f.resolver.Resolve(context.Background(), Credentials{APIKey: key})
	require.Error(t, err)
	assert.Equal(t, Kind(0), KindOf(err), "storage failures are not authentication failures")
}

func TestRequire(t *testing.T) {
	user := &Identity{AccountID: "a"}
	admin := &Identity{AccountID: "b", IsPrivileged: true}

	assert.NoError(t, Require(nil, LevelNone))
	assert.ErrorIs(t, Require(nil, LevelAuthenticated), ErrAuthentication)
	assert.NoError(t, Require(user, LevelAuthenticated))
	assert.ErrorIs(t, Require(nil, LevelPrivileged), ErrAuthentication)
	assert.ErrorIs(t, Require(user, LevelPrivileged), ErrAuthorization)
	assert.NoError(t, Require(admin, LevelPrivileged))
}
