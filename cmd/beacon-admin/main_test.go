// ABOUTME: Tests for admin CLI commands against an in-memory database
// ABOUTME: Covers argument parsing, API key issue, privilege and session commands

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/beacon-gateway/internal/account"
	"github.com/2389/beacon-gateway/internal/config"
	"github.com/2389/beacon-gateway/internal/store"
)

func newTestEnv(t *testing.T) (*env, *bytes.Buffer) {
	t.Helper()
	color.NoColor = true

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:     strings.Repeat("a", config.MinJWTSecretLength),
			TokenLifetime: time.Hour,
		},
		Encryption: config.EncryptionConfig{Secret: "admin-cli-test"},
		Webhooks:   config.WebhooksConfig{DNSTimeout: time.Second, DispatchTimeout: time.Second},
	}
	var out bytes.Buffer
	e, err := newEnv(cfg, s, &out)
	require.NoError(t, err)
	return e, &out
}

func (e *env) mustCreate(t *testing.T, username string, privileged bool) *store.Account {
	t.Helper()
	acct, err := e.accounts.CreateAccount(context.Background(), nil, account.CreateInput{
		Username:   username,
		Password:   "correct-horse",
		Privileged: privileged,
	}, cliMeta)
	require.NoError(t, err)
	return acct
}

func TestParseUserCreateArgs(t *testing.T) {
	f, err := parseUserCreateArgs([]string{"--username", "alice", "--privileged", "-n", "Alice A"})
	require.NoError(t, err)
	assert.Equal(t, "alice", f.username)
	assert.Equal(t, "Alice A", f.displayName)
	assert.True(t, f.privileged)
	assert.False(t, f.mustRotate)

	_, err = parseUserCreateArgs([]string{"--privileged"})
	assert.Error(t, err)

	_, err = parseUserCreateArgs([]string{"--username"})
	assert.Error(t, err)

	_, err = parseUserCreateArgs([]string{"--username", "a", "--admin"})
	assert.Error(t, err)
}

func TestUserList(t *testing.T) {
	e, out := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, cmdUser(ctx, e, nil))
	assert.Contains(t, out.String(), "no accounts")

	e.mustCreate(t, "alice", true)
	out.Reset()
	require.NoError(t, cmdUser(ctx, e, []string{"list"}))
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, out.String(), "never")
}

func TestAPIKeyIssueAndRevoke(t *testing.T) {
	e, out := newTestEnv(t)
	ctx := context.Background()
	alice := e.mustCreate(t, "alice", false)

	require.NoError(t, cmdAPIKey(ctx, e, []string{"issue", "alice"}))

	got, err := e.store.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, got.HasAPIKey())
	assert.Contains(t, out.String(), got.APIKeySuffix)

	require.NoError(t, cmdAPIKey(ctx, e, []string{"revoke", "alice"}))
	got, err = e.store.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, got.HasAPIKey())

	err = cmdAPIKey(ctx, e, []string{"issue", "nobody"})
	assert.ErrorContains(t, err, "no account named")
}

func TestUserPrivilege(t *testing.T) {
	e, _ := newTestEnv(t)
	ctx := context.Background()
	alice := e.mustCreate(t, "alice", false)

	require.NoError(t, cmdUser(ctx, e, []string{"privilege", "alice", "on"}))
	got, err := e.store.GetAccount(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPrivileged)

	assert.Error(t, cmdUser(ctx, e, []string{"privilege", "alice", "maybe"}))
	assert.Error(t, cmdUser(ctx, e, []string{"privilege", "alice"}))
}

func TestSessionsRevokeAllAndList(t *testing.T) {
	e, out := newTestEnv(t)
	ctx := context.Background()
	e.mustCreate(t, "alice", false)

	for range 2 {
		_, err := e.accounts.Login(ctx, "alice", "correct-horse", account.RequestMeta{ClientAddr: "198.51.100.7"})
		require.NoError(t, err)
	}

	require.NoError(t, cmdSessions(ctx, e, []string{"revoke-all", "alice"}))
	assert.Contains(t, out.String(), "Revoked 2 session(s)")

	out.Reset()
	require.NoError(t, cmdSessions(ctx, e, []string{"list", "alice"}))
	assert.Contains(t, out.String(), "revoked")
	assert.Contains(t, out.String(), "198.51.100.7")

	out.Reset()
	require.NoError(t, cmdSessions(ctx, e, []string{"sweep"}))
	assert.Contains(t, out.String(), "Deleted 0 expired")
}

func TestAuditShowsCLIActions(t *testing.T) {
	e, out := newTestEnv(t)
	ctx := context.Background()
	e.mustCreate(t, "alice", false)

	require.NoError(t, cmdAPIKey(ctx, e, []string{"issue", "alice"}))
	out.Reset()

	require.NoError(t, cmdAudit(ctx, e, []string{"--action", string(store.AuditAPIKeyIssue)}))
	assert.Contains(t, out.String(), "api_key_issue")
	assert.Contains(t, out.String(), "system")

	assert.Error(t, cmdAudit(ctx, e, []string{"--limit", "zero"}))
}

func TestChannelsListEmpty(t *testing.T) {
	e, out := newTestEnv(t)
	require.NoError(t, cmdChannels(context.Background(), e, []string{"list"}))
	assert.Contains(t, out.String(), "no channels")
}

func TestKeygen(t *testing.T) {
	color.NoColor = true
	path := filepath.Join(t.TempDir(), "encryption.key")

	require.NoError(t, cmdKeygen([]string{"--path", path}))
	assert.FileExists(t, path)

	err := cmdKeygen([]string{"--path", path})
	assert.ErrorContains(t, err, "already exists")
}
