// ABOUTME: Tests for channel save, resolve and test-send flows
// ABOUTME: Uses a fake resolver and a recording sender, so no test touches the network

package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/beacon-gateway/internal/auth"
	"github.com/2389/beacon-gateway/internal/secretbox"
	"github.com/2389/beacon-gateway/internal/store"
	"github.com/2389/beacon-gateway/internal/webhook"
)

type fakeResolver struct {
	mu    sync.Mutex
	hosts map[string]string
}

func (f *fakeResolver) set(host, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts[host] = addr
}

func (f *fakeResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.hosts[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return []netip.Addr{netip.MustParseAddr(addr)}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*ResolvedChannel
	err  error
}

func (r *recordingSender) Send(ctx context.Context, ch *ResolvedChannel, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, ch)
	return r.err
}

type fixture struct {
	store    *store.MockStore
	cipher   *secretbox.Cipher
	resolver *fakeResolver
	sender   *recordingSender
	svc      *Service
}

var admin = &auth.Identity{AccountID: "admin-1", IsPrivileged: true, ClientAddr: "198.51.100.1"}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCipher(t *testing.T, key []byte, legacySecret string) *secretbox.Cipher {
	t.Helper()
	km, err := secretbox.NewKeyMaterial(key, legacySecret)
	require.NoError(t, err)
	c, err := secretbox.New(km, quietLogger())
	require.NoError(t, err)
	return c
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithCipher(t, newCipher(t, []byte(strings.Repeat("k", secretbox.KeySize)), "old-operator-secret"))
}

func newFixtureWithCipher(t *testing.T, c *secretbox.Cipher) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMockStore(),
		cipher:   c,
		resolver: &fakeResolver{hosts: map[string]string{"hooks.example.com": "93.184.216.34"}},
		sender:   &recordingSender{},
	}
	guard := webhook.NewGuard(false, time.Second, webhook.WithResolver(f.resolver), webhook.WithLogger(quietLogger()))
	svc, err := NewService(f.store, c, guard, quietLogger(),
		WithSender(store.ChannelSlack, f.sender),
		WithSender(store.ChannelWebhook, f.sender),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func slackInput(url string) ChannelInput {
	return ChannelInput{
		Name:    "ops",
		Type:    store.ChannelSlack,
		Enabled: true,
		Config:  map[string]string{"webhook_url": url, "channel": "#alerts"},
	}
}

func TestSave_EncryptsSensitiveFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view, err := f.svc.Save(ctx, admin, slackInput("https://hooks.example.com/T000/B000/secret"))
	require.NoError(t, err)
	assert.True(t, view.Secrets["webhook_url"])
	assert.NotContains(t, view.Config, "webhook_url")
	assert.Equal(t, "#alerts", view.Config["channel"])

	stored, err := f.store.GetChannelByName(ctx, "ops")
	require.NoError(t, err)
	assert.NotContains(t, stored.Config["webhook_url"], "hooks.example.com")
	assert.Contains(t, stored.Config["webhook_url"], ":")
	assert.Equal(t, "#alerts", stored.Config["channel"])

	update := store.AuditChannelUpdate
	entries, err := f.store.ListAuditLog(ctx, store.AuditFilter{Action: &update})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin-1", entries[0].ActorAccountID)
	assert.Equal(t, "198.51.100.1", entries[0].ClientAddr)
}

func TestSave_EmptySensitiveKeepsStoredValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, admin, slackInput("https://hooks.example.com/secret"))
	require.NoError(t, err)
	before, err := f.store.GetChannelByName(ctx, "ops")
	require.NoError(t, err)

	_, err = f.svc.Save(ctx, admin, ChannelInput{
		Name:    "ops",
		Type:    store.ChannelSlack,
		Enabled: false,
		Config:  map[string]string{"webhook_url": ""},
	})
	require.NoError(t, err)

	after, err := f.store.GetChannelByName(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, before.Config["webhook_url"], after.Config["webhook_url"])
	assert.NotContains(t, after.Config, "channel", "absent non-sensitive keys are removed")
	assert.False(t, after.Enabled)

	resolved, err := f.svc.Resolve(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/secret", resolved.URL())
}

func TestSave_NewSensitiveValueReplacesStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, admin, slackInput("https://hooks.example.com/one"))
	require.NoError(t, err)
	_, err = f.svc.Save(ctx, admin, slackInput("https://hooks.example.com/two"))
	require.NoError(t, err)

	resolved, err := f.svc.Resolve(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/two", resolved.URL())
}

func TestSave_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   ChannelInput
	}{
		{"bad name", ChannelInput{Name: "Ops Team", Type: store.ChannelSlack, Config: map[string]string{"webhook_url": "https://hooks.example.com/x"}}},
		{"unknown type", ChannelInput{Name: "ops", Type: "pager", Config: map[string]string{}}},
		{"missing required", ChannelInput{Name: "ops", Type: store.ChannelSlack, Config: map[string]string{"channel": "#a"}}},
		{"unknown key", ChannelInput{Name: "ops", Type: store.ChannelSlack, Config: map[string]string{"webhook_url": "https://hooks.example.com/x", "token": "t"}}},
		{"bad email", ChannelInput{Name: "mail", Type: store.ChannelEmail, Config: map[string]string{"smtp_host": "smtp.example.com", "smtp_port": "587", "from": "nope", "to": "ops@example.com"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Save(ctx, admin, tt.in)
			assert.ErrorIs(t, err, auth.ErrValidation)
		})
	}

	list, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSave_RejectsUnsafeURLs(t *testing.T) {
	f := newFixture(t)
	f.resolver.set("internal.example.com", "10.1.2.3")
	ctx := context.Background()

	for _, u := range []string{
		"https://internal.example.com/hook",
		"https://127.0.0.1/hook",
		"http://hooks.example.com/hook",
		"https://unresolvable.example.com/hook",
	} {
		_, err := f.svc.Save(ctx, admin, slackInput(u))
		assert.ErrorIs(t, err, auth.ErrSSRFRejected, u)
		assert.NotContains(t, auth.PublicMessage(err), "10.1.2.3")
	}
}

func TestSave_TypeChangeDropsSecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, admin, slackInput("https://hooks.example.com/x"))
	require.NoError(t, err)

	_, err = f.svc.Save(ctx, admin, ChannelInput{
		Name:   "ops",
		Type:   store.ChannelDiscord,
		Config: map[string]string{"webhook_url": ""},
	})
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestResolve_UnavailableSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, admin, slackInput("https://hooks.example.com/x"))
	require.NoError(t, err)

	ch, err := f.store.GetChannelByName(ctx, "ops")
	require.NoError(t, err)
	ch.Config["webhook_url"] = "not-hex:corrupted"
	require.NoError(t, f.store.UpdateChannel(ctx, ch))

	resolved, err := f.svc.Resolve(ctx, "ops")
	require.NoError(t, err)
	assert.Equal(t, []string{"webhook_url"}, resolved.Unavailable)
	assert.Empty(t, resolved.URL())

	_, err = f.svc.Test(ctx, admin, "ops")
	assert.ErrorIs(t, err, auth.ErrCryptoFailure)
	assert.Empty(t, f.sender.sent)
}

func TestResolve_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	_, err = f.svc.Test(context.Background(), admin, "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestResolve_MigratesLegacySecrets(t *testing.T) {
	legacyOnly := newCipher(t, secretbox.LegacyKey("old-operator-secret"), "")
	sealed, err := legacyOnly.Encrypt("https://hooks.example.com/legacy")
	require.NoError(t, err)

	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateChannel(ctx, &store.Channel{
		Name:    "old",
		Type:    store.ChannelSlack,
		Enabled: true,
		Config:  map[string]string{"webhook_url": sealed},
	}))

	resolved, err := f.svc.Resolve(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/legacy", resolved.URL())

	stored, err := f.store.GetChannelByName(ctx, "old")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, stored.Config["webhook_url"])
	res := f.cipher.Decrypt(stored.Config["webhook_url"])
	assert.True(t, res.OK())
	assert.False(t, res.Legacy)
}

func TestTest_RevalidatesBeforeDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, admin, slackInput("https://hooks.example.com/x"))
	require.NoError(t, err)

	// The host now resolves somewhere internal.
	f.resolver.set("hooks.example.com", "169.254.169.254")

	_, err = f.svc.Test(ctx, admin, "ops")
	assert.ErrorIs(t, err, auth.ErrSSRFRejected)
	assert.Empty(t, f.sender.sent)
}

func TestTest_ReportsDeliveryOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, admin, slackInput("https://hooks.example.com/x"))
	require.NoError(t, err)

	res, err := f.svc.Test(ctx, admin, "ops")
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "https://hooks.example.com/x", f.sender.sent[0].URL())

	f.sender.err = &StatusError{Code: 500, Body: "upstream detail"}
	res, err = f.svc.Test(ctx, admin, "ops")
	require.NoError(t, err)
	assert.False(t, res.Delivered)
	assert.Equal(t, "endpoint returned HTTP 500", res.Error)

	f.sender.err = errors.New("dial tcp 93.184.216.34:443: connection refused")
	res, err = f.svc.Test(ctx, admin, "ops")
	require.NoError(t, err)
	assert.Equal(t, "delivery failed", res.Error)

	testAction := store.AuditChannelTest
	entries, err := f.store.ListAuditLog(ctx, store.AuditFilter{Action: &testAction})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestTest_UnsupportedType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, admin, ChannelInput{
		Name: "mail",
		Type: store.ChannelEmail,
		Config: map[string]string{
			"smtp_host":     "smtp.example.com",
			"smtp_port":     "587",
			"smtp_password": "hunter2",
			"from":          "beacon@example.com",
			"to":            "ops@example.com",
		},
	})
	require.NoError(t, err)

	_, err = f.svc.Test(ctx, admin, "mail")
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestSend_RequiresEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := slackInput("https://hooks.example.com/x")
	in.Enabled = false
	_, err := f.svc.Save(ctx, admin, in)
	require.NoError(t, err)

	err = f.svc.Send(ctx, "ops", Message{Markdown: "hi"})
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, admin, slackInput("https://hooks.example.com/x"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, admin, "ops"))
	assert.ErrorIs(t, f.svc.Delete(ctx, admin, "ops"), auth.ErrNotFound)
}
