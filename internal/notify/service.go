// ABOUTME: Notification channel configuration with encrypted sensitive fields
// ABOUTME: Saves, resolves and test-sends channels through the webhook guard

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/2389/beacon-gateway/internal/auth"
	"github.com/2389/beacon-gateway/internal/secretbox"
	"github.com/2389/beacon-gateway/internal/store"
	"github.com/2389/beacon-gateway/internal/webhook"
)

// DefaultDispatchTimeout bounds a single delivery when none is configured.
const DefaultDispatchTimeout = 10 * time.Second

var channelNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Store is the persistence the notify service needs.
type Store interface {
	store.ChannelStore
	store.AuditStore
}

// ChannelInput is a create-or-update request. Sensitive values are
// plaintext here; an empty sensitive value keeps the stored one.
type ChannelInput struct {
	Name    string
	Type    store.ChannelType
	Enabled bool
	Config  map[string]string
}

// ChannelView is a channel safe to return to clients. Sensitive values are
// replaced by a configured flag.
type ChannelView struct {
	Name      string            `json:"name"`
	Type      store.ChannelType `json:"type"`
	Enabled   bool              `json:"enabled"`
	Config    map[string]string `json:"config"`
	Secrets   map[string]bool   `json:"secrets"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ResolvedChannel is a channel with its sensitive values decrypted.
// Unavailable lists sensitive keys that were stored but could not be
// decrypted; they are absent from Config.
type ResolvedChannel struct {
	Name        string
	Type        store.ChannelType
	Enabled     bool
	Config      map[string]string
	Unavailable []string
}

// URL returns the dispatch URL of the channel, if its type has one.
func (r *ResolvedChannel) URL() string {
	key := channelTypes[r.Type].urlKey
	if key == "" {
		return ""
	}
	return r.Config[key]
}

// TestResult is the outcome of a test send. Error is safe to show.
type TestResult struct {
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// StatusError is returned by senders when the endpoint answered with a
// non-success status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned %d: %s", e.Code, e.Body)
}

// Option configures a Service.
type Option func(*Service)

// WithSender registers the sender for a channel type.
func WithSender(t store.ChannelType, s Sender) Option {
	return func(svc *Service) { svc.senders[t] = s }
}

// WithDispatchTimeout bounds each delivery.
func WithDispatchTimeout(d time.Duration) Option {
	return func(svc *Service) {
		if d > 0 {
			svc.dispatchTimeout = d
		}
	}
}

// Service manages notification channels.
type Service struct {
	store           Store
	cipher          *secretbox.Cipher
	guard           *webhook.Guard
	schemas         *schemaSet
	senders         map[store.ChannelType]Sender
	dispatchTimeout time.Duration
	logger          *slog.Logger
}

// NewService creates a notify service. Webhook-style channel types get a
// WebhookSender using the guard's pinned client unless overridden.
func NewService(s Store, c *secretbox.Cipher, g *webhook.Guard, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	svc := &Service{
		store:           s,
		cipher:          c,
		guard:           g,
		schemas:         schemas,
		senders:         make(map[store.ChannelType]Sender),
		dispatchTimeout: DefaultDispatchTimeout,
		logger:          logger.With("component", "notify"),
	}
	for _, opt := range opts {
		opt(svc)
	}

	client := g.Client(svc.dispatchTimeout)
	for typ, def := range channelTypes {
		if def.urlKey == "" {
			continue
		}
		if _, ok := svc.senders[typ]; !ok {
			svc.senders[typ] = &WebhookSender{Client: client}
		}
	}
	return svc, nil
}

// Save creates or updates a channel.
func (s *Service) Save(ctx context.Context, actor *auth.Identity, in ChannelInput) (*ChannelView, error) {
	if !channelNamePattern.MatchString(in.Name) {
		return nil, auth.Invalid("channel name must be lowercase letters, digits, '-' or '_'")
	}
	def, ok := channelTypes[in.Type]
	if !ok {
		return nil, auth.Invalid(fmt.Sprintf("unknown channel type %q", in.Type))
	}
	if in.Config == nil {
		in.Config = map[string]string{}
	}

	existing, err := s.store.GetChannelByName(ctx, in.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading channel: %w", err)
	}

	// Secrets only carry over when the type is unchanged.
	var previous map[string]string
	if existing != nil && existing.Type == in.Type {
		previous = existing.Config
	}

	effective := s.effectiveConfig(previous, in.Config, def.sensitive)
	if violations := s.schemas.validate(in.Type, effective); len(violations) > 0 {
		return nil, auth.Invalid("invalid channel config: " + strings.Join(violations, "; "))
	}

	if def.urlKey != "" {
		if d := s.guard.Validate(ctx, effective[def.urlKey]); !d.Valid {
			return nil, auth.NewError(auth.KindSSRFRejected, d.Reason, nil)
		}
	}

	merged, err := s.cipher.MergeSensitive(previous, in.Config, def.sensitive)
	if err != nil {
		return nil, err
	}

	ch := &store.Channel{
		Name:    in.Name,
		Type:    in.Type,
		Enabled: in.Enabled,
		Config:  merged,
	}
	created := existing == nil
	if created {
		err = s.store.CreateChannel(ctx, ch)
	} else {
		ch.ID = existing.ID
		ch.CreatedAt = existing.CreatedAt
		err = s.store.UpdateChannel(ctx, ch)
	}
	if errors.Is(err, store.ErrChannelExists) {
		return nil, auth.Conflict("channel already exists")
	}
	if err != nil {
		return nil, fmt.Errorf("saving channel: %w", err)
	}

	var rotated []string
	for _, k := range def.sensitive {
		if in.Config[k] != "" {
			rotated = append(rotated, k)
		}
	}
	s.audit(ctx, actor, store.AuditChannelUpdate, in.Name, map[string]any{
		"type":            string(in.Type),
		"created":         created,
		"enabled":         in.Enabled,
		"secrets_updated": rotated,
	})

	return s.view(ch), nil
}

// effectiveConfig is the plaintext config a save would produce, used for
// validation. Stored secrets that cannot be decrypted count as absent.
func (s *Service) effectiveConfig(previous, update map[string]string, sensitiveKeys []string) map[string]string {
	out := make(map[string]string, len(update))
	for k, v := range update {
		out[k] = v
	}
	for _, k := range sensitiveKeys {
		if update[k] != "" {
			continue
		}
		delete(out, k)
		if r := s.cipher.Decrypt(previous[k]); r.OK() {
			out[k] = r.Value
		}
	}
	return out
}

// Get returns the client view of a channel.
func (s *Service) Get(ctx context.Context, name string) (*ChannelView, error) {
	ch, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.view(ch), nil
}

// List returns the client view of every channel.
func (s *Service) List(ctx context.Context) ([]*ChannelView, error) {
	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	views := make([]*ChannelView, 0, len(channels))
	for _, ch := range channels {
		views = append(views, s.view(ch))
	}
	return views, nil
}

// Delete removes a channel.
func (s *Service) Delete(ctx context.Context, actor *auth.Identity, name string) error {
	err := s.store.DeleteChannel(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return auth.NotFound("channel not found")
	}
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	s.audit(ctx, actor, store.AuditChannelUpdate, name, map[string]any{"deleted": true})
	return nil
}

// Resolve returns the channel with sensitive values decrypted.
func (s *Service) Resolve(ctx context.Context, name string) (*ResolvedChannel, error) {
	ch, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}

	sensitive := make(map[string]bool)
	for _, k := range SensitiveKeys(ch.Type) {
		sensitive[k] = true
	}

	resolved := &ResolvedChannel{
		Name:    ch.Name,
		Type:    ch.Type,
		Enabled: ch.Enabled,
		Config:  make(map[string]string, len(ch.Config)),
	}
	var legacy []string
	for k, v := range ch.Config {
		if !sensitive[k] {
			resolved.Config[k] = v
			continue
		}
		r := s.cipher.Decrypt(v)
		switch r.Status {
		case secretbox.Present:
			resolved.Config[k] = r.Value
			if r.Legacy {
				legacy = append(legacy, k)
			}
		case secretbox.Failed:
			resolved.Unavailable = append(resolved.Unavailable, k)
		}
	}
	sort.Strings(resolved.Unavailable)

	if len(legacy) > 0 {
		s.reencrypt(ctx, ch, resolved.Config, legacy)
	}

	if len(resolved.Unavailable) > 0 {
		s.logger.Warn("channel secrets unavailable", "channel", ch.Name, "keys", resolved.Unavailable)
	}
	return resolved, nil
}

// reencrypt rewrites values that only decrypted with the legacy key under
// the current key. Failure leaves the legacy values in place.
func (s *Service) reencrypt(ctx context.Context, ch *store.Channel, plain map[string]string, keys []string) {
	updated := make(map[string]string, len(ch.Config))
	for k, v := range ch.Config {
		updated[k] = v
	}
	for _, k := range keys {
		enc, err := s.cipher.Encrypt(plain[k])
		if err != nil {
			s.logger.Warn("failed to re-encrypt legacy secret", "channel", ch.Name, "key", k, "error", err)
			return
		}
		updated[k] = enc
	}

	next := *ch
	next.Config = updated
	if err := s.store.UpdateChannel(ctx, &next); err != nil {
		s.logger.Warn("failed to store re-encrypted secrets", "channel", ch.Name, "error", err)
		return
	}
	s.logger.Info("migrated legacy-encrypted secrets", "channel", ch.Name, "keys", keys)
}

// Test sends a test message to the channel, enabled or not. Delivery
// failures are reported in the result; policy and configuration problems
// are returned as errors.
func (s *Service) Test(ctx context.Context, actor *auth.Identity, name string) (*TestResult, error) {
	ch, err := s.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	msg := Message{
		Title:    "Test notification",
		Markdown: fmt.Sprintf("This is a **test** notification for channel `%s`.", ch.Name),
	}
	err = s.dispatch(ctx, ch, msg)

	result := &TestResult{Delivered: err == nil}
	var statusErr *StatusError
	switch {
	case err == nil:
	case auth.KindOf(err) != 0:
		return nil, err
	case errors.As(err, &statusErr):
		result.Error = fmt.Sprintf("endpoint returned HTTP %d", statusErr.Code)
	default:
		result.Error = "delivery failed"
	}
	if err != nil {
		s.logger.Warn("test notification failed", "channel", ch.Name, "error", err)
	}

	s.audit(ctx, actor, store.AuditChannelTest, ch.Name, map[string]any{
		"delivered": result.Delivered,
	})
	return result, nil
}

// Send delivers msg to an enabled channel.
func (s *Service) Send(ctx context.Context, name string, msg Message) error {
	ch, err := s.Resolve(ctx, name)
	if err != nil {
		return err
	}
	if !ch.Enabled {
		return auth.Invalid("channel is disabled")
	}
	return s.dispatch(ctx, ch, msg)
}

// dispatch re-validates the destination immediately before sending.
func (s *Service) dispatch(ctx context.Context, ch *ResolvedChannel, msg Message) error {
	if len(ch.Unavailable) > 0 {
		return auth.NewError(auth.KindCryptoFailure, "channel secrets are unavailable, re-enter them", nil)
	}
	sender, ok := s.senders[ch.Type]
	if !ok {
		return auth.Invalid(fmt.Sprintf("sending is not supported for %s channels", ch.Type))
	}

	if target := ch.URL(); target != "" {
		if _, err := s.guard.Check(ctx, target); err != nil {
			return auth.NewError(auth.KindSSRFRejected, err.Error(), err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	err := sender.Send(ctx, ch, msg)
	if webhook.IsRejected(err) {
		var rejected *webhook.RejectedError
		reason := "destination not allowed"
		if errors.As(err, &rejected) {
			reason = rejected.Reason
		}
		return auth.NewError(auth.KindSSRFRejected, reason, err)
	}
	return err
}

func (s *Service) load(ctx context.Context, name string) (*store.Channel, error) {
	ch, err := s.store.GetChannelByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.NotFound("channel not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading channel: %w", err)
	}
	return ch, nil
}

func (s *Service) view(ch *store.Channel) *ChannelView {
	sensitive := make(map[string]bool)
	for _, k := range SensitiveKeys(ch.Type) {
		sensitive[k] = true
	}

	v := &ChannelView{
		Name:      ch.Name,
		Type:      ch.Type,
		Enabled:   ch.Enabled,
		Config:    make(map[string]string),
		Secrets:   make(map[string]bool),
		CreatedAt: ch.CreatedAt,
		UpdatedAt: ch.UpdatedAt,
	}
	for k := range sensitive {
		v.Secrets[k] = ch.Config[k] != ""
	}
	for k, val := range ch.Config {
		if !sensitive[k] {
			v.Config[k] = val
		}
	}
	return v
}

func (s *Service) audit(ctx context.Context, actor *auth.Identity, action store.AuditAction, target string, detail map[string]any) {
	entry := &store.AuditEntry{
		ActorAccountID: "system",
		Action:         action,
		TargetType:     "channel",
		TargetID:       target,
		Detail:         detail,
	}
	if actor != nil {
		entry.ActorAccountID = actor.AccountID
		entry.ClientAddr = actor.ClientAddr
	}
	if err := s.store.AppendAuditLog(ctx, entry); err != nil {
		s.logger.Error("failed to write audit entry", "action", action, "error", err)
	}
}
