// ABOUTME: Dispatch of notification messages to resolved channels
// ABOUTME: WebhookSender posts a JSON payload with Markdown rendered to HTML

package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
)

// Message is a notification to deliver.
type Message struct {
	Title    string
	Markdown string
}

// Sender delivers a message to one resolved channel.
type Sender interface {
	Send(ctx context.Context, ch *ResolvedChannel, msg Message) error
}

// SignatureHeader carries the HMAC-SHA256 of the body when the channel has
// a signing secret.
const SignatureHeader = "X-Beacon-Signature"

// maxErrorBody caps how much of a failed response is kept for the error.
const maxErrorBody = 512

// webhookPayload is the JSON body posted by WebhookSender.
type webhookPayload struct {
	Channel   string    `json:"channel"`
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text"`
	HTML      string    `json:"html"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookSender posts messages to the channel's URL. Client should come
// from webhook.Guard.Client so every connection is validated.
type WebhookSender struct {
	Client *http.Client
	Now    func() time.Time
}

// Send renders msg and posts it to the channel URL.
func (s *WebhookSender) Send(ctx context.Context, ch *ResolvedChannel, msg Message) error {
	target := ch.URL()
	if target == "" {
		return fmt.Errorf("channel %s has no url", ch.Name)
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(msg.Markdown), &html); err != nil {
		return fmt.Errorf("rendering markdown: %w", err)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	body, err := json.Marshal(webhookPayload{
		Channel:   ch.Name,
		Title:     msg.Title,
		Text:      msg.Markdown,
		HTML:      html.String(),
		Timestamp: now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret := ch.Config["signing_secret"]; secret != "" {
		req.Header.Set(SignatureHeader, Sign([]byte(secret), body))
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, prefixed with the
// algorithm name.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
