// ABOUTME: In-memory store for in-progress WebAuthn ceremonies
// ABOUTME: Challenges expire after five minutes and are single use

package passkey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

// challengeTTL bounds how long a begun ceremony may be finished.
const challengeTTL = 5 * time.Minute

type pendingCeremony struct {
	session   *webauthn.SessionData
	accountID string
	expiresAt time.Time
}

// challengeStore keeps WebAuthn session data between begin and finish.
// Entries are consumed on first use.
type challengeStore struct {
	mu      sync.Mutex
	pending map[string]*pendingCeremony
	now     func() time.Time
	cancel  context.CancelFunc
}

func newChallengeStore(now func() time.Time) *challengeStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &challengeStore{
		pending: make(map[string]*pendingCeremony),
		now:     now,
		cancel:  cancel,
	}
	go s.cleanupLoop(ctx)
	return s
}

// Close stops the cleanup goroutine.
func (s *challengeStore) Close() {
	s.cancel()
}

// put stores session data and returns the token that identifies it.
func (s *challengeStore) put(session *webauthn.SessionData, accountID string) (string, error) {
	token, err := newChallengeToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[token] = &pendingCeremony{
		session:   session,
		accountID: accountID,
		expiresAt: s.now().Add(challengeTTL),
	}
	return token, nil
}

// take removes and returns the ceremony for token if it has not expired.
func (s *challengeStore) take(token string) (*webauthn.SessionData, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[token]
	if !ok {
		return nil, "", false
	}
	delete(s.pending, token)
	if s.now().After(p.expiresAt) {
		return nil, "", false
	}
	return p.session, p.accountID, true
}

func (s *challengeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *challengeStore) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.pending {
		if now.After(v.expiresAt) {
			delete(s.pending, k)
		}
	}
}

func (s *challengeStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func newChallengeToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
