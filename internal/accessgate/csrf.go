package accessgate

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/tiendaenofertas/mp4nuevo/internal/clock"
)

// CSRFStore issues and validates per-session anti-forgery tokens for the
// authoring path. One token per session, reissued only after expiry.
type CSRFStore struct {
	mu      sync.Mutex
	entries map[string]csrfEntry
	ttl     time.Duration
	clock   clock.Clock
}

type csrfEntry struct {
	token  string
	issued time.Time
}

// NewCSRFStore creates a store whose tokens live for ttl.
func NewCSRFStore(ttl time.Duration, clk clock.Clock) *CSRFStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &CSRFStore{
		entries: make(map[string]csrfEntry),
		ttl:     ttl,
		clock:   clk,
	}
}

// Issue returns the anti-forgery token bound to sessionID, minting one if
// the session has none yet.
func (s *CSRFStore) Issue(sessionID string) (string, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(now)

	if e, ok := s.entries[sessionID]; ok {
		return e.token, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("minting anti-forgery token: %w", err)
	}
	token := hex.EncodeToString(raw)
	s.entries[sessionID] = csrfEntry{token: token, issued: now}
	return token, nil
}

// Validate checks token against the one bound to sessionID in constant
// time. Absence and mismatch are indistinguishable to the caller.
func (s *CSRFStore) Validate(sessionID, token string) error {
	if token == "" {
		return ErrBadCSRFToken
	}

	s.mu.Lock()
	e, ok := s.entries[sessionID]
	s.mu.Unlock()

	if !ok || s.clock.Now().Sub(e.issued) > s.ttl {
		return ErrBadCSRFToken
	}
	if subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) != 1 {
		return ErrBadCSRFToken
	}
	return nil
}

// sweep evicts expired tokens. Must be called with mu held.
func (s *CSRFStore) sweep(now time.Time) {
	for id, e := range s.entries {
		if now.Sub(e.issued) > s.ttl {
			delete(s.entries, id)
		}
	}
}
