package streamsession

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// tokenBytes gives 128 bits of entropy per session token.
const tokenBytes = 16

// MemoryStore is the in-process Store. Expired entries are swept inline
// on every Mint and Resolve, so no background task is needed.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	opts     Options
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore(opts Options) *MemoryStore {
	opts.applyDefaults()
	return &MemoryStore{
		sessions: make(map[string]Session),
		opts:     opts,
	}
}

// Mint implements Store.
func (m *MemoryStore) Mint(realURL, clientID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}

	now := m.opts.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)
	m.sessions[token] = Session{
		RealURL:     realURL,
		CreatedAt:   now,
		BoundClient: clientID,
	}
	return token, nil
}

// Resolve implements Store.
func (m *MemoryStore) Resolve(token, clientID string) (string, error) {
	now := m.opts.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)

	s, ok := m.sessions[token]
	if !ok {
		return "", ErrNotFound
	}
	if now.Sub(s.CreatedAt) > m.opts.TTL {
		delete(m.sessions, token)
		return "", ErrExpired
	}
	if m.opts.BindClient && s.BoundClient != clientID {
		return "", ErrClientMismatch
	}
	if m.opts.SingleUse {
		delete(m.sessions, token)
	}
	return s.RealURL, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

// Len reports the number of live sessions, for tests and health output.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweep evicts expired sessions. Must be called with mu held.
func (m *MemoryStore) sweep(now time.Time) {
	for token, s := range m.sessions {
		if now.Sub(s.CreatedAt) > m.opts.TTL {
			delete(m.sessions, token)
		}
	}
}

func newToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("minting session token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
