package accessgate

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiendaenofertas/mp4nuevo/internal/clock"
)

// RateLimiter is the injected abuse-prevention check. Implementations
// must be safe for concurrent use. This is advisory throttling, not a
// security boundary; it is never the sole protection against replay.
type RateLimiter interface {
	// Allow records one request for clientID and returns ErrRateLimited
	// once more than limit requests landed inside the live window.
	Allow(clientID string, limit int) error
}

type window struct {
	count int
	start time.Time
}

// WindowLimiter is an in-process fixed-window limiter keyed by client
// identifier. Expired windows are evicted inline while the lock is held,
// so the map cannot grow without bound.
type WindowLimiter struct {
	mu      sync.Mutex
	entries map[string]*window
	length  time.Duration
	clock   clock.Clock
}

// NewWindowLimiter creates a limiter with the given window length.
func NewWindowLimiter(length time.Duration, clk clock.Clock) *WindowLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &WindowLimiter{
		entries: make(map[string]*window),
		length:  length,
		clock:   clk,
	}
}

// Allow implements RateLimiter.
func (l *WindowLimiter) Allow(clientID string, limit int) error {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	w, ok := l.entries[clientID]
	if !ok || now.Sub(w.start) > l.length {
		l.entries[clientID] = &window{count: 1, start: now}
		return nil
	}

	w.count++
	if w.count > limit {
		return fmt.Errorf("%w: %d requests in window", ErrRateLimited, w.count)
	}
	return nil
}

// sweep evicts elapsed windows. Must be called with mu held.
func (l *WindowLimiter) sweep(now time.Time) {
	for id, w := range l.entries {
		if now.Sub(w.start) > l.length {
			delete(l.entries, id)
		}
	}
}
