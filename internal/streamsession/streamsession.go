// Package streamsession owns the second token layer: short-lived,
// session-bound identifiers a viewer page hands to the redirector
// instead of the long-lived token. The store is the only component that
// holds a real URL after minting.
package streamsession

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiendaenofertas/mp4nuevo/internal/clock"
)

var (
	ErrNotFound       = errors.New("stream session not found")
	ErrExpired        = errors.New("stream session expired")
	ErrClientMismatch = errors.New("stream session bound to a different client")
)

// Session is one ephemeral record keyed by an opaque random token.
type Session struct {
	RealURL     string    `json:"url"`
	CreatedAt   time.Time `json:"created"`
	BoundClient string    `json:"client"`
}

// Store maps session tokens to real URLs. Implementations must be safe
// for concurrent use and must keep every mutation a single atomic step.
type Store interface {
	// Mint stores a new session for realURL bound to clientID and
	// returns its opaque token.
	Mint(realURL, clientID string) (string, error)

	// Resolve returns the real URL for token, enforcing TTL and client
	// binding. Under the single-use policy the record is consumed.
	Resolve(token, clientID string) (string, error)

	// Close releases backing resources.
	Close() error
}

// Options configures a session store. TTL is independent of the
// long-lived token's max age.
type Options struct {
	// TTL bounds a session's life regardless of use.
	TTL time.Duration
	// SingleUse deletes a session on its first Resolve. Deployments that
	// favor uninterrupted seeking keep it false and let TTL end the
	// session instead.
	SingleUse bool
	// BindClient enforces that Resolve comes from the minting client.
	// Relaxed by deployments that tolerate mobile-network IP churn.
	BindClient bool

	Clock  clock.Clock
	Logger *logrus.Logger
}

func (o *Options) applyDefaults() {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
}
