package streamsession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiendaenofertas/mp4nuevo/internal/clock"
)

func newBadger(t *testing.T, mutate func(*Options)) (*BadgerStore, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	opts := Options{
		TTL:        30 * time.Minute,
		SingleUse:  true,
		BindClient: true,
		Clock:      fake,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewBadgerStore(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, fake
}

func TestBadgerMintResolve(t *testing.T) {
	s, _ := newBadger(t, nil)

	token, err := s.Mint("https://cdn.example/video.mp4", "1.2.3.4")
	require.NoError(t, err)

	url, err := s.Resolve(token, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/video.mp4", url)
}

func TestBadgerSingleUse(t *testing.T) {
	s, _ := newBadger(t, nil)

	token, err := s.Mint("https://cdn.example/video.mp4", "1.2.3.4")
	require.NoError(t, err)

	_, err = s.Resolve(token, "1.2.3.4")
	require.NoError(t, err)

	_, err = s.Resolve(token, "1.2.3.4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerClientMismatch(t *testing.T) {
	s, _ := newBadger(t, nil)

	token, err := s.Mint("https://cdn.example/video.mp4", "1.2.3.4")
	require.NoError(t, err)

	_, err = s.Resolve(token, "5.6.7.8")
	assert.ErrorIs(t, err, ErrClientMismatch)
}

func TestBadgerExpiredByClock(t *testing.T) {
	// Badger's TTL is generous (wall clock); the store's own CreatedAt
	// check must reject first.
	s, fake := newBadger(t, nil)

	token, err := s.Mint("https://cdn.example/video.mp4", "1.2.3.4")
	require.NoError(t, err)

	fake.Advance(31 * time.Minute)
	_, err = s.Resolve(token, "1.2.3.4")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestBadgerUnknownToken(t *testing.T) {
	s, _ := newBadger(t, nil)
	_, err := s.Resolve("deadbeefdeadbeefdeadbeefdeadbeef", "1.2.3.4")
	assert.ErrorIs(t, err, ErrNotFound)
}
