package resolver

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiendaenofertas/mp4nuevo/internal/clock"
	"github.com/tiendaenofertas/mp4nuevo/internal/cryptoutil"
	"github.com/tiendaenofertas/mp4nuevo/internal/legacy"
	"github.com/tiendaenofertas/mp4nuevo/internal/tokencodec"
)

var legacyCandidate = legacy.Candidate{
	Cipher: legacy.AES256CBC,
	Key:    cryptoutil.DeriveKey32("mp4_secure_key_2024_", "resolver_test"),
	IV:     cryptoutil.DeriveIV("resolver_test_iv"),
}

func newResolver(t *testing.T) (*Resolver, *tokencodec.Codec, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))

	codec, err := tokencodec.New(tokencodec.Config{
		EncryptionKey: cryptoutil.DeriveKey32("mp4_secure_key_2025_", "resolver_test"),
		IV:            cryptoutil.DeriveIV("resolver_test_iv_2025"),
		HMACKey:       cryptoutil.DeriveHMACKey("hmac_2025_", "resolver_test"),
		Clock:         fake,
	})
	require.NoError(t, err)

	ld := legacy.NewDecoder([]legacy.Candidate{legacyCandidate}, nil)
	return New(codec, ld, 30*time.Minute, nil), codec, fake
}

func TestResolveFresh(t *testing.T) {
	r, codec, _ := newResolver(t)

	token, err := codec.Encode(`{"link":"https://cdn.example/video.mp4","poster":"p.jpg","sub":{"es":"https://cdn.example/es.vtt"}}`)
	require.NoError(t, err)

	res := r.Resolve(token)
	require.Equal(t, KindFresh, res.Kind)

	vd, err := res.VideoData()
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/video.mp4", vd.Link)
	assert.Equal(t, "p.jpg", vd.Poster)
	assert.Equal(t, "https://cdn.example/es.vtt", vd.Sub["es"])
}

func TestResolveFreshBareURLPayload(t *testing.T) {
	r, codec, _ := newResolver(t)

	token, err := codec.Encode("https://cdn.example/direct.mp4")
	require.NoError(t, err)

	res := r.Resolve(token)
	require.Equal(t, KindFresh, res.Kind)

	vd, err := res.VideoData()
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/direct.mp4", vd.Link)
}

func TestResolveLegacyFallback(t *testing.T) {
	r, _, _ := newResolver(t)

	ciphertext, err := cryptoutil.EncryptCBC(legacyCandidate.Key, legacyCandidate.IV, []byte("https://cdn.example/ancient.mp4"))
	require.NoError(t, err)
	token := base64.StdEncoding.EncodeToString(ciphertext)

	res := r.Resolve(token)
	require.Equal(t, KindLegacy, res.Kind)
	assert.Equal(t, "https://cdn.example/ancient.mp4", res.URL)

	vd, err := res.VideoData()
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/ancient.mp4", vd.Link)
	assert.Empty(t, vd.Poster)
}

func TestResolveInvalid(t *testing.T) {
	r, _, _ := newResolver(t)

	res := r.Resolve("definitely-not-a-token")
	require.Equal(t, KindInvalid, res.Kind)
	assert.ErrorIs(t, res.Err, ErrInvalidToken)

	_, err := res.VideoData()
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestResolveExpiredFreshDoesNotHitLegacy(t *testing.T) {
	r, codec, fake := newResolver(t)

	token, err := codec.Encode("https://cdn.example/video.mp4")
	require.NoError(t, err)

	fake.Advance(31 * time.Minute)
	res := r.Resolve(token)
	assert.Equal(t, KindInvalid, res.Kind)
}

func TestValidURL(t *testing.T) {
	valid := []string{
		"https://cdn.example/video.mp4",
		"http://media.example:8080/a/b?c=d",
		"  https://cdn.example/video.mp4  ",
	}
	for _, u := range valid {
		assert.True(t, ValidURL(u), "url %q", u)
	}

	invalid := []string{
		"",
		"ftp://cdn.example/video.mp4",
		"javascript:alert(1)",
		"https://",
		"cdn.example/video.mp4",
	}
	for _, u := range invalid {
		assert.False(t, ValidURL(u), "url %q", u)
	}
}
