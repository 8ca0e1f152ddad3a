package apiserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiendaenofertas/mp4nuevo/internal/accessgate"
	"github.com/tiendaenofertas/mp4nuevo/internal/clock"
	"github.com/tiendaenofertas/mp4nuevo/internal/config"
	"github.com/tiendaenofertas/mp4nuevo/internal/cryptoutil"
	"github.com/tiendaenofertas/mp4nuevo/internal/legacy"
	"github.com/tiendaenofertas/mp4nuevo/internal/resolver"
	"github.com/tiendaenofertas/mp4nuevo/internal/streamsession"
	"github.com/tiendaenofertas/mp4nuevo/internal/tokencodec"
)

type neverReachable struct{}

func (neverReachable) UrlIsReachable(context.Context, string) bool { return false }

type env struct {
	srv   *Server
	codec *tokencodec.Codec
	clk   *clock.Fake
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newEnv(t *testing.T, mod func(*Config)) *env {
	t.Helper()
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))

	codec, err := tokencodec.New(tokencodec.Config{
		EncryptionKey: cryptoutil.DeriveKey32("mp4_secure_key_2025_", "server_test"),
		IV:            cryptoutil.DeriveIV("server_test_iv"),
		HMACKey:       cryptoutil.DeriveHMACKey("hmac_2025_", "server_test"),
		Clock:         fake,
	})
	require.NoError(t, err)

	sessions := streamsession.NewMemoryStore(streamsession.Options{
		TTL:        30 * time.Minute,
		SingleUse:  true,
		BindClient: true,
		Clock:      fake,
		Logger:     quietLogger(),
	})

	cfg := Config{
		Codec:    codec,
		Resolver: resolver.New(codec, legacy.NewDecoder(nil, quietLogger()), 30*time.Minute, quietLogger()),
		Sessions: sessions,
		Limiter:  accessgate.NewWindowLimiter(time.Hour, fake),
		CSRF:     accessgate.NewCSRFStore(time.Hour, fake),
		Referer: &accessgate.RefererPolicy{
			AllowedDomains: []string{"allowed.example"},
			ServerName:     "player.example",
			Logger:         quietLogger(),
		},
		Checker: nil,
		Limits:  config.Limits{Encode: 60, Embed: 50, Stream: 30, Redirect: 120},
		HMACKey: []byte("server_test_hmac"),
		Clock:   fake,
		Logger:  quietLogger(),
	}
	if mod != nil {
		mod(&cfg)
	}

	return &env{srv: New(cfg), codec: codec, clk: fake}
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

// csrfHandshake performs GET /api/csrf and returns the session cookie
// and the anti-forgery token.
func (e *env) csrfHandshake(t *testing.T) (*http.Cookie, string) {
	t.Helper()
	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/csrf", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["csrf_token"])

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies[0], body["csrf_token"]
}

func encodeRequest(form url.Values, cookie *http.Cookie, csrf string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/encode", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	return req
}

func embedRequest(data string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/embed?data="+url.QueryEscape(data), nil)
	req.Header.Set("Referer", "https://allowed.example/watch")
	return req
}

var streamTokenRe = regexp.MustCompile(`/stream\?token=([0-9a-f]+)`)

func TestEncodeHappyPath(t *testing.T) {
	e := newEnv(t, nil)
	cookie, csrf := e.csrfHandshake(t)

	form := url.Values{}
	form.Set("link", "https://cdn.example/video.mp4")
	form.Set("poster", "https://cdn.example/poster.jpg")
	form.Add("sub", "https://cdn.example/es.vtt")
	form.Add("label", "Español")

	rec := e.do(encodeRequest(form, cookie, csrf))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])

	payload, err := e.codec.Decode(body["token"], 30*time.Minute)
	require.NoError(t, err)

	var doc videoDoc
	require.NoError(t, json.Unmarshal([]byte(payload.Data), &doc))
	assert.Equal(t, "https://cdn.example/video.mp4", doc.Link)
	assert.Equal(t, "https://cdn.example/poster.jpg", doc.Poster)
	assert.Equal(t, "https://cdn.example/es.vtt", doc.Sub["Español"])
	assert.NotEmpty(t, payload.IP, "hashed client identity recorded")
}

func TestEncodeForgedRequestLeavesNoCounterFootprint(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.Limits.Encode = 1 })
	cookie, csrf := e.csrfHandshake(t)

	form := url.Values{}
	form.Set("link", "https://cdn.example/video.mp4")

	// Forged: no anti-forgery token. Must be rejected before the rate
	// limiter records anything.
	rec := e.do(encodeRequest(form, cookie, ""))
	require.Equal(t, http.StatusForbidden, rec.Code)

	// The single slot of the window is still free.
	rec = e.do(encodeRequest(form, cookie, csrf))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEncodeRejectsBadLink(t *testing.T) {
	e := newEnv(t, nil)
	cookie, csrf := e.csrfHandshake(t)

	for _, link := range []string{"", "ftp://x/video.mp4", "javascript:alert(1)"} {
		form := url.Values{}
		form.Set("link", link)
		rec := e.do(encodeRequest(form, cookie, csrf))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "link %q", link)
	}
}

func TestEncodeRejectsUnreachableLink(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.Checker = neverReachable{} })
	cookie, csrf := e.csrfHandshake(t)

	form := url.Values{}
	form.Set("link", "https://cdn.example/gone.mp4")
	rec := e.do(encodeRequest(form, cookie, csrf))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not reachable")
}

func TestEmbedThenStream(t *testing.T) {
	e := newEnv(t, nil)

	data, err := e.codec.Encode(`{"link":"https://cdn.example/video.mp4","poster":"https://cdn.example/p.jpg","sub":{"es":"https://cdn.example/es.vtt"}}`)
	require.NoError(t, err)

	rec := e.do(embedRequest(data))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	html := rec.Body.String()
	assert.NotContains(t, html, "cdn.example/video.mp4", "real URL never reaches the page")

	m := streamTokenRe.FindStringSubmatch(html)
	require.NotNil(t, m, "embed page carries a stream token")

	req := httptest.NewRequest(http.MethodGet, "/stream?token="+m[1], nil)
	req.Header.Set("Referer", "https://allowed.example/watch")
	rec = e.do(req)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://cdn.example/video.mp4", rec.Header().Get("Location"))
	assert.Equal(t, "MP4Security", rec.Header().Get("X-Protected-By"))

	// Single use: the same token does not resolve twice.
	rec = e.do(req.Clone(req.Context()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStreamRejectsForeignClient(t *testing.T) {
	e := newEnv(t, nil)

	data, err := e.codec.Encode("https://cdn.example/video.mp4")
	require.NoError(t, err)

	rec := e.do(embedRequest(data))
	require.Equal(t, http.StatusOK, rec.Code)
	m := streamTokenRe.FindStringSubmatch(rec.Body.String())
	require.NotNil(t, m)

	req := httptest.NewRequest(http.MethodGet, "/stream?token="+m[1], nil)
	req.Header.Set("Referer", "https://allowed.example/watch")
	req.RemoteAddr = "198.51.100.7:4444"
	rec = e.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEmbedRefererRejected(t *testing.T) {
	e := newEnv(t, nil)

	data, err := e.codec.Encode("https://cdn.example/video.mp4")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/embed?data="+url.QueryEscape(data), nil)
	req.Header.Set("Referer", "https://hotlinker.example/steal")
	rec := e.do(req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var envl errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envl))
	assert.Equal(t, http.StatusForbidden, envl.Code)
	assert.NotZero(t, envl.Timestamp)
}

func TestEmbedRateLimited(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.Limits.Embed = 2 })

	data, err := e.codec.Encode("https://cdn.example/video.mp4")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rec := e.do(embedRequest(data))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := e.do(embedRequest(data))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRedirectFreshAndLegacy(t *testing.T) {
	cand := legacy.Candidate{
		Cipher: legacy.AES256CBC,
		Key:    cryptoutil.DeriveKey32("mp4_secure_key_2024_", "server_test_old"),
		IV:     cryptoutil.DeriveIV("server_test_old_iv"),
	}
	e := newEnv(t, func(c *Config) {
		c.Resolver = resolver.New(c.Codec, legacy.NewDecoder([]legacy.Candidate{cand}, quietLogger()), 30*time.Minute, quietLogger())
	})

	data, err := e.codec.Encode("https://cdn.example/video.mp4")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/redirect?data="+url.QueryEscape(data), nil)
	req.Header.Set("Referer", "https://allowed.example/watch")
	rec := e.do(req)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://cdn.example/video.mp4", rec.Header().Get("Location"))

	ciphertext, err := cryptoutil.EncryptCBC(cand.Key, cand.IV, []byte("https://cdn.example/old.mp4"))
	require.NoError(t, err)
	old := base64.StdEncoding.EncodeToString(ciphertext)

	req = httptest.NewRequest(http.MethodGet, "/redirect?data="+url.QueryEscape(old), nil)
	req.Header.Set("Referer", "https://allowed.example/watch")
	rec = e.do(req)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://cdn.example/old.mp4", rec.Header().Get("Location"))
}

func TestRedirectExpiredToken(t *testing.T) {
	e := newEnv(t, nil)

	data, err := e.codec.Encode("https://cdn.example/video.mp4")
	require.NoError(t, err)

	e.clk.Advance(1801 * time.Second)

	req := httptest.NewRequest(http.MethodGet, "/redirect?data="+url.QueryEscape(data), nil)
	req.Header.Set("Referer", "https://allowed.example/watch")
	rec := e.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORSOriginEcho(t *testing.T) {
	e := newEnv(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/stream", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := e.do(req)
	assert.Equal(t, "https://allowed.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/stream", nil)
	req.Header.Set("Origin", "https://hotlinker.example")
	rec = e.do(req)
	assert.Equal(t, "null", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
}

func TestSubtitleMap(t *testing.T) {
	m := subtitleMap(
		[]string{"https://cdn.example/a.vtt", "not-a-url", "https://cdn.example/c.vtt"},
		[]string{"English", "Broken"},
	)
	assert.Equal(t, map[string]string{
		"English": "https://cdn.example/a.vtt",
		"Track 3": "https://cdn.example/c.vtt",
	}, m)

	assert.Nil(t, subtitleMap(nil, nil))
	assert.Nil(t, subtitleMap([]string{"garbage"}, []string{"x"}))
}

func TestCSRFTokenStablePerSession(t *testing.T) {
	e := newEnv(t, nil)
	cookie, first := e.csrfHandshake(t)

	req := httptest.NewRequest(http.MethodGet, "/api/csrf", nil)
	req.AddCookie(cookie)
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, first, body["csrf_token"])
}
