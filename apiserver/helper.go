package apiserver

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tiendaenofertas/mp4nuevo/internal/accessgate"
)

// sessionCookie names the browser session the anti-forgery token is
// bound to.
const sessionCookie = "mp4_session"

type errorEnvelope struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorEnvelope{
		Error:     msg,
		Code:      status,
		Timestamp: s.cfg.Clock.Now().Unix(),
	})
}

// gateError maps access gate failures to the responses the endpoints
// have always returned. Unknown errors become an opaque 500.
func (s *Server) gateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, accessgate.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "Too many requests")
	case errors.Is(err, accessgate.ErrRefererRejected):
		s.writeError(w, http.StatusForbidden, "Access denied")
	case errors.Is(err, accessgate.ErrBadCSRFToken):
		s.writeError(w, http.StatusForbidden, "Invalid or expired security session")
	default:
		s.writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// ensureSession returns the caller's session id, minting one and setting
// the cookie when absent.
func (s *Server) ensureSession(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("minting session id: %w", err)
	}
	sid := hex.EncodeToString(raw)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return sid, nil
}

// sessionID returns the existing session id, if any. Unlike
// ensureSession it never mints one; callers that require an established
// session use this.
func sessionID(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// clientHash is the forensic identity recorded inside payloads: a keyed
// hash, never the raw address.
func (s *Server) clientHash(clientIP string) string {
	sum := sha256.Sum256(append([]byte(clientIP), s.cfg.HMACKey...))
	return hex.EncodeToString(sum[:])
}

// originAllowed reports whether a CORS origin is on the embed allow-list
// or is the serving host itself.
func (s *Server) originAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" {
		return true
	}
	if s.cfg.Referer != nil && s.cfg.Referer.HostAllowed(host) {
		return true
	}
	return s.cfg.Referer != nil && s.cfg.Referer.ServerName == host
}

// hostOf extracts the host of a URL for audit fields; the full URL is
// deliberately never logged.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// cleanField strips control characters and surrounding whitespace from a
// submitted form value.
func cleanField(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func (s *Server) audit(event string, r *http.Request, fields logrus.Fields) {
	all := logrus.Fields{
		"event":    event,
		"event_id": uuid.NewString(),
		"client":   accessgate.ClientIP(r),
		"path":     r.URL.Path,
	}
	for k, v := range fields {
		all[k] = v
	}
	s.log.WithFields(all).Info("audit")
}
