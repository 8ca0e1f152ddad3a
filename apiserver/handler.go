package apiserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiendaenofertas/mp4nuevo/internal/accessgate"
	"github.com/tiendaenofertas/mp4nuevo/internal/resolver"
)

// videoDoc is the authoring-side shape of the protected payload.
type videoDoc struct {
	Link   string            `json:"link"`
	Poster string            `json:"poster,omitempty"`
	Sub    map[string]string `json:"sub,omitempty"`
}

func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	sid, err := s.ensureSession(w, r)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	token, err := s.cfg.CSRF.Issue(sid)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

// handleEncode authors a new protected token. The anti-forgery check
// runs before the rate limiter so a forged request leaves no counter
// footprint behind.
func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}

	csrfToken := r.Header.Get("X-CSRF-Token")
	if csrfToken == "" {
		csrfToken = r.PostFormValue("csrf_token")
	}
	if err := s.cfg.CSRF.Validate(sessionID(r), csrfToken); err != nil {
		s.audit("encode_csrf_rejected", r, nil)
		s.gateError(w, err)
		return
	}

	clientIP := accessgate.ClientIP(r)
	if err := s.cfg.Limiter.Allow("encode:"+clientIP, s.cfg.Limits.Encode); err != nil {
		s.gateError(w, err)
		return
	}

	link := cleanField(r.PostFormValue("link"))
	if !resolver.ValidURL(link) {
		s.writeError(w, http.StatusBadRequest, "A valid video URL is required")
		return
	}
	if !s.cfg.Checker.UrlIsReachable(r.Context(), link) {
		s.audit("encode_unreachable_url", r, logrus.Fields{"url_host": hostOf(link)})
		s.writeError(w, http.StatusBadRequest, "The video URL is not reachable")
		return
	}

	doc := videoDoc{Link: link}
	if poster := cleanField(r.PostFormValue("poster")); poster != "" {
		if !resolver.ValidURL(poster) {
			s.writeError(w, http.StatusBadRequest, "The poster URL is not valid")
			return
		}
		doc.Poster = poster
	}
	doc.Sub = subtitleMap(r.PostForm["sub"], r.PostForm["label"])

	serialized, err := marshalCompact(doc)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	token, err := s.cfg.Codec.EncodeForClient(serialized, s.clientHash(clientIP))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	// A token that cannot be read back is never handed out.
	if _, err := s.cfg.Codec.Decode(token, time.Minute); err != nil {
		s.log.WithError(err).Error("self-check decode of freshly minted token failed")
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	s.audit("token_issued", r, logrus.Fields{"url_host": hostOf(link)})
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"token":  token,
	})
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Referer.Check(r); err != nil {
		s.audit("embed_referer_rejected", r, logrus.Fields{"referer": r.Referer()})
		s.gateError(w, err)
		return
	}
	clientIP := accessgate.ClientIP(r)
	if err := s.cfg.Limiter.Allow("embed:"+clientIP, s.cfg.Limits.Embed); err != nil {
		s.gateError(w, err)
		return
	}

	data := r.URL.Query().Get("data")
	if data == "" {
		s.writeError(w, http.StatusBadRequest, "Missing data parameter")
		return
	}

	res := s.cfg.Resolver.Resolve(data)
	vd, err := res.VideoData()
	if err != nil {
		s.audit("embed_invalid_token", r, nil)
		s.writeError(w, http.StatusUnauthorized, "Invalid or expired link")
		return
	}
	if !resolver.ValidURL(vd.Link) {
		s.writeError(w, http.StatusBadRequest, "Protected content is not playable")
		return
	}

	sessionToken, err := s.cfg.Sessions.Mint(vd.Link, clientIP)
	if err != nil {
		s.log.WithError(err).Error("minting stream session")
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	page := embedPage{StreamToken: sessionToken}
	if resolver.ValidURL(vd.Poster) {
		// The viewer page never sees the poster URL in clear text.
		page.PosterB64 = base64.StdEncoding.EncodeToString([]byte(vd.Poster))
	}
	for label, src := range vd.Sub {
		if resolver.ValidURL(src) {
			page.Subs = append(page.Subs, subtitleTrack{Label: label, Src: src})
		}
	}

	s.audit("embed_served", r, logrus.Fields{"token_kind": kindLabel(res.Kind)})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var buf bytes.Buffer
	if err := embedTemplate.Execute(&buf, page); err != nil {
		s.log.WithError(err).Error("rendering embed page")
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	w.Write(buf.Bytes())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Referer.Check(r); err != nil {
		s.gateError(w, err)
		return
	}
	clientIP := accessgate.ClientIP(r)
	if err := s.cfg.Limiter.Allow("stream:"+clientIP, s.cfg.Limits.Stream); err != nil {
		s.gateError(w, err)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		s.writeError(w, http.StatusBadRequest, "Missing token parameter")
		return
	}

	realURL, err := s.cfg.Sessions.Resolve(token, clientIP)
	if err != nil {
		s.audit("stream_session_rejected", r, logrus.Fields{"reason": err.Error()})
		s.writeError(w, http.StatusUnauthorized, "Stream link expired or not valid for this session")
		return
	}
	if !resolver.ValidURL(realURL) {
		s.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	s.audit("stream_redirected", r, logrus.Fields{"url_host": hostOf(realURL)})
	w.Header().Set("X-Protected-By", "MP4Security")
	http.Redirect(w, r, realURL, http.StatusFound)
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Referer.Check(r); err != nil {
		s.gateError(w, err)
		return
	}
	clientIP := accessgate.ClientIP(r)
	if err := s.cfg.Limiter.Allow("redirect:"+clientIP, s.cfg.Limits.Redirect); err != nil {
		s.gateError(w, err)
		return
	}

	data := r.URL.Query().Get("data")
	if data == "" {
		s.writeError(w, http.StatusBadRequest, "Missing data parameter")
		return
	}

	res := s.cfg.Resolver.Resolve(data)
	vd, err := res.VideoData()
	if err != nil {
		s.audit("redirect_invalid_token", r, nil)
		s.writeError(w, http.StatusUnauthorized, "Invalid or expired link")
		return
	}
	if !resolver.ValidURL(vd.Link) {
		s.writeError(w, http.StatusBadRequest, "Protected content is not playable")
		return
	}

	s.audit("redirect_served", r, logrus.Fields{
		"token_kind": kindLabel(res.Kind),
		"url_host":   hostOf(vd.Link),
	})
	w.Header().Set("X-Protected-By", "MP4Security")
	http.Redirect(w, r, vd.Link, http.StatusFound)
}

// subtitleMap pairs parallel sub/label form fields. Entries with an
// invalid URL are dropped; a missing label falls back to "Track N".
func subtitleMap(srcs, labels []string) map[string]string {
	if len(srcs) == 0 {
		return nil
	}
	out := make(map[string]string)
	for i, src := range srcs {
		src = cleanField(src)
		if !resolver.ValidURL(src) {
			continue
		}
		label := ""
		if i < len(labels) {
			label = cleanField(labels[i])
		}
		if label == "" {
			label = fmt.Sprintf("Track %d", i+1)
		}
		out[label] = src
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func marshalCompact(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func kindLabel(k resolver.Kind) string {
	switch k {
	case resolver.KindFresh:
		return "fresh"
	case resolver.KindLegacy:
		return "legacy"
	default:
		return "invalid"
	}
}
