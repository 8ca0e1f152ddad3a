// Package resolver is the single entry point for turning an inbound
// long-lived token into video data. It owns the fallback order — fresh
// codec first, legacy brute-force second — so callers never re-implement
// it, and returns a tagged variant instead of making callers duck-type
// the result.
package resolver

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiendaenofertas/mp4nuevo/internal/legacy"
	"github.com/tiendaenofertas/mp4nuevo/internal/tokencodec"
)

// ErrInvalidToken is the only failure callers see; which internal gate
// rejected the token is deliberately not disclosed.
var ErrInvalidToken = errors.New("invalid token")

// Kind tags a Resolution.
type Kind int

const (
	// KindFresh means the token decoded under the current codec.
	KindFresh Kind = iota
	// KindLegacy means the token was recovered by the candidate search.
	KindLegacy
	// KindInvalid means both paths rejected the token.
	KindInvalid
)

// Resolution is the outcome of resolving one token.
type Resolution struct {
	Kind    Kind
	Payload *tokencodec.Payload // set when Kind == KindFresh
	URL     string              // set when Kind == KindLegacy
	Err     error               // set when Kind == KindInvalid
}

// VideoData is the decoded playable document.
type VideoData struct {
	Link   string            `json:"link"`
	Poster string            `json:"poster"`
	Sub    map[string]string `json:"sub"`
}

// Resolver composes the codec and the legacy decoder.
type Resolver struct {
	codec  *tokencodec.Codec
	legacy *legacy.Decoder
	maxAge time.Duration
	log    *logrus.Logger
}

// New creates a Resolver enforcing maxAge on fresh tokens.
func New(codec *tokencodec.Codec, ld *legacy.Decoder, maxAge time.Duration, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{codec: codec, legacy: ld, maxAge: maxAge, log: logger}
}

// Resolve tries the current codec, then the legacy recovery decoder.
func (r *Resolver) Resolve(token string) Resolution {
	payload, err := r.codec.Decode(token, r.maxAge)
	if err == nil {
		return Resolution{Kind: KindFresh, Payload: payload}
	}

	// Expired fresh tokens are not handed to the brute-force search; the
	// codec recognized them, they are just too old.
	if errors.Is(err, tokencodec.ErrExpired) {
		return Resolution{Kind: KindInvalid, Err: ErrInvalidToken}
	}

	if r.legacy != nil {
		if u, lerr := r.legacy.TryRecover(token); lerr == nil {
			return Resolution{Kind: KindLegacy, URL: u}
		}
	}

	return Resolution{Kind: KindInvalid, Err: ErrInvalidToken}
}

// VideoData extracts the playable document from a Resolution. Fresh
// payloads carry either a JSON document or, for migrated links, a bare
// URL; legacy recoveries are always a bare URL.
func (res Resolution) VideoData() (VideoData, error) {
	switch res.Kind {
	case KindFresh:
		data := res.Payload.Data
		var vd VideoData
		if err := json.Unmarshal([]byte(data), &vd); err == nil && vd.Link != "" {
			return vd, nil
		}
		if legacy.Plausible(data) {
			return VideoData{Link: data, Sub: map[string]string{}}, nil
		}
		return VideoData{}, ErrInvalidToken
	case KindLegacy:
		return VideoData{Link: res.URL, Sub: map[string]string{}}, nil
	default:
		if res.Err != nil {
			return VideoData{}, res.Err
		}
		return VideoData{}, ErrInvalidToken
	}
}

// ValidURL reports whether s is a well-formed absolute http or https URL.
func ValidURL(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Host != ""
}
