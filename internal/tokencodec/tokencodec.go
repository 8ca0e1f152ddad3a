// Package tokencodec builds and parses the long-lived protected tokens
// that hide a media URL from page markup.
//
// Two wire profiles exist. The historical profile is
// base64(aes_256_cbc(json(payload) || "|" || hex(hmac_sha256(json)))) with a
// static configuration-wide IV; every payload carries a random nonce and an
// issuance timestamp, which is what keeps CBC-IV reuse out of trouble. The
// v2 profile is "v2:" || base64url(nonce || xchacha20poly1305(json)) with a
// fresh nonce per token, selected by its prefix on decode.
package tokencodec

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tiendaenofertas/mp4nuevo/internal/clock"
	"github.com/tiendaenofertas/mp4nuevo/internal/cryptoutil"
)

// Decode failure taxonomy. HTTP layers map all of these onto the same
// generic response so callers cannot probe which gate rejected them.
var (
	ErrMalformed      = errors.New("malformed token")
	ErrAuthentication = errors.New("token authentication failed")
	ErrExpired        = errors.New("token expired")
	ErrEncrypt        = errors.New("token encryption failed")
)

const (
	// v2Prefix is the discriminator for AEAD-profile tokens.
	v2Prefix = "v2:"
	// tagHexLen is the fixed width of the hex HMAC suffix. Validating it
	// makes the last-"|" split unambiguous even when the payload itself
	// contains the delimiter.
	tagHexLen = 64

	nonceBytes = 8
)

// Profile selects the wire format used when minting new tokens. Decoding
// always accepts both.
type Profile int

const (
	// ProfileCBC mints tokens in the historical CBC+HMAC format.
	ProfileCBC Profile = iota
	// ProfileAEAD mints v2 tokens sealed with XChaCha20-Poly1305.
	ProfileAEAD
)

// Payload is the plaintext structure authenticated and encrypted inside a
// long-lived token.
type Payload struct {
	// Data is a JSON-encoded {link, poster, sub} document, or a bare URL
	// for payloads migrated from very old links.
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	// IP is the hashed origin of the authoring request. Forensics only,
	// never consulted for authorization.
	IP string `json:"ip,omitempty"`
}

// Config carries the key material and policy knobs for a Codec.
type Config struct {
	EncryptionKey []byte // 32 bytes, AES-256
	IV            []byte // 16 bytes, static per configuration
	HMACKey       []byte
	AEADKey       []byte // 32 bytes, v2 profile
	Profile       Profile

	// PermissiveExpiry trades strict expiry for link permanence: expired
	// tokens are logged and accepted instead of rejected. Explicitly
	// configured, never a silent default.
	PermissiveExpiry bool

	Clock  clock.Clock
	Logger *logrus.Logger
}

// Codec encodes and decodes long-lived tokens. Stateless and safe for
// concurrent use.
type Codec struct {
	cfg Config
}

// New validates key material and returns a Codec.
func New(cfg Config) (*Codec, error) {
	if len(cfg.EncryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(cfg.EncryptionKey))
	}
	if len(cfg.IV) != 16 {
		return nil, fmt.Errorf("iv must be 16 bytes, got %d", len(cfg.IV))
	}
	if len(cfg.HMACKey) == 0 {
		return nil, fmt.Errorf("hmac key is required")
	}
	if cfg.Profile == ProfileAEAD && len(cfg.AEADKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("aead key must be %d bytes, got %d", chacha20poly1305.KeySize, len(cfg.AEADKey))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Codec{cfg: cfg}, nil
}

// Encode wraps plaintext in an authenticated, timestamped payload and
// returns the opaque token.
func (c *Codec) Encode(plaintext string) (string, error) {
	return c.EncodeForClient(plaintext, "")
}

// EncodeForClient is Encode with the requester's hashed client identity
// recorded in the payload.
func (c *Codec) EncodeForClient(plaintext, clientHash string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("%w: empty plaintext", ErrEncrypt)
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	payload := Payload{
		Data:      plaintext,
		Timestamp: c.cfg.Clock.Now().Unix(),
		Nonce:     hex.EncodeToString(nonce),
		IP:        clientHash,
	}

	serialized, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}

	switch c.cfg.Profile {
	case ProfileAEAD:
		return c.sealAEAD(serialized)
	default:
		return c.sealCBC(serialized)
	}
}

func (c *Codec) sealCBC(serialized []byte) (string, error) {
	tag := cryptoutil.HMACHex(serialized, c.cfg.HMACKey)
	combined := make([]byte, 0, len(serialized)+1+tagHexLen)
	combined = append(combined, serialized...)
	combined = append(combined, '|')
	combined = append(combined, tag...)

	ciphertext, err := cryptoutil.EncryptCBC(c.cfg.EncryptionKey, c.cfg.IV, combined)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (c *Codec) sealAEAD(serialized []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.cfg.AEADKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}
	sealed := aead.Seal(nonce, nonce, serialized, nil)
	return v2Prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode verifies and opens a token. Every step is a hard gate: malformed
// envelope, cipher failure, tag mismatch, schema mismatch and expiry each
// reject the whole token with no partial result.
func (c *Codec) Decode(token string, maxAge time.Duration) (*Payload, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	var (
		serialized []byte
		err        error
	)
	if strings.HasPrefix(token, v2Prefix) {
		serialized, err = c.openAEAD(strings.TrimPrefix(token, v2Prefix))
	} else {
		serialized, err = c.openCBC(token)
	}
	if err != nil {
		return nil, err
	}

	payload, err := parsePayload(serialized)
	if err != nil {
		return nil, err
	}

	return payload, c.checkAge(payload, maxAge)
}

func (c *Codec) openCBC(token string) ([]byte, error) {
	raw, err := cryptoutil.DecodeBase64Token(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	plain, err := cryptoutil.DecryptCBC(c.cfg.EncryptionKey, c.cfg.IV, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher rejected token", ErrAuthentication)
	}

	// The tag is a fixed-width hex suffix behind the last "|", so a "|"
	// inside the payload cannot shift the split.
	idx := bytes.LastIndexByte(plain, '|')
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing tag delimiter", ErrMalformed)
	}
	serialized, tag := plain[:idx], string(plain[idx+1:])
	if len(tag) != tagHexLen || !isHex(tag) {
		return nil, fmt.Errorf("%w: bad tag framing", ErrMalformed)
	}

	if !cryptoutil.TagsEqual(cryptoutil.HMACHex(serialized, c.cfg.HMACKey), tag) {
		return nil, fmt.Errorf("%w: tag mismatch", ErrAuthentication)
	}
	return serialized, nil
}

func (c *Codec) openAEAD(body string) ([]byte, error) {
	if len(c.cfg.AEADKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: aead profile not configured", ErrAuthentication)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	aead, err := chacha20poly1305.NewX(c.cfg.AEADKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: token too short", ErrMalformed)
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	serialized, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: seal rejected token", ErrAuthentication)
	}
	return serialized, nil
}

func (c *Codec) checkAge(payload *Payload, maxAge time.Duration) error {
	age := c.cfg.Clock.Now().Unix() - payload.Timestamp
	if age <= int64(maxAge/time.Second) {
		return nil
	}
	if c.cfg.PermissiveExpiry {
		c.cfg.Logger.WithFields(logrus.Fields{
			"event": "token_expired_accepted",
			"age":   age,
		}).Warn("expired token accepted by permissive-expiry policy")
		return nil
	}
	return fmt.Errorf("%w: age %ds exceeds %s", ErrExpired, age, maxAge)
}

// marshalPayload serializes without HTML escaping so URLs inside the
// payload round-trip byte for byte.
func marshalPayload(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func parsePayload(serialized []byte) (*Payload, error) {
	cleaned := cryptoutil.StripControl(serialized)

	var payload Payload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if payload.Data == "" || payload.Timestamp == 0 || payload.Nonce == "" {
		return nil, fmt.Errorf("%w: payload schema mismatch", ErrMalformed)
	}
	return &payload, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
