// Package legacy recovers tokens minted by earlier, incompatible
// deployments. Those links are still embedded on partner pages, so the
// exact key, cipher and IV that produced a given token are unknown at
// decode time; the decoder tries the historical candidates in a fixed
// order and keeps the first result that looks like a URL.
package legacy

import (
	"crypto/aes"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tiendaenofertas/mp4nuevo/internal/cryptoutil"
)

// ErrNotRecoverable means every candidate was exhausted without a
// plausible plaintext. Callers must treat the token as permanently
// invalid.
var ErrNotRecoverable = errors.New("token not recoverable")

// Cipher identifies a historical cipher configuration.
type Cipher int

const (
	AES256CBC Cipher = iota
	AES128CBC
)

// String returns the textual cipher name.
func (c Cipher) String() string {
	switch c {
	case AES256CBC:
		return "aes-256-cbc"
	case AES128CBC:
		return "aes-128-cbc"
	default:
		return "unknown"
	}
}

// Candidate is one historical (cipher, key, iv) triple. The set is
// immutable after process start and iterated most-likely-first.
type Candidate struct {
	Cipher Cipher
	Key    []byte
	IV     []byte
}

// Decoder brute-forces a token against the candidate set. Stateless and
// safe for concurrent use; the search is bounded by the configured
// candidates and performs no I/O.
type Decoder struct {
	candidates []Candidate
	log        *logrus.Logger
}

// NewDecoder builds a Decoder over an ordered candidate set.
func NewDecoder(candidates []Candidate, logger *logrus.Logger) *Decoder {
	if logger == nil {
		logger = logrus.New()
	}
	cs := make([]Candidate, len(candidates))
	copy(cs, candidates)
	return &Decoder{candidates: cs, log: logger}
}

// TryRecover decrypts the token under each candidate in order and returns
// the first plaintext that passes the plausibility filter. A hit cannot be
// distinguished from an accidental valid-looking decryption of noise; that
// false-positive risk is inherent to the technique and accepted.
func (d *Decoder) TryRecover(token string) (string, error) {
	raw, err := cryptoutil.DecodeBase64Token(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotRecoverable, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: envelope not block aligned", ErrNotRecoverable)
	}

	for i, cand := range d.candidates {
		plain, err := cryptoutil.DecryptCBC(candidateKey(cand), cand.IV, raw)
		if err != nil {
			continue
		}

		cleaned := strings.TrimSpace(cryptoutil.StripControl(plain))
		if !Plausible(cleaned) {
			continue
		}

		d.log.WithFields(logrus.Fields{
			"event":     "legacy_token_recovered",
			"candidate": i,
			"cipher":    cand.Cipher.String(),
		}).Info("legacy token recovered")
		return cleaned, nil
	}

	return "", ErrNotRecoverable
}

// Plausible reports whether recovered plaintext looks like a protected
// URL. This is the only acceptance test the search has.
func Plausible(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func candidateKey(c Candidate) []byte {
	if c.Cipher == AES128CBC {
		key := make([]byte, 16)
		copy(key, c.Key)
		return key
	}
	key := make([]byte, 32)
	copy(key, c.Key)
	return key
}
