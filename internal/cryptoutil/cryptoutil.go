// Package cryptoutil holds the symmetric primitives shared by the token
// codec and the legacy recovery decoder: AES-CBC with PKCS#7 padding,
// HMAC-SHA256 tagging, deterministic key/IV derivation and the base64
// normalization applied to tokens arriving through URLs.
package cryptoutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

func pad(src []byte) []byte {
	padding := aes.BlockSize - len(src)%aes.BlockSize
	padtext := bytes.Repeat([]byte{byte(padding)}, padding)
	return append(src, padtext...)
}

func unpad(src []byte) ([]byte, error) {
	length := len(src)
	if length == 0 || length%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", length)
	}
	unpadding := int(src[length-1])
	if unpadding == 0 || unpadding > aes.BlockSize || unpadding > length {
		return nil, fmt.Errorf("invalid padding byte %d", unpadding)
	}
	for _, b := range src[length-unpadding:] {
		if int(b) != unpadding {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return src[:length-unpadding], nil
}

// EncryptCBC encrypts plaintext with AES in CBC mode under the given key
// and IV. The IV is caller-provided; uniqueness of the plaintext is the
// caller's responsibility.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("input for encryption is empty")
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptCBC reverses EncryptCBC. Padding errors are reported as plain
// errors; callers must treat any failure as an invalid token.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext [len=%d] is not a multiple of the block size", len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpad(plaintext)
}

// HMACHex computes the hex-encoded HMAC-SHA256 tag of data under key.
func HMACHex(data, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// TagsEqual compares two tags in constant time.
func TagsEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// DeriveKey32 builds the historical 32-byte AES key: the prefix
// concatenated with the hex SHA-256 of the seed, truncated to 32 bytes.
// Earlier deployments fed the full string to a cipher that silently
// truncated it, so truncation here is a compatibility requirement.
func DeriveKey32(prefix, seed string) []byte {
	material := prefix + hexSHA256(seed)
	key := make([]byte, 32)
	copy(key, material)
	return key
}

// DeriveIV builds the historical static IV: the first 16 hex characters
// of the SHA-256 of the seed, used as raw bytes.
func DeriveIV(seed string) []byte {
	return []byte(hexSHA256(seed)[:aes.BlockSize])
}

// DeriveHMACKey builds the keyed-hash key the same way deployments
// always have: prefix plus hex SHA-256 of the seed, full length.
func DeriveHMACKey(prefix, seed string) []byte {
	return []byte(prefix + hexSHA256(seed))
}

func hexSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NormalizeBase64 repairs tokens that traveled through URLs: spaces and
// URL-safe alphabet characters are mapped back to the standard alphabet
// and stripped padding is restored.
func NormalizeBase64(s string) string {
	s = strings.TrimSpace(s)
	r := strings.NewReplacer(" ", "+", "-", "+", "_", "/")
	s = r.Replace(s)
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return s
}

// DecodeBase64Token normalizes and strictly decodes a token envelope.
func DecodeBase64Token(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(NormalizeBase64(s))
}

// StripControl removes control bytes (0x00-0x1F, 0x7F) that block-cipher
// guessing leaves behind in recovered plaintext.
func StripControl(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c < 0x20 || c == 0x7F {
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
