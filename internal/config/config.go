// Package config loads the service configuration and derives the key
// material every deployment generation has used: a printable prefix plus
// the hex SHA-256 of a seed, truncated to the cipher's key size. The
// derivation is part of the wire compatibility contract — changing it
// orphans every token already embedded on partner pages.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tiendaenofertas/mp4nuevo/internal/cryptoutil"
	"github.com/tiendaenofertas/mp4nuevo/internal/legacy"
	"github.com/tiendaenofertas/mp4nuevo/internal/tokencodec"
)

// Limits holds the per-endpoint request caps inside one rate window.
type Limits struct {
	Encode   int `yaml:"encode"`
	Embed    int `yaml:"embed"`
	Stream   int `yaml:"stream"`
	Redirect int `yaml:"redirect"`
}

// Secrets names the seeds the key material is derived from. Overriding
// them rotates every key at once; the defaults match the deployed
// generation so existing links keep resolving.
type Secrets struct {
	KeyPrefix  string `yaml:"key_prefix"`
	KeySeed    string `yaml:"key_seed"`
	IVSeed     string `yaml:"iv_seed"`
	HMACPrefix string `yaml:"hmac_prefix"`
	HMACSeed   string `yaml:"hmac_seed"`
	AEADSeed   string `yaml:"aead_seed"`
}

// LegacyKey describes one historical configuration the recovery decoder
// should try, in file order.
type LegacyKey struct {
	Cipher    string `yaml:"cipher"` // aes-256-cbc | aes-128-cbc
	KeyPrefix string `yaml:"key_prefix"`
	KeySeed   string `yaml:"key_seed"`
	IVSeed    string `yaml:"iv_seed"`
}

// Config is the full service configuration.
type Config struct {
	Listen         string   `yaml:"listen"`
	ServerName     string   `yaml:"server_name"`
	AllowedDomains []string `yaml:"allowed_domains"`

	TokenLifetimeSeconds int    `yaml:"token_lifetime_seconds"`
	SessionTTLSeconds    int    `yaml:"session_ttl_seconds"`
	RateWindowSeconds    int    `yaml:"rate_window_seconds"`
	Limits               Limits `yaml:"limits"`

	// PermissiveExpiry accepts (and logs) expired long-lived tokens.
	PermissiveExpiry bool `yaml:"permissive_expiry"`
	// PermissiveReferer accepts (and logs) disallowed referers.
	PermissiveReferer bool `yaml:"permissive_referer"`

	// SingleUseSessions consumes a stream session on first resolve.
	SingleUseSessions *bool `yaml:"single_use_sessions"`
	// BindSessionClient rejects resolves from a client other than the
	// minting one.
	BindSessionClient *bool `yaml:"bind_session_client"`

	// MintProfile selects the wire format for new tokens: "cbc" keeps
	// the historical format, "aead" mints v2 tokens.
	MintProfile string `yaml:"mint_profile"`

	// SessionStore is "memory" or "badger".
	SessionStore string `yaml:"session_store"`
	BadgerPath   string `yaml:"badger_path"`

	ProbeTimeoutSeconds int  `yaml:"probe_timeout_seconds"`
	DisableProbe        bool `yaml:"disable_probe"`

	Secrets    Secrets     `yaml:"secrets"`
	LegacyKeys []LegacyKey `yaml:"legacy_keys"`
}

// Load reads a YAML config file and applies defaults. A missing file is
// not an error; the defaults alone are a working configuration.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if len(c.AllowedDomains) == 0 {
		c.AllowedDomains = []string{"localhost", "127.0.0.1"}
	}
	if c.TokenLifetimeSeconds == 0 {
		c.TokenLifetimeSeconds = 1800
	}
	if c.SessionTTLSeconds == 0 {
		c.SessionTTLSeconds = 1800
	}
	if c.RateWindowSeconds == 0 {
		c.RateWindowSeconds = 3600
	}
	if c.Limits.Encode == 0 {
		c.Limits.Encode = 60
	}
	if c.Limits.Embed == 0 {
		c.Limits.Embed = 50
	}
	if c.Limits.Stream == 0 {
		c.Limits.Stream = 30
	}
	if c.Limits.Redirect == 0 {
		c.Limits.Redirect = 120
	}
	if c.SingleUseSessions == nil {
		v := true
		c.SingleUseSessions = &v
	}
	if c.BindSessionClient == nil {
		v := true
		c.BindSessionClient = &v
	}
	if c.MintProfile == "" {
		c.MintProfile = "cbc"
	}
	if c.SessionStore == "" {
		c.SessionStore = "memory"
	}
	if c.BadgerPath == "" {
		c.BadgerPath = "data/sessions"
	}
	if c.ProbeTimeoutSeconds == 0 {
		c.ProbeTimeoutSeconds = 8
	}

	if c.Secrets.KeyPrefix == "" {
		c.Secrets.KeyPrefix = "mp4_secure_key_2025_"
	}
	if c.Secrets.KeySeed == "" {
		c.Secrets.KeySeed = "xzorra_protection"
	}
	if c.Secrets.IVSeed == "" {
		c.Secrets.IVSeed = "xzorra_iv_2025"
	}
	if c.Secrets.HMACPrefix == "" {
		c.Secrets.HMACPrefix = "hmac_xzorra_2025_"
	}
	if c.Secrets.HMACSeed == "" {
		c.Secrets.HMACSeed = "protection_key"
	}
	if c.Secrets.AEADSeed == "" {
		c.Secrets.AEADSeed = "xzorra_aead_v2"
	}

	if c.LegacyKeys == nil {
		// Earlier deployment generations, most recent first.
		c.LegacyKeys = []LegacyKey{
			{Cipher: "aes-256-cbc", KeyPrefix: "mp4_secure_key_2024_", KeySeed: "xzorra_protection", IVSeed: "xzorra_iv_2024"},
			{Cipher: "aes-256-cbc", KeyPrefix: "mp4_key_", KeySeed: "xzorra_legacy", IVSeed: "xzorra_iv_legacy"},
			{Cipher: "aes-128-cbc", KeyPrefix: "mp4_key_", KeySeed: "xzorra_legacy", IVSeed: "xzorra_iv_legacy"},
		}
	}
}

// EncryptionKey derives the current 32-byte AES key.
func (c Config) EncryptionKey() []byte {
	return cryptoutil.DeriveKey32(c.Secrets.KeyPrefix, c.Secrets.KeySeed)
}

// IV derives the static 16-byte CBC IV.
func (c Config) IV() []byte {
	return cryptoutil.DeriveIV(c.Secrets.IVSeed)
}

// HMACKey derives the keyed-hash key.
func (c Config) HMACKey() []byte {
	return cryptoutil.DeriveHMACKey(c.Secrets.HMACPrefix, c.Secrets.HMACSeed)
}

// AEADKey derives the 32-byte key for the v2 token profile.
func (c Config) AEADKey() []byte {
	return cryptoutil.DeriveKey32("", c.Secrets.AEADSeed)
}

// Profile maps the configured mint profile.
func (c Config) Profile() tokencodec.Profile {
	if c.MintProfile == "aead" {
		return tokencodec.ProfileAEAD
	}
	return tokencodec.ProfileCBC
}

// TokenLifetime returns the long-lived token max age.
func (c Config) TokenLifetime() time.Duration {
	return time.Duration(c.TokenLifetimeSeconds) * time.Second
}

// SessionTTL returns the stream session TTL.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// RateWindow returns the rate-limit window length.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSeconds) * time.Second
}

// ProbeTimeout returns the reachability probe deadline.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// CandidateKeySet expands the current and historical configurations into
// the ordered triples the recovery decoder tries: the current key first
// (it is the most likely producer of an unreadable token), then each
// configured legacy generation in file order.
func (c Config) CandidateKeySet() []legacy.Candidate {
	candidates := []legacy.Candidate{{
		Cipher: legacy.AES256CBC,
		Key:    c.EncryptionKey(),
		IV:     c.IV(),
	}}

	for _, lk := range c.LegacyKeys {
		cipher := legacy.AES256CBC
		if lk.Cipher == "aes-128-cbc" {
			cipher = legacy.AES128CBC
		}
		candidates = append(candidates, legacy.Candidate{
			Cipher: cipher,
			Key:    cryptoutil.DeriveKey32(lk.KeyPrefix, lk.KeySeed),
			IV:     cryptoutil.DeriveIV(lk.IVSeed),
		})
	}
	return candidates
}
