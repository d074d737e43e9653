// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration. Values come from an
// optional YAML file and from EID_* environment variables; every tunable
// has a default so a bare `eid serve` works out of the box.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MasterKeySize is the required size of the envelope master key in bytes.
const MasterKeySize = 32

// Config is the fully resolved daemon configuration.
type Config struct {
	Debug bool `mapstructure:"debug"`

	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Crypto       CryptoConfig       `mapstructure:"crypto"`
	Token        TokenConfig        `mapstructure:"token"`
	Login        LoginConfig        `mapstructure:"login"`
	Handle       HandleConfig       `mapstructure:"handle"`
	MFA          MFAConfig          `mapstructure:"mfa"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Verification VerificationConfig `mapstructure:"verification"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Address is the host:port the API server binds to.
	Address string `mapstructure:"address"`

	// ExternalURL is the public base URL of this deployment, used in
	// discovery metadata and otpauth:// URLs.
	ExternalURL string `mapstructure:"external_url"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `mapstructure:"path"`
}

// RedisConfig configures the distributed cache. When Addr is empty the
// daemon falls back to the in-process cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CryptoConfig configures envelope encryption.
type CryptoConfig struct {
	// MasterKey is the base64-encoded 32-byte key that wraps per-record DEKs.
	MasterKey string `mapstructure:"master_key"`

	// MasterKeyID names the master key in ciphertext headers so keys can be
	// rotated without re-encrypting everything at once.
	MasterKeyID string `mapstructure:"master_key_id"`
}

// TokenConfig configures token issuance.
type TokenConfig struct {
	// Issuer is the value of the "iss" claim in issued JWTs.
	Issuer string `mapstructure:"issuer"`

	// SigningKeyFile is a PEM file holding the JWT signing key. When empty
	// an ephemeral key is generated at startup.
	SigningKeyFile string `mapstructure:"signing_key_file"`

	// Algorithm is the JWT signing algorithm: ES256 (default), RS256 or HS256.
	Algorithm string `mapstructure:"algorithm"`

	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	AuthCodeTTL     time.Duration `mapstructure:"auth_code_ttl"`
	ResetTokenTTL   time.Duration `mapstructure:"reset_token_ttl"`
	MFATicketTTL    time.Duration `mapstructure:"mfa_ticket_ttl"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`

	// AllowPlainPKCE lets clients flagged trusted use the "plain" code
	// challenge method. S256 is always accepted.
	AllowPlainPKCE bool `mapstructure:"allow_plain_pkce"`
}

// LoginConfig configures the login lockout window and the first-party
// client logins are attributed to.
type LoginConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	LockoutDuration time.Duration `mapstructure:"lockout_duration"`

	// DefaultClientID names the OAuth client a login is recorded against
	// when the request does not identify one. `eid serve` seeds it.
	DefaultClientID string `mapstructure:"default_client_id"`
}

// HandleConfig configures handle validation.
type HandleConfig struct {
	MaxLength           int           `mapstructure:"max_length"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	SuggestionCount     int           `mapstructure:"suggestion_count"`
	TransferTTL         time.Duration `mapstructure:"transfer_ttl"`
}

// MFAConfig configures second-factor verification.
type MFAConfig struct {
	// CodeTTL bounds the life of SMS and email verification codes.
	CodeTTL time.Duration `mapstructure:"code_ttl"`

	// ChallengeTTL bounds the life of an issued challenge.
	ChallengeTTL time.Duration `mapstructure:"challenge_ttl"`

	// MaxAttempts is the number of wrong codes one challenge absorbs
	// before it fails.
	MaxAttempts int `mapstructure:"max_attempts"`

	// MaxFailed is the number of consecutive failed challenges that lock
	// a method for Cooldown.
	MaxFailed       int           `mapstructure:"max_failed"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	BackupCodeCount int           `mapstructure:"backup_code_count"`

	// Freshness is how long an MFA assertion on a session satisfies the
	// policy gate before a new proof is demanded.
	Freshness time.Duration `mapstructure:"freshness"`
}

// SyncConfig configures the downstream sync engine.
type SyncConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
	BatchSize         int           `mapstructure:"batch_size"`
	WorkerCount       int           `mapstructure:"worker_count"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`

	// SourcePlatform names this deployment in enqueued jobs.
	SourcePlatform string `mapstructure:"source_platform"`

	// Platforms are the downstream targets replicated state fans out to.
	Platforms []string `mapstructure:"platforms"`

	// Endpoints maps a platform to the base URL of its internal sync
	// receiver. Dispatch to a platform without an endpoint fails, so a
	// deployment with no endpoints at all keeps its jobs queued instead
	// of running the dispatcher.
	Endpoints map[string]string `mapstructure:"endpoints"`
}

// VerificationConfig configures the verification pipeline.
type VerificationConfig struct {
	// DocumentMaxBytes caps accepted document uploads.
	DocumentMaxBytes int64 `mapstructure:"document_max_bytes"`
}

// RateLimitConfig configures the in-process limiters on the auth endpoints.
type RateLimitConfig struct {
	// TokenPerMinute limits token-endpoint requests per client.
	TokenPerMinute int `mapstructure:"token_per_minute"`

	// LoginPerMinute limits login attempts per source.
	LoginPerMinute int `mapstructure:"login_per_minute"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("server.address", "127.0.0.1:8315")
	v.SetDefault("server.external_url", "http://127.0.0.1:8315")

	v.SetDefault("database.path", "eid.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("crypto.master_key_id", "master-v1")

	v.SetDefault("token.issuer", "entativa-id")
	v.SetDefault("token.algorithm", "ES256")
	v.SetDefault("token.access_token_ttl", time.Hour)
	v.SetDefault("token.refresh_token_ttl", 30*24*time.Hour)
	v.SetDefault("token.auth_code_ttl", 10*time.Minute)
	v.SetDefault("token.reset_token_ttl", 15*time.Minute)
	v.SetDefault("token.mfa_ticket_ttl", 5*time.Minute)
	v.SetDefault("token.session_ttl", 30*24*time.Hour)
	v.SetDefault("token.allow_plain_pkce", false)

	v.SetDefault("login.max_attempts", 5)
	v.SetDefault("login.lockout_duration", 30*time.Minute)
	v.SetDefault("login.default_client_id", "eid-web")

	v.SetDefault("handle.max_length", 30)
	v.SetDefault("handle.similarity_threshold", 0.85)
	v.SetDefault("handle.suggestion_count", 5)
	v.SetDefault("handle.transfer_ttl", 24*time.Hour)

	v.SetDefault("mfa.code_ttl", 10*time.Minute)
	v.SetDefault("mfa.challenge_ttl", 5*time.Minute)
	v.SetDefault("mfa.max_attempts", 3)
	v.SetDefault("mfa.max_failed", 5)
	v.SetDefault("mfa.cooldown", 15*time.Minute)
	v.SetDefault("mfa.backup_code_count", 10)
	v.SetDefault("mfa.freshness", 15*time.Minute)

	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.processing_timeout", 5*time.Minute)
	v.SetDefault("sync.backoff_base", 2*time.Second)
	v.SetDefault("sync.backoff_cap", 10*time.Minute)
	v.SetDefault("sync.batch_size", 32)
	v.SetDefault("sync.worker_count", 4)
	v.SetDefault("sync.poll_interval", time.Second)
	v.SetDefault("sync.sweep_interval", 30*time.Second)
	v.SetDefault("sync.source_platform", "eid")
	v.SetDefault("sync.platforms", []string{"sonet", "gala", "pika"})

	v.SetDefault("verification.document_max_bytes", int64(10<<20))

	v.SetDefault("rate_limit.token_per_minute", 60)
	v.SetDefault("rate_limit.login_per_minute", 30)
}

// Load reads configuration from the given file (optional, "" to skip) and
// the environment, validates it and returns the resolved Config.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Token.Issuer == "" {
		return fmt.Errorf("token.issuer is required")
	}
	switch c.Token.Algorithm {
	case "ES256", "RS256", "HS256":
	default:
		return fmt.Errorf("token.algorithm %q is not supported", c.Token.Algorithm)
	}
	if c.Crypto.MasterKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Crypto.MasterKey)
		if err != nil {
			return fmt.Errorf("crypto.master_key is not valid base64: %w", err)
		}
		if len(key) != MasterKeySize {
			return fmt.Errorf("crypto.master_key must decode to %d bytes, got %d", MasterKeySize, len(key))
		}
	}
	if c.Handle.SimilarityThreshold <= 0 || c.Handle.SimilarityThreshold > 1 {
		return fmt.Errorf("handle.similarity_threshold must be in (0, 1], got %v", c.Handle.SimilarityThreshold)
	}
	if c.Login.MaxAttempts < 1 {
		return fmt.Errorf("login.max_attempts must be at least 1")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("sync backoff window is invalid: base %v, cap %v", c.Sync.BackoffBase, c.Sync.BackoffCap)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1")
	}
	if c.Sync.WorkerCount < 1 {
		return fmt.Errorf("sync.worker_count must be at least 1")
	}
	return nil
}

// MasterKeyBytes returns the decoded envelope master key, or nil when no
// key is configured.
func (c *Config) MasterKeyBytes() []byte {
	if c.Crypto.MasterKey == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(c.Crypto.MasterKey)
	if err != nil {
		return nil
	}
	return key
}
