// Package config loads the engine configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/layer-3/sentinel/core"
	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Environment overrides
const (
	EnvRedisURL   = "SENTINEL_REDIS_URL"
	EnvSQLitePath = "SENTINEL_SQLITE_PATH"
	EnvHTTPAddr   = "SENTINEL_HTTP_ADDR"
	EnvStore      = "SENTINEL_STORE"
)

// Config is the full runtime configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Auth     AuthConfig     `yaml:"auth"`
	KeyVault KeyVaultConfig `yaml:"keyvault"`
	Quorum   QuorumConfig   `yaml:"quorum"`
	Events   EventsConfig   `yaml:"events"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig controls login and session issuance
type AuthConfig struct {
	TokenTTL   time.Duration `yaml:"token_ttl"`
	TOTPIssuer string        `yaml:"totp_issuer"`
	TOTPSkew   uint          `yaml:"totp_skew"`
	BcryptCost int           `yaml:"bcrypt_cost"`
	// SigningKeyPath points at a PEM P-256 key for session tokens. Empty
	// means a fresh key per process.
	SigningKeyPath string `yaml:"signing_key_path"`
}

// KeyVaultConfig holds the argon2id parameters for new key blobs
type KeyVaultConfig struct {
	Time    uint32 `yaml:"time"`
	Memory  uint32 `yaml:"memory_kib"`
	Threads uint8  `yaml:"threads"`
}

// QuorumConfig controls transaction expiry, contention retries and how long
// an execution claim holds off other callers
type QuorumConfig struct {
	Expiry      time.Duration `yaml:"expiry"`
	MaxAttempts uint64        `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	ClaimLease  time.Duration `yaml:"claim_lease"`
}

type EventsConfig struct {
	AuditTopic  string `yaml:"audit_topic"`
	LedgerTopic string `yaml:"ledger_topic"`
}

// DefaultConfig returns a configuration that runs entirely in memory
func DefaultConfig() Config {
	return Config{
		HTTP:   HTTPConfig{Addr: ":9000"},
		Log:    LogConfig{Level: "info"},
		Store:  StoreConfig{Driver: DriverMemory},
		Redis:  RedisConfig{URL: "redis://localhost:6379/0"},
		SQLite: SQLiteConfig{Path: "sentinel.db"},
		Auth: AuthConfig{
			TokenTTL:   15 * time.Minute,
			TOTPIssuer: "Sentinel",
			TOTPSkew:   1,
			BcryptCost: 12,
		},
		KeyVault: KeyVaultConfig{Time: 3, Memory: 64 * 1024, Threads: 4},
		Quorum: QuorumConfig{
			Expiry:      72 * time.Hour,
			MaxAttempts: 5,
			RetryDelay:  10 * time.Millisecond,
			ClaimLease:  time.Minute,
		},
		Events: EventsConfig{
			AuditTopic:  "sentinel.audit",
			LedgerTopic: "sentinel.ledger.execute",
		},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: failed to parse %s: %v", core.ErrConfig, path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		c.Redis.URL = v
	}
	if v, ok := lookup(EnvSQLitePath); ok && v != "" {
		c.SQLite.Path = v
	}
	if v, ok := lookup(EnvHTTPAddr); ok && v != "" {
		c.HTTP.Addr = v
	}
	if v, ok := lookup(EnvStore); ok && v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
}

// Validate reports every problem at once, each wrapped in core.ErrConfig
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{core.ErrConfig}, args...)...))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLite.Path == "" {
			add("sqlite.path is required")
		}
	case DriverRedis:
		if c.Redis.URL == "" {
			add("redis.url is required")
		}
	default:
		add("unknown store driver %q", c.Store.Driver)
	}

	if c.Auth.TokenTTL <= 0 {
		add("auth.token_ttl must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		add("auth.bcrypt_cost must be between 4 and 31")
	}
	if c.Auth.TOTPIssuer == "" {
		add("auth.totp_issuer is required")
	}
	if c.KeyVault.Time == 0 || c.KeyVault.Memory == 0 || c.KeyVault.Threads == 0 {
		add("keyvault parameters must be positive")
	}
	if c.Quorum.Expiry <= 0 {
		add("quorum.expiry must be positive")
	}
	if c.Quorum.MaxAttempts == 0 {
		add("quorum.max_attempts must be at least 1")
	}
	if c.Quorum.RetryDelay < 0 {
		add("quorum.retry_delay must not be negative")
	}
	if c.Quorum.ClaimLease <= 0 {
		add("quorum.claim_lease must be positive")
	}

	return errors.Join(errs...)
}
