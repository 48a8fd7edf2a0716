// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
	"relaygate-local-dev-secret-for-testing-only": true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a signing or privileged secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Backplane BackplaneConfig `json:"backplane"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig defines the listener and connection settings.
type ServerConfig struct {
	Addr             string   `json:"addr"` // e.g. ":8080"
	TLSCert          string   `json:"tls_cert,omitempty"`
	TLSKey           string   `json:"tls_key,omitempty"`
	AllowedOrigins   []string `json:"allowed_origins,omitempty"`   // default ["*"]
	MaxMessageBytes  int64    `json:"max_message_bytes,omitempty"` // default 1MB
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty"` // default 10s
	PingInterval     Duration `json:"ping_interval,omitempty"`     // default 25s
	PingTimeout      Duration `json:"ping_timeout,omitempty"`      // default 20s
	SendQueueSize    int      `json:"send_queue_size,omitempty"`   // default 256
}

// AuthConfig holds the shared secrets.
type AuthConfig struct {
	PrivilegedSecret string `json:"privileged_secret"`
	JWTSecret        string `json:"jwt_secret"` // signs session access tokens

	// Optional external identity provider whose tokens are accepted as
	// session tokens. The JWKS URL defaults to the issuer's well-known path.
	ExternalIssuer  string `json:"external_issuer,omitempty"`
	ExternalJWKSURL string `json:"external_jwks_url,omitempty"`
}

// StorageConfig defines the tenant configuration store.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`
	TenantCacheTTL Duration `json:"tenant_cache_ttl,omitempty"` // 0 disables caching
	TenantCacheMax int      `json:"tenant_cache_max,omitempty"`
}

// BackplaneConfig selects how state is shared across gateway processes.
type BackplaneConfig struct {
	Driver        string `json:"driver"` // "memory" (default) or "redis"
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
	Bus           string `json:"bus,omitempty"` // "redis" (default) or "nats"
	NATSURL       string `json:"nats_url,omitempty"`
	NodeID        string `json:"node_id,omitempty"`
}

// RateLimitConfig defines limiter manager settings.
type RateLimitConfig struct {
	LimiterCacheSize int `json:"limiter_cache_size,omitempty"` // default 10000
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// envOverrides are secrets and endpoints that may come from the environment
// instead of the config file.
type envOverrides struct {
	PrivilegedSecret string `env:"RELAYGATE_PRIVILEGED_SECRET"`
	JWTSecret        string `env:"RELAYGATE_JWT_SECRET"`
	RedisAddr        string `env:"RELAYGATE_REDIS_ADDR"`
	RedisPassword    string `env:"RELAYGATE_REDIS_PASSWORD"`
	NATSURL          string `env:"RELAYGATE_NATS_URL"`
	StoreDSN         string `env:"RELAYGATE_STORE_DSN"`
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies environment overrides and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Auth.PrivilegedSecret, env.PrivilegedSecret)
	set(&c.Auth.JWTSecret, env.JWTSecret)
	set(&c.Backplane.RedisAddr, env.RedisAddr)
	set(&c.Backplane.RedisPassword, env.RedisPassword)
	set(&c.Backplane.NATSURL, env.NATSURL)
	set(&c.Storage.DSN, env.StoreDSN)
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if c.Auth.PrivilegedSecret != "" && len(c.Auth.PrivilegedSecret) < 32 {
		return fmt.Errorf("auth.privileged_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] || knownWeakSecrets[c.Auth.PrivilegedSecret] {
		return fmt.Errorf("auth secrets must not be well-known weak values")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for postgres")
	}
	switch c.Backplane.Driver {
	case "", "memory":
	case "redis":
		if c.Backplane.RedisAddr == "" {
			return fmt.Errorf("backplane.redis_addr is required when driver is redis")
		}
	default:
		return fmt.Errorf("backplane.driver %q is not supported", c.Backplane.Driver)
	}
	switch c.Backplane.Bus {
	case "", "redis":
	case "nats":
		if c.Backplane.NATSURL == "" {
			return fmt.Errorf("backplane.nats_url is required when bus is nats")
		}
	default:
		return fmt.Errorf("backplane.bus %q is not supported", c.Backplane.Bus)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 1024 * 1024 // 1MB
	}
	if c.Server.HandshakeTimeout.Duration == 0 {
		c.Server.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Server.PingInterval.Duration == 0 {
		c.Server.PingInterval.Duration = 25 * time.Second
	}
	if c.Server.PingTimeout.Duration == 0 {
		c.Server.PingTimeout.Duration = 20 * time.Second
	}
	if c.Server.SendQueueSize == 0 {
		c.Server.SendQueueSize = 256
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "relaygate.db"
	}
	if c.Storage.TenantCacheMax == 0 {
		c.Storage.TenantCacheMax = 1024
	}
	if c.Backplane.Driver == "" {
		c.Backplane.Driver = "memory"
	}
	if c.Backplane.Bus == "" {
		c.Backplane.Bus = "redis"
	}
	if c.Backplane.KeyPrefix == "" {
		c.Backplane.KeyPrefix = "relaygate"
	}
	if c.RateLimit.LimiterCacheSize == 0 {
		c.RateLimit.LimiterCacheSize = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Starter returns a config suitable for local development with freshly
// generated secrets.
func Starter() (*Config, error) {
	jwtSecret, err := GenerateRandomSecret()
	if err != nil {
		return nil, err
	}
	privileged, err := GenerateRandomSecret()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Auth:    AuthConfig{JWTSecret: jwtSecret, PrivilegedSecret: privileged},
		Storage: StorageConfig{Driver: "sqlite", DSN: "relaygate.db", TenantCacheTTL: Duration{5 * time.Second}},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	cfg.applyDefaults()
	return cfg, nil
}
