package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "my-super-secret-jwt-key-at-least-32"

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":9090",
			"allowed_origins": ["https://app.example.com"],
			"max_message_bytes": 4096,
			"handshake_timeout": "3s",
			"ping_interval": 10,
			"send_queue_size": 16
		},
		"auth": {
			"jwt_secret": "` + testSecret + `",
			"privileged_secret": "another-secret-that-is-long-enough-123"
		},
		"storage": {
			"driver": "postgres",
			"dsn": "postgres://localhost/relaygate",
			"tenant_cache_ttl": "2s"
		},
		"backplane": {
			"driver": "redis",
			"redis_addr": "localhost:6379",
			"bus": "nats",
			"nats_url": "nats://localhost:4222"
		},
		"logging": {"level": "debug", "format": "text"}
	}`

	cfg, err := Load(writeTempConfig(t, configJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.HandshakeTimeout.Duration != 3*time.Second {
		t.Errorf("HandshakeTimeout: got %v, want 3s", cfg.Server.HandshakeTimeout.Duration)
	}
	if cfg.Server.PingInterval.Duration != 10*time.Second {
		t.Errorf("PingInterval: got %v, want 10s", cfg.Server.PingInterval.Duration)
	}
	if cfg.Server.SendQueueSize != 16 {
		t.Errorf("SendQueueSize: got %d, want 16", cfg.Server.SendQueueSize)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver: got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.TenantCacheTTL.Duration != 2*time.Second {
		t.Errorf("TenantCacheTTL: got %v", cfg.Storage.TenantCacheTTL.Duration)
	}
	if cfg.Backplane.Bus != "nats" || cfg.Backplane.NATSURL != "nats://localhost:4222" {
		t.Errorf("Backplane: got %+v", cfg.Backplane)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `{"server":{"addr":":8080"},"auth":{"jwt_secret":"`+testSecret+`"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins: got %v, want [*]", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.MaxMessageBytes != 1024*1024 {
		t.Errorf("MaxMessageBytes: got %d", cfg.Server.MaxMessageBytes)
	}
	if cfg.Server.PingTimeout.Duration != 20*time.Second {
		t.Errorf("PingTimeout: got %v", cfg.Server.PingTimeout.Duration)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "relaygate.db" {
		t.Errorf("Storage: got %+v", cfg.Storage)
	}
	if cfg.Backplane.Driver != "memory" || cfg.Backplane.Bus != "redis" || cfg.Backplane.KeyPrefix != "relaygate" {
		t.Errorf("Backplane: got %+v", cfg.Backplane)
	}
	if cfg.RateLimit.LimiterCacheSize != 10000 {
		t.Errorf("LimiterCacheSize: got %d", cfg.RateLimit.LimiterCacheSize)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("RELAYGATE_JWT_SECRET", "env-provided-secret-that-is-32-chars-long")
	t.Setenv("RELAYGATE_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RELAYGATE_STORE_DSN", "/var/lib/relaygate.db")

	path := writeTempConfig(t, `{"server":{"addr":":8080"},"backplane":{"driver":"redis"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-provided-secret-that-is-32-chars-long" {
		t.Errorf("JWTSecret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Backplane.RedisAddr != "redis.internal:6379" {
		t.Errorf("RedisAddr: got %q", cfg.Backplane.RedisAddr)
	}
	if cfg.Storage.DSN != "/var/lib/relaygate.db" {
		t.Errorf("DSN: got %q", cfg.Storage.DSN)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{"missing addr", `{"auth":{"jwt_secret":"` + testSecret + `"}}`, "server.addr"},
		{"missing secret", `{"server":{"addr":":1"}}`, "auth.jwt_secret is required"},
		{"short secret", `{"server":{"addr":":1"},"auth":{"jwt_secret":"short"}}`, "at least 32"},
		{"bad driver", `{"server":{"addr":":1"},"auth":{"jwt_secret":"` + testSecret + `"},"storage":{"driver":"mysql"}}`, "storage.driver"},
		{"redis without addr", `{"server":{"addr":":1"},"auth":{"jwt_secret":"` + testSecret + `"},"backplane":{"driver":"redis"}}`, "redis_addr"},
		{"nats without url", `{"server":{"addr":":1"},"auth":{"jwt_secret":"` + testSecret + `"},"backplane":{"bus":"nats"}}`, "nats_url"},
		{"half tls", `{"server":{"addr":":1","tls_cert":"c.pem"},"auth":{"jwt_secret":"` + testSecret + `"}}`, "tls_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.json))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStarter(t *testing.T) {
	cfg, err := Starter()
	if err != nil {
		t.Fatalf("Starter: %v", err)
	}
	if len(cfg.Auth.JWTSecret) != 64 || len(cfg.Auth.PrivilegedSecret) != 64 {
		t.Errorf("secrets not generated: %+v", cfg.Auth)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("starter config invalid: %v", err)
	}
}
