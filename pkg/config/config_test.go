package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
	if DefaultConfig().Upload.RateBitsPerSecond != nil {
		t.Fatalf("default upload rate should be unlimited")
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	negative := int64(-8000)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"lease must be > 0", func(c *Config) { c.Worker.LeaseDuration = 0 }},
		{"lease too short to renew", func(c *Config) { c.Worker.LeaseDuration = time.Second }},
		{"pong must exceed ping", func(c *Config) { c.Worker.PongTimeout = c.Worker.PingInterval }},
		{"max attempts must be > 0", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"negative upload rate", func(c *Config) { c.Upload.RateBitsPerSecond = &negative }},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "opfs" }},
		{"redis backend without redis", func(c *Config) { c.Storage.Backend = "redis" }},
		{"unknown presign mode", func(c *Config) { c.Presign.Mode = "ftp" }},
		{"s3 presign without bucket", func(c *Config) { c.Presign.Mode = "s3" }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
server:
  address: ":9999"
upload:
  rate_bits_per_second: 8000
retry:
  max_attempts: 5
storage:
  backend: memory
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RILLCAP_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":9999" {
		t.Errorf("server.address = %q, want :9999", cfg.Server.Address)
	}
	if cfg.Upload.RateBitsPerSecond == nil || *cfg.Upload.RateBitsPerSecond != 8000 {
		t.Errorf("upload rate = %v, want 8000", cfg.Upload.RateBitsPerSecond)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("retry.max_attempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("storage.backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug from env", cfg.Logging.Level)
	}
	if cfg.Worker.LeaseDuration != 2*time.Minute {
		t.Errorf("defaults should survive partial yaml, lease = %v", cfg.Worker.LeaseDuration)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != DefaultConfig().Server.Address {
		t.Errorf("expected default server address, got %q", cfg.Server.Address)
	}
}

func TestEnvOverride_UploadRate(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("RILLCAP_UPLOAD_RATE_BPS", "16000")
	if err := cfg.applyEnvOverrides(); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	if cfg.Upload.RateBitsPerSecond == nil || *cfg.Upload.RateBitsPerSecond != 16000 {
		t.Fatalf("expected 16000 bps, got %v", cfg.Upload.RateBitsPerSecond)
	}

	t.Setenv("RILLCAP_UPLOAD_RATE_BPS", "unlimited")
	if err := cfg.applyEnvOverrides(); err != nil {
		t.Fatalf("applyEnvOverrides: %v", err)
	}
	if cfg.Upload.RateBitsPerSecond != nil {
		t.Fatalf("expected unlimited rate, got %d", *cfg.Upload.RateBitsPerSecond)
	}

	t.Setenv("RILLCAP_UPLOAD_RATE_BPS", "fast")
	if err := cfg.applyEnvOverrides(); err == nil {
		t.Fatalf("expected parse error for non-numeric rate")
	}
}
