//nolint:testpackage // Testing internal defaults requires same package access
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)

	assert.Equal(t, "mailtriage", cfg.Service.Name)
	assert.Equal(t, 8085, cfg.Service.Port)
	assert.Equal(t, 10, cfg.Service.ChunkSize)
	assert.Equal(t, 70, cfg.Service.GlobalThreshold)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
}

func TestLoad_YAMLValues(t *testing.T) {
	path := writeConfig(t, `
service:
  port: 9000
  chunk_size: 25
  global_threshold: 80
mailstore:
  base_url: http://mail:8080
backends:
  anthropic:
    provider: anthropic
    model: claude-sonnet-4-5
    api_key_env: ANTHROPIC_API_KEY
    capacity: 30
    window: 30s
    concurrency: 5
retry:
  max_attempts: 6
cache:
  backend: redis
  redis_address: localhost:6379
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Service.Port)
	assert.Equal(t, 25, cfg.Service.ChunkSize)
	assert.Equal(t, 80, cfg.Service.GlobalThreshold)
	assert.Equal(t, "http://mail:8080", cfg.Mailstore.BaseURL)

	b := cfg.Backends["anthropic"]
	assert.Equal(t, "anthropic", b.Provider)
	assert.Equal(t, 30, b.Capacity)
	assert.Equal(t, 30*time.Second, b.Window)
	assert.Equal(t, 5, b.Concurrency)

	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, "redis", cfg.Cache.Backend)
}

func TestLoad_BackendDefaultsFillGaps(t *testing.T) {
	path := writeConfig(t, `
backends:
  local:
    provider: http
    model: llama3
    base_url: http://localhost:8090
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	b := cfg.Backends["local"]
	assert.Equal(t, 50, b.Capacity)
	assert.Equal(t, time.Minute, b.Window)
	assert.Equal(t, 3, b.Concurrency)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAILTRIAGE_PORT", "9999")
	t.Setenv("MAILSTORE_URL", "http://override:8080")
	t.Setenv("MAILTRIAGE_CACHE_BACKEND", "redis")
	t.Setenv("APP_DEBUG", "yes")

	path := writeConfig(t, `
service:
  port: 9000
mailstore:
  base_url: http://file:8080
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Service.Port)
	assert.Equal(t, "http://override:8080", cfg.Mailstore.BaseURL)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.True(t, cfg.Service.Debug)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "config.yml", GetConfigPath("config.yml"))

	t.Setenv("CONFIG_PATH", "/etc/mailtriage/config.yml")
	assert.Equal(t, "/etc/mailtriage/config.yml", GetConfigPath("config.yml"))
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "TRUE", "1", "yes", " Yes "} {
		assert.True(t, parseBool(s), s)
	}
	for _, s := range []string{"false", "0", "no", "", "maybe"} {
		assert.False(t, parseBool(s), s)
	}
}

func validBase() *Config {
	cfg := &Config{
		Mailstore: MailstoreConfig{BaseURL: "http://localhost:8080"},
		Backends: map[string]BackendConfig{
			"anthropic": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-5",
				APIKeyEnv: "ANTHROPIC_API_KEY",
			},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Service.Port = 70000 }, "port"},
		{"no backends", func(c *Config) { c.Backends = nil }, "backend"},
		{"no mailstore url", func(c *Config) { c.Mailstore.BaseURL = "" }, "base_url"},
		{"anthropic without key env", func(c *Config) {
			b := c.Backends["anthropic"]
			b.APIKeyEnv = ""
			c.Backends["anthropic"] = b
		}, "api_key_env"},
		{"http without base url", func(c *Config) {
			c.Backends["local"] = BackendConfig{Provider: "http", Model: "llama3"}
		}, "base_url"},
		{"unknown provider", func(c *Config) {
			c.Backends["weird"] = BackendConfig{Provider: "carrier-pigeon"}
		}, "provider"},
		{"bad cache backend", func(c *Config) { c.Cache.Backend = "cardboard" }, "cache"},
		{"redis without address", func(c *Config) {
			c.Cache.Backend = "redis"
			c.Cache.RedisAddress = ""
		}, "redis"},
		{"threshold out of range", func(c *Config) { c.Service.GlobalThreshold = 150 }, "threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBackendConfig_APIKey(t *testing.T) {
	t.Setenv("TEST_BACKEND_KEY", "sk-test-123")

	b := BackendConfig{APIKeyEnv: "TEST_BACKEND_KEY"}
	assert.Equal(t, "sk-test-123", b.APIKey())

	b.APIKeyEnv = "UNSET_BACKEND_KEY"
	assert.Empty(t, b.APIKey())
}
