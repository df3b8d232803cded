// Package config loads the mailtriage service configuration from YAML with
// environment variable overrides.
package config

import (
	"time"

	"github.com/jonesrussell/mailtriage/internal/logging"
)

// Default configuration values.
const (
	defaultServiceName     = "mailtriage"
	defaultServiceVersion  = "1.0.0"
	defaultServicePort     = 8085
	defaultChunkSize       = 10
	defaultFetchRPS        = 50
	defaultGlobalThreshold = 70
	defaultConcurrency     = 3
	defaultCapacity        = 50
	defaultWindow          = time.Minute
	defaultRetryAttempts   = 4
	defaultRetryDelay      = time.Second
	defaultRetryMaxDelay   = 30 * time.Second
	defaultRetryMultiplier = 2.0
	defaultRetryJitter     = 0.5
	defaultCacheTTL        = 24 * time.Hour
	defaultSweepInterval   = 10 * time.Minute
	defaultDatabasePath    = "mailtriage.db"
)

// Config holds all configuration for the mailtriage service.
type Config struct {
	Service   ServiceConfig            `yaml:"service"`
	Backends  map[string]BackendConfig `yaml:"backends"`
	Mailstore MailstoreConfig          `yaml:"mailstore"`
	Retry     RetryConfig              `yaml:"retry"`
	Cache     CacheConfig              `yaml:"cache"`
	Database  DatabaseConfig           `yaml:"database"`
	Logging   logging.Config           `yaml:"logging"`
}

// MailstoreConfig holds the mail bridge connection configuration.
type MailstoreConfig struct {
	BaseURL string `env:"MAILSTORE_URL"   yaml:"base_url"`
	Token   string `env:"MAILSTORE_TOKEN" yaml:"token"`
}

// ServiceConfig holds service-level configuration.
type ServiceConfig struct {
	Name            string `yaml:"name"`
	Version         string `yaml:"version"`
	Port            int    `env:"MAILTRIAGE_PORT"       yaml:"port"`
	Debug           bool   `env:"APP_DEBUG"             yaml:"debug"`
	ChunkSize       int    `env:"MAILTRIAGE_CHUNK_SIZE" yaml:"chunk_size"`
	FetchRPS        int    `yaml:"fetch_rps"`
	GlobalThreshold int    `yaml:"global_threshold"`
}

// BackendConfig describes one analysis backend: its provider adapter, quota,
// and per-model concurrency cap.
type BackendConfig struct {
	Provider    string        `yaml:"provider"` // "anthropic" or "http"
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	BaseURL     string        `yaml:"base_url"`
	Capacity    int           `yaml:"capacity"`
	Window      time.Duration `yaml:"window"`
	Concurrency int           `yaml:"concurrency"`
}

// RetryConfig holds the shared backoff configuration.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// CacheConfig holds analysis cache configuration.
type CacheConfig struct {
	// Backend selects the cache implementation: "memory" or "redis".
	Backend       string        `env:"MAILTRIAGE_CACHE_BACKEND" yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RedisAddress  string        `env:"REDIS_ADDRESS"            yaml:"redis_address"`
	RedisPassword string        `env:"REDIS_PASSWORD"           yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// DatabaseConfig holds the sqlite progress store configuration.
type DatabaseConfig struct {
	Path string `env:"MAILTRIAGE_DB_PATH" yaml:"path"`
}

// SetDefaults applies default values to the config where unset.
func (c *Config) SetDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = defaultServiceName
	}
	if c.Service.Version == "" {
		c.Service.Version = defaultServiceVersion
	}
	if c.Service.Port == 0 {
		c.Service.Port = defaultServicePort
	}
	if c.Service.ChunkSize <= 0 {
		c.Service.ChunkSize = defaultChunkSize
	}
	if c.Service.FetchRPS <= 0 {
		c.Service.FetchRPS = defaultFetchRPS
	}
	if c.Service.GlobalThreshold <= 0 {
		c.Service.GlobalThreshold = defaultGlobalThreshold
	}

	for name, b := range c.Backends {
		if b.Capacity <= 0 {
			b.Capacity = defaultCapacity
		}
		if b.Window <= 0 {
			b.Window = defaultWindow
		}
		if b.Concurrency <= 0 {
			b.Concurrency = defaultConcurrency
		}
		c.Backends[name] = b
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaultRetryAttempts
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = defaultRetryDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = defaultRetryMaxDelay
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = defaultRetryMultiplier
	}
	if c.Retry.Jitter <= 0 {
		c.Retry.Jitter = defaultRetryJitter
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = defaultCacheTTL
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = defaultSweepInterval
	}

	if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath
	}
}
