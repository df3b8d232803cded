package config

import (
	"fmt"
	"os"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for problems that should fail startup.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return &ValidationError{Field: "service.port", Message: "must be between 1 and 65535"}
	}

	if len(c.Backends) == 0 {
		return &ValidationError{Field: "backends", Message: "at least one backend is required"}
	}

	if c.Mailstore.BaseURL == "" {
		return &ValidationError{Field: "mailstore.base_url", Message: "is required"}
	}

	for name, b := range c.Backends {
		switch b.Provider {
		case "anthropic":
			if b.APIKeyEnv == "" {
				return &ValidationError{
					Field:   "backends." + name + ".api_key_env",
					Message: "is required for anthropic backends",
				}
			}
		case "http":
			if b.BaseURL == "" {
				return &ValidationError{
					Field:   "backends." + name + ".base_url",
					Message: "is required for http backends",
				}
			}
		default:
			return &ValidationError{
				Field:   "backends." + name + ".provider",
				Message: "must be one of: anthropic, http",
			}
		}
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddress == "" {
			return &ValidationError{Field: "cache.redis_address", Message: "is required for the redis cache"}
		}
	default:
		return &ValidationError{Field: "cache.backend", Message: "must be one of: memory, redis"}
	}

	if c.Service.GlobalThreshold < 0 || c.Service.GlobalThreshold > 100 {
		return &ValidationError{Field: "service.global_threshold", Message: "must be between 0 and 100"}
	}

	return nil
}

// APIKey resolves a backend's API key from its configured environment
// variable. An empty result for a provider requiring credentials fails the
// run before any work is dispatched.
func (b *BackendConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}
