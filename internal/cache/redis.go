package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/mailtriage/internal/domain"
	"github.com/jonesrussell/mailtriage/internal/logging"
)

// keyPrefix namespaces analysis results in a shared Redis instance.
const keyPrefix = "mailtriage:analysis:"

// connectionTimeout is the timeout for verifying the Redis connection.
const connectionTimeout = 5 * time.Second

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address  string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `yaml:"db"`
}

// NewRedisClient creates a Redis client and verifies the connection.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// Redis is a Store backed by a shared Redis instance. Expiry is native TTL.
type Redis struct {
	client *redis.Client
	hits   atomic.Int64
	misses atomic.Int64
	logger logging.Logger
}

// NewRedis wraps a connected Redis client as a Store.
func NewRedis(client *redis.Client, logger logging.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger,
	}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (*domain.AnalysisResult, bool, error) {
	data, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		r.misses.Add(1)
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var result domain.AnalysisResult
	if err := json.Unmarshal(data, &result); err != nil {
		// A corrupt entry is as good as a miss; drop it.
		r.misses.Add(1)
		r.logger.Warn("Dropping corrupt cache entry", logging.String("key", key), logging.Error(err))
		r.client.Del(ctx, keyPrefix+key)
		return nil, false, nil
	}

	r.hits.Add(1)
	return &result, true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, result *domain.AnalysisResult, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("cache set marshal: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Invalidate implements Store.
func (r *Redis) Invalidate(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// Stats implements Store. Entry count is the number of namespaced keys.
func (r *Redis) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	entries := 0
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		entries++
	}

	hits := r.hits.Load()
	misses := r.misses.Load()
	return Stats{
		Entries: entries,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate(hits, misses),
	}
}
