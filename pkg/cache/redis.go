package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manoj0727/Wi-fi-firewall/pkg/config"
	"github.com/manoj0727/Wi-fi-firewall/pkg/logging"

	"github.com/go-redis/redis/v8"
)

const flushScanCount = 500

// RedisBackend stores verdicts in Redis under a key prefix.
type RedisBackend struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
	logger    *logging.Logger
}

// NewRedisBackend connects to Redis and verifies the connection with a
// PING. Callers fall back to NullBackend when it fails.
func NewRedisBackend(ctx context.Context, cfg *config.RedisConfig, logger *logging.Logger) (*RedisBackend, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   -1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, cfg.Address, err)
	}

	logger.Info("Redis cache tier connected", "address", cfg.Address, "db", cfg.Database)

	return &RedisBackend{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Name implements Backend.
func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) key(domain string) string {
	return r.keyPrefix + domain
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, domain string) (Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := r.client.Get(ctx, r.key(domain)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// A foreign or corrupt value is a miss, not an outage
		r.logger.Debug("Discarding undecodable cache value", "domain", domain, "error", err)
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Set implements Backend.
func (r *RedisBackend) Set(ctx context.Context, domain string, e Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Set(ctx, r.key(domain), data, ttl).Err()
}

// Flush deletes every key under the prefix. Other data in the same database
// is left alone.
func (r *RedisBackend) Flush(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.keyPrefix+"*", flushScanCount).Result()
		if err != nil {
			return fmt.Errorf("scan %s*: %w", r.keyPrefix, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete cache keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close implements Backend.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// NewBackend returns a Redis backend when enabled and reachable, otherwise
// the null backend.
func NewBackend(ctx context.Context, cfg *config.RedisConfig, logger *logging.Logger) Backend {
	if !cfg.Enabled {
		return NullBackend{}
	}
	b, err := NewRedisBackend(ctx, cfg, logger)
	if err != nil {
		logger.Warn("Redis cache tier unavailable, using local cache only", "error", err)
		return NullBackend{}
	}
	return b
}
