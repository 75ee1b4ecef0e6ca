package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/logging"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = redis.Nil

// Cache abstracts the Redis operations used for result caching to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, logging.NewOperationError("cache.dial", "", err)
	}
	return client, nil
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Retrying wraps a Cache and retries transient failures with exponential
// backoff. Misses are returned immediately.
type Retrying struct {
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRetrying constructs a retrying cache with the default policy.
func NewRetrying(cache Cache, logger *zap.Logger) *Retrying {
	return &Retrying{
		cache:          cache,
		logger:         logger.Named("cache"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Set writes value, retrying transient errors.
func (r *Retrying) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.withRetry(ctx, "cache.set", func() error {
		return r.cache.Set(ctx, key, value, expiration)
	})
}

// Get reads key, retrying transient errors. A miss is returned as ErrMiss.
func (r *Retrying) Get(ctx context.Context, key string) (string, error) {
	var result string
	err := r.withRetry(ctx, "cache.get", func() error {
		value, err := r.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (r *Retrying) withRetry(ctx context.Context, operation string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return wrap(operation, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, "")
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrMiss) {
			return err
		}

		if !logging.IsTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, "", err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, "", err)
}

func wrap(operation string, err error) error {
	if err == nil || errors.Is(err, ErrMiss) {
		return err
	}
	return logging.NewOperationError(operation, "", err)
}
