// Package cache provides a wrapper around the redis client.
//
// Redis carries two things here: a short-lived read cache for order lookups on
// the API, and the processed-message-id set the workers use to skip
// redelivered messages they already handled. Both are best-effort; callers
// must keep working when the cache is down.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sagalabs/fulfillment/internal/config"
)

// ErrNotConfigured is returned by New when no Redis address is configured.
var ErrNotConfigured = errors.New("redis not configured")

// Cache is a wrapper around the redis client.
type Cache struct {
	redis *redis.Client
}

func New(cfg config.Redis) (*Cache, error) {
	addr := cfg.Addr()
	if addr == "" {
		return nil, ErrNotConfigured
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})

	return &Cache{
		redis: rdb,
	}, nil
}

// Get gets a value from the cache. Missing keys return redis.Nil.
func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	return c.redis.Get(ctx, key).Result()
}

// IsMiss reports whether an error from Get means the key was absent.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Set sets a value in the cache.
func (c *Cache) Set(ctx context.Context, key string, value any, expirationTime time.Duration) error {
	return c.redis.Set(ctx, key, value, expirationTime).Err()
}

// SetNX sets a value only if the key does not exist yet and reports whether
// this call claimed it.
func (c *Cache) SetNX(ctx context.Context, key string, value any, expirationTime time.Duration) (bool, error) {
	return c.redis.SetNX(ctx, key, value, expirationTime).Result()
}

// Exists reports whether the key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.redis.Del(ctx, key).Err()
}

// Ping pings the cache.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}
