package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/smarties/backend/internal/domain"
)

const defaultKeyPrefix = "smarties:"

// RedisCache is a CacheRepository backed by Redis. Values are stored as JSON.
type RedisCache struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisCache wraps an existing client
func NewRedisCache(client goredis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

// DialRedis parses a redis:// URL and verifies the connection
func DialRedis(ctx context.Context, url, prefix string) (*RedisCache, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", domain.ErrTransient, err)
	}
	return NewRedisCache(client, prefix), nil
}

// Get retrieves and decodes a value, returning domain.ErrCacheMiss when absent
func (c *RedisCache) Get(ctx context.Context, key string) (interface{}, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, fmt.Errorf("%w: redis get: %v", domain.ErrTransient, err)
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		// corrupt entry, drop it
		_ = c.client.Del(ctx, c.prefix+key).Err()
		return nil, domain.ErrCacheMiss
	}
	return value, nil
}

// Set stores a value as JSON. A non-positive ttl keeps the value until deleted.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", domain.ErrTransient, err)
	}
	return nil
}

// Delete removes a value
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", domain.ErrTransient, err)
	}
	return nil
}

// Exists reports whether a value is stored under key
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis exists: %v", domain.ErrTransient, err)
	}
	return n > 0, nil
}

// Close releases the underlying client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
