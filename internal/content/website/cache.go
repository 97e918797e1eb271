package website

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "website:"

// RedisCache stores scraped website text in Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a cache backed by the given client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns cached text for a domain.
func (c *RedisCache) Get(ctx context.Context, domain string) (string, bool, error) {
	text, err := c.client.Get(ctx, cacheKeyPrefix+domain).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get website cache: %w", err)
	}
	return text, true, nil
}

// Set stores text for a domain.
func (c *RedisCache) Set(ctx context.Context, domain, text string, ttl time.Duration) error {
	if err := c.client.Set(ctx, cacheKeyPrefix+domain, text, ttl).Err(); err != nil {
		return fmt.Errorf("set website cache: %w", err)
	}
	return nil
}
