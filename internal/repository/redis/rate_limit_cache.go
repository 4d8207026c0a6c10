package redis

import (
	"context"
	"fmt"
	"time"

	"classpage-auth/internal/client"
)

// RateLimitCache adapts the Redis client to the rate limiter's CounterStore.
// The INCR+EXPIRE pair runs in a transaction pipeline, which is what makes
// concurrent increments on one scope safe.
type RateLimitCache struct {
	client *client.RedisClient
}

func NewRateLimitCache(client *client.RedisClient) *RateLimitCache {
	return &RateLimitCache{client: client}
}

func (c *RateLimitCache) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, key, ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return count, nil
}

func (c *RateLimitCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return c.client.TTL(ctx, key)
}
