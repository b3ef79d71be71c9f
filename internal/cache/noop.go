package cache

import (
	"context"
	"time"
)

// NoOpCache is a cache implementation that does nothing. Used as a fallback
// when Redis is not configured - all operations succeed but every lookup is
// a miss.
type NoOpCache struct{}

func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) GetScore(ctx context.Context, key string) (*Score, error) {
	return nil, nil
}

func (c *NoOpCache) SetScore(ctx context.Context, key string, score *Score, ttl time.Duration) error {
	return nil
}

func (c *NoOpCache) Close() error {
	return nil
}
