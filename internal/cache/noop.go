package cache

import (
	"context"
	"time"
)

// NoOpCache is a cache implementation that does nothing.
// Used when caching is disabled or Redis is unavailable: every read misses.
type NoOpCache struct{}

// NewNoOpCache creates a new no-op cache instance
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) Get(context.Context, string, any) bool { return false }

func (c *NoOpCache) Set(context.Context, string, any, time.Duration) {}

func (c *NoOpCache) Delete(context.Context, string) {}

func (c *NoOpCache) DeletePrefix(context.Context, string) int { return 0 }

func (c *NoOpCache) Close() error { return nil }
