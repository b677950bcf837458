package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN during prefix invalidation.
const scanBatch = 100

type RedisCache struct {
	client *redis.Client
	log    *slog.Logger
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisCache creates a new Redis cache client and verifies the connection.
func NewRedisCache(log *slog.Logger, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisCacheFromClient(log, client), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(log *slog.Logger, client *redis.Client) *RedisCache {
	return &RedisCache{client: client, log: log}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.log.Debug("cache miss", "key", key)
		return false
	}
	if err != nil {
		c.log.Error("cache get failed", "key", key, "err", err)
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.log.Warn("cache entry undecodable, treating as miss", "key", key, "err", err)
		return false
	}
	c.log.Debug("cache hit", "key", key)
	return true
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Error("cache value not serializable", "key", key, "err", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Error("cache set failed", "key", key, "err", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Error("cache delete failed", "key", key, "err", err)
	}
}

// globEscaper quotes the characters SCAN MATCH treats as pattern syntax.
var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// DeletePrefix walks the keyspace with SCAN rather than KEYS so large
// keyspaces do not block the server.
func (c *RedisCache) DeletePrefix(ctx context.Context, prefix string) int {
	iter := c.client.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", scanBatch).Iterator()

	pipe := c.client.Pipeline()
	count := 0
	for iter.Next(ctx) {
		pipe.Del(ctx, iter.Val())
		count++
	}
	if err := iter.Err(); err != nil {
		c.log.Error("cache scan failed", "prefix", prefix, "err", err)
		return 0
	}
	if count == 0 {
		return 0
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Error("cache prefix delete failed", "prefix", prefix, "err", err)
		return 0
	}
	c.log.Debug("cache cleared", "prefix", prefix, "keys", count)
	return count
}

// Close closes the cache connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}
