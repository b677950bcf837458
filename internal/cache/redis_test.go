package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listing struct {
	IDs   []string `json:"ids"`
	Total int      `json:"total"`
}

func newTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRedisCacheFromClient(log, client), mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	var out listing
	assert.False(t, c.Get(ctx, "docs:u1:list", &out))

	c.Set(ctx, "docs:u1:list", listing{IDs: []string{"a", "b"}, Total: 2}, time.Minute)
	require.True(t, c.Get(ctx, "docs:u1:list", &out))
	assert.Equal(t, listing{IDs: []string{"a", "b"}, Total: 2}, out)

	mr.FastForward(2 * time.Minute)
	assert.False(t, c.Get(ctx, "docs:u1:list", &out), "entry should expire with its TTL")
}

func TestRedisCacheDelete(t *testing.T) {
	c, _ := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "k", 1, time.Minute)
	c.Delete(ctx, "k")

	var n int
	assert.False(t, c.Get(ctx, "k", &n))
}

func TestRedisCacheDeletePrefix(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, DocumentListKey("u1", "g"), []string{"x"}, time.Minute)
	c.Set(ctx, GenerationKey("u1"), "g", time.Minute)
	c.Set(ctx, DocumentListKey("u2", "g"), []string{"y"}, time.Minute)

	assert.Equal(t, 2, c.DeletePrefix(ctx, OwnerPrefix("u1")))
	assert.False(t, mr.Exists(DocumentListKey("u1", "g")))
	assert.True(t, mr.Exists(DocumentListKey("u2", "g")))
	assert.Equal(t, 0, c.DeletePrefix(ctx, OwnerPrefix("nobody")))
}

func TestRedisCacheDeletePrefixMatchesLiterally(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()

	for _, owner := range []string{"a*", "ab", "a?", "a[b]", `a\`} {
		c.Set(ctx, GenerationKey(owner), "g", time.Minute)
	}

	assert.Equal(t, 1, c.DeletePrefix(ctx, OwnerPrefix("a*")))
	assert.False(t, mr.Exists(GenerationKey("a*")))
	assert.True(t, mr.Exists(GenerationKey("ab")))
	assert.True(t, mr.Exists(GenerationKey("a?")))

	assert.Equal(t, 1, c.DeletePrefix(ctx, OwnerPrefix("a?")))
	assert.True(t, mr.Exists(GenerationKey("ab")))

	assert.Equal(t, 1, c.DeletePrefix(ctx, OwnerPrefix("a[b]")))
	assert.Equal(t, 1, c.DeletePrefix(ctx, OwnerPrefix(`a\`)))
	assert.True(t, mr.Exists(GenerationKey("ab")))
}

func TestRedisCacheUndecodableEntryIsMiss(t *testing.T) {
	c, mr := newTestRedis(t)
	require.NoError(t, mr.Set("docs:u1:list", "{not json"))

	var out listing
	assert.False(t, c.Get(context.Background(), "docs:u1:list", &out))
}

func TestRedisCacheDegradesWhenServerDown(t *testing.T) {
	c, mr := newTestRedis(t)
	ctx := context.Background()
	mr.Close()

	var out listing
	assert.NotPanics(t, func() {
		assert.False(t, c.Get(ctx, "docs:u1:list", &out))
		c.Set(ctx, "docs:u1:list", listing{Total: 1}, time.Minute)
		c.Delete(ctx, "docs:u1:list")
		assert.Equal(t, 0, c.DeletePrefix(ctx, "docs:u1:"))
	})
}
