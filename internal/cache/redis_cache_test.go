package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := NewRedisCache(client, time.Minute, "test:avatar")
	require.NoError(t, err)
	return c, mr
}

func cachedVersion(t *testing.T, c *RedisCache, userID string) int64 {
	t.Helper()
	entry, ok, err := c.Get(context.Background(), userID)
	require.NoError(t, err)
	if !ok {
		return 0
	}
	return entry.Version
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	_, ok, err := c.Get(ctx, "jane")
	require.NoError(t, err)
	assert.False(t, ok)

	payload := []byte{0x00, 0x00, 0x00, 0x1c, 'f', 't', 'y', 'p', 'a', 'v', 'i', 'f', 0xff}
	stored, err := c.Set(ctx, "jane", Entry{Data: payload, MIMEType: "image/avif", Version: 7})
	require.NoError(t, err)
	assert.True(t, stored)

	entry, ok, err := c.Get(ctx, "jane")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, entry.Data)
	assert.Equal(t, "image/avif", entry.MIMEType)
	assert.Equal(t, int64(7), entry.Version)
	assert.Equal(t, time.Minute, mr.TTL("test:avatar:{jane}"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "jane")
	require.NoError(t, err)
	assert.False(t, ok, "entry expires after ttl")
}

func TestRedisCacheKeepsNewestVersion(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	stored, err := c.Set(ctx, "jane", Entry{Data: []byte("v2"), MIMEType: "image/avif", Version: 2})
	require.NoError(t, err)
	require.True(t, stored)

	stored, err = c.Set(ctx, "jane", Entry{Data: []byte("v1"), MIMEType: "image/avif", Version: 1})
	require.NoError(t, err)
	assert.False(t, stored)

	entry, ok, err := c.Get(ctx, "jane")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), entry.Data)

	stored, err = c.Set(ctx, "jane", Entry{Data: []byte("v3"), MIMEType: "image/avif", Version: 3})
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, int64(3), cachedVersion(t, c, "jane"))
}

func TestRedisCacheInvalidateBlocksStaleRefill(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	_, err := c.Set(ctx, "jane", Entry{Data: []byte("x"), MIMEType: "image/jpeg", Version: 4})
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "jane", 4))
	assert.Zero(t, cachedVersion(t, c, "jane"))

	// A reader that loaded version 4 before the delete finishes late.
	stored, err := c.Set(ctx, "jane", Entry{Data: []byte("x"), MIMEType: "image/jpeg", Version: 4})
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Zero(t, cachedVersion(t, c, "jane"))

	stored, err = c.Set(ctx, "jane", Entry{Data: []byte("y"), MIMEType: "image/jpeg", Version: 5})
	require.NoError(t, err)
	assert.True(t, stored, "re-upload after delete is cached")

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("test:avatar:{jane}:deleted"), "delete marker expires with the ttl")
}

func TestRedisCacheInvalidateKeepsNewerEntry(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	_, err := c.Set(ctx, "jane", Entry{Data: []byte("z"), MIMEType: "image/jpeg", Version: 6})
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "jane", 5))
	assert.Equal(t, int64(6), cachedVersion(t, c, "jane"))

	require.NoError(t, c.Invalidate(ctx, "jane", 0))
	assert.Zero(t, cachedVersion(t, c, "jane"))
}

func TestNewRedisCacheValidation(t *testing.T) {
	_, err := NewRedisCache(nil, time.Minute, "")
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err = NewRedisCache(client, 0, "")
	assert.Error(t, err)
}
