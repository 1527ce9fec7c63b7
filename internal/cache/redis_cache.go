package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is an encoded avatar as served to clients.
type Entry struct {
	Data     []byte
	MIMEType string
	Version  int64
}

// RedisCache stores avatar entries as hashes keyed by user id. Writes are
// ordered by version: an entry never replaces a newer one, and never
// resurrects a version that was invalidated by a delete.
type RedisCache struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

// KEYS[1] entry hash, KEYS[2] deleted-version marker.
// ARGV: version, data, mime type, ttl ms.
var setScript = redis.NewScript(`
local version = tonumber(ARGV[1])
local cached = tonumber(redis.call("HGET", KEYS[1], "version") or "0") or 0
local deleted = tonumber(redis.call("GET", KEYS[2]) or "0") or 0
if version <= cached or version <= deleted then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "data", ARGV[2], "mime_type", ARGV[3], "version", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`)

// KEYS as above. ARGV: deleted version (0 drops the entry unconditionally), ttl ms.
var invalidateScript = redis.NewScript(`
local version = tonumber(ARGV[1])
if version > 0 then
  local deleted = tonumber(redis.call("GET", KEYS[2]) or "0") or 0
  if version > deleted then
    redis.call("SET", KEYS[2], ARGV[1], "PX", ARGV[2])
  end
  local cached = tonumber(redis.call("HGET", KEYS[1], "version") or "0") or 0
  if cached > version then
    return 0
  end
end
redis.call("DEL", KEYS[1])
return 1
`)

func NewRedisCache(client redis.UniversalClient, ttl time.Duration, keyPrefix string) (*RedisCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "avatarflow:avatar"
	}
	return &RedisCache{client: client, ttl: ttl, keyPrefix: keyPrefix}, nil
}

// keys share a hash tag so both land in one cluster slot.
func (c *RedisCache) keys(userID string) []string {
	base := c.keyPrefix + ":{" + userID + "}"
	return []string{base, base + ":deleted"}
}

func (c *RedisCache) Get(ctx context.Context, userID string) (Entry, bool, error) {
	values, err := c.client.HGetAll(ctx, c.keys(userID)[0]).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read cached avatar: %w", err)
	}
	if len(values) == 0 {
		return Entry{}, false, nil
	}

	version, err := strconv.ParseInt(values["version"], 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse cached avatar version: %w", err)
	}
	return Entry{
		Data:     []byte(values["data"]),
		MIMEType: values["mime_type"],
		Version:  version,
	}, true, nil
}

// Set stores entry unless the cache already holds the same or a newer
// version, or that version was deleted. It reports whether it wrote.
func (c *RedisCache) Set(ctx context.Context, userID string, entry Entry) (bool, error) {
	stored, err := setScript.Run(ctx, c.client, c.keys(userID),
		entry.Version, entry.Data, entry.MIMEType, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cache avatar: %w", err)
	}
	return stored == 1, nil
}

// Invalidate drops the cached entry for a deleted version and refuses later
// Sets at or below it for one ttl. An entry newer than version is kept.
// Version 0 drops whatever is cached without recording a delete.
func (c *RedisCache) Invalidate(ctx context.Context, userID string, version int64) error {
	err := invalidateScript.Run(ctx, c.client, c.keys(userID), version, c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("invalidate cached avatar: %w", err)
	}
	return nil
}
