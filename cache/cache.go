// Package cache is a read-through Redis cache. Every operation is nil-safe:
// without a configured Redis URL all reads miss and all writes are dropped,
// so cache availability never affects correctness.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tessera/observability/logging"
)

const (
	keyPrefix  = "tessera"
	defaultTTL = 5 * time.Minute
	hashLength = 16
)

// Cache wraps a Redis client with JSON serialization and key helpers.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

// New connects to redisURL. An empty or unparseable URL yields a disabled
// cache rather than an error.
func New(redisURL string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := &Cache{ttl: ttl, log: logging.Component("cache")}
	trimmed := strings.TrimSpace(redisURL)
	if trimmed == "" {
		return c
	}
	opts, err := redis.ParseURL(trimmed)
	if err != nil {
		c.log.Warn("invalid redis URL; cache disabled", "error", err)
		return c
	}
	c.client = redis.NewClient(opts)
	return c
}

// Enabled reports whether a Redis client is configured.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

// MakeKey joins parts under the service prefix.
func MakeKey(parts ...string) string {
	return keyPrefix + ":" + strings.Join(parts, ":")
}

// HashValue produces a short stable digest of any JSON-encodable value.
// Go's JSON encoder sorts map keys, so logically equal maps hash equally
// regardless of insertion order, and types are distinguished (1 vs "1").
func HashValue(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashLength]
}

// Get loads a cached JSON value into out. Returns false on miss, disabled
// cache, or any Redis error.
func (c *Cache) Get(ctx context.Context, key string, out any) bool {
	if !c.Enabled() {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false
	}
	return true
}

// Set stores a JSON value under the cache TTL. Errors are swallowed.
func (c *Cache) Set(ctx context.Context, key string, value any) bool {
	if !c.Enabled() {
		return false
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return false
	}
	return true
}

// Delete removes one key.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	if !c.Enabled() {
		return false
	}
	return c.client.Del(ctx, key).Err() == nil
}

// InvalidatePattern removes every key matching the glob pattern and returns
// how many were deleted.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	if !c.Enabled() {
		return 0
	}
	var deleted int
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if c.client.Del(ctx, iter.Val()).Err() == nil {
			deleted++
		}
	}
	return deleted
}

// ContractKey caches one contract read.
func ContractKey(id string) string {
	return MakeKey("contract", id)
}

// AssetKey caches one asset read.
func AssetKey(id string) string {
	return MakeKey("asset", id)
}

// SearchKey caches an asset search result set.
func SearchKey(query string) string {
	return MakeKey("search", HashValue(query))
}

// DiffKey caches a schema-diff result by both documents' digests.
func DiffKey(oldSchema, newSchema any) string {
	return MakeKey("diff", HashValue(oldSchema), HashValue(newSchema))
}
