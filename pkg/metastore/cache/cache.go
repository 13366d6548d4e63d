// Package cache layers a Redis read-through cache in front of object
// metadata lookups, the same decorator shape the teacher uses for its S3
// existence cache, repurposed here for (bucket, key) -> row lookups instead
// of content-hash existence checks.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"anvil/pkg/metastore"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// Config configures the Redis connection and cache lifetime.
type Config struct {
	RedisURL string
	TTL      time.Duration // default applied by New if zero: 300s, per the metadata cache TTL tunable
}

// LookupFunc is the underlying repository call the cache wraps.
type LookupFunc func(ctx context.Context, region, bucketID, key string) (*metastore.ObjectModel, error)

// CachedLookup wraps LookupObject with a Redis read-through cache. Redis
// unavailability falls through to the underlying lookup rather than failing
// the read — per §4.6, cache misses and Redis errors are equivalent.
type CachedLookup struct {
	client  *redis.Client
	ttl     time.Duration
	lookup  LookupFunc
	logger  *slog.Logger
}

// New parses the Redis URL and pings it once; a failed ping is fatal at
// startup (unlike a runtime cache miss, which is tolerated).
func New(ctx context.Context, cfg Config, lookup LookupFunc, logger *slog.Logger) (*CachedLookup, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("metastore/cache: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("metastore/cache: connecting to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedLookup{client: client, ttl: ttl, lookup: lookup, logger: logger}, nil
}

func (c *CachedLookup) key(region, bucketID, key string) string {
	return "anvil:obj:" + region + ":" + bucketID + ":" + key
}

// LookupObject consults Redis first, falling back to the wrapped repository
// call on a miss or on any Redis error, and fills the cache on a
// repository hit.
func (c *CachedLookup) LookupObject(ctx context.Context, region, bucketID, key string) (*metastore.ObjectModel, error) {
	cacheKey := c.key(region, bucketID, key)

	raw, err := c.client.Get(ctx, cacheKey).Bytes()
	switch {
	case err == nil:
		var row metastore.ObjectModel
		if decErr := cbor.Unmarshal(raw, &row); decErr == nil {
			return &row, nil
		}
		// Corrupt cache entry; treat as a miss rather than failing the read.
	case err == redis.Nil:
		// Cache miss, fall through to the repository.
	default:
		c.logger.Warn("metastore cache unavailable, falling back to store", "error", err)
	}

	row, err := c.lookup(ctx, region, bucketID, key)
	if err != nil {
		return nil, err
	}

	if encoded, encErr := cbor.Marshal(row); encErr == nil {
		// Best-effort fill; ignore Set errors, they don't affect the read.
		c.client.Set(ctx, cacheKey, encoded, c.ttl)
	}
	return row, nil
}

// Invalidate removes a cached row, called after soft-delete so stale rows
// don't linger for the TTL.
func (c *CachedLookup) Invalidate(ctx context.Context, region, bucketID, key string) {
	c.client.Del(ctx, c.key(region, bucketID, key))
}
