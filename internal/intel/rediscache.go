package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheConfig controls the tier-2 recency-tiered TTL policy. Indicators
// queried within HotWindow are considered hot and get the short TTL so stale
// intel on active investigations is refreshed sooner; cold indicators keep
// the full verdict lifetime. ColdTTL must not exceed the aggregator's
// VerdictTTL: a verdict past its own expiry is a miss regardless of how long
// the tier retains it, so longer retention only stores dead bytes.
type RedisCacheConfig struct {
	HotWindow time.Duration
	HotTTL    time.Duration
	ColdTTL   time.Duration
}

// DefaultRedisCacheConfig returns the standard tier-2 policy: hot entries
// 15m, cold entries the default verdict lifetime of 1h.
func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		HotWindow: time.Hour,
		HotTTL:    15 * time.Minute,
		ColdTTL:   time.Hour,
	}
}

// RedisCache is the tier-2 distributed verdict cache. It is shared across
// workers with no cross-worker locking; last-write-wins on refresh is fine
// because verdicts are idempotent recomputations.
type RedisCache struct {
	rdb *redis.Client
	cfg RedisCacheConfig
	now func() time.Time
}

// NewRedisCache wraps an existing redis client as a verdict cache tier.
func NewRedisCache(rdb *redis.Client, cfg RedisCacheConfig) *RedisCache {
	return &RedisCache{rdb: rdb, cfg: cfg, now: time.Now}
}

func verdictKey(key string) string { return "intel:verdict:" + key }
func queriedKey(key string) string { return "intel:queried:" + key }

// Get fetches a cached verdict and records the query time for the recency
// tiering. A redis error is returned to the caller; the aggregator treats it
// as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (*Verdict, bool, error) {
	raw, err := c.rdb.Get(ctx, verdictKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.touch(ctx, key)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	c.touch(ctx, key)

	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("decode cached verdict %s: %w", key, err)
	}
	return &v, true, nil
}

// Set stores the verdict with a TTL chosen from the recency of the last
// query. The ttl argument from the tier chain is a ceiling only.
func (c *RedisCache) Set(ctx context.Context, key string, v *Verdict, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode verdict %s: %w", key, err)
	}

	effective := c.tierTTL(ctx, key)
	if ttl > 0 && ttl < effective {
		effective = ttl
	}

	if err := c.rdb.Set(ctx, verdictKey(key), raw, effective).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// touch records when the indicator was last asked for. Reads never extend the
// verdict's own expiry.
func (c *RedisCache) touch(ctx context.Context, key string) {
	ts := c.now().UTC().Format(time.RFC3339)
	// keep the recency marker around long enough to outlive a cold TTL
	c.rdb.Set(ctx, queriedKey(key), ts, 2*c.cfg.ColdTTL)
}

func (c *RedisCache) tierTTL(ctx context.Context, key string) time.Duration {
	raw, err := c.rdb.Get(ctx, queriedKey(key)).Result()
	if err != nil {
		return c.cfg.ColdTTL
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return c.cfg.ColdTTL
	}
	if c.now().Sub(last) <= c.cfg.HotWindow {
		return c.cfg.HotTTL
	}
	return c.cfg.ColdTTL
}
