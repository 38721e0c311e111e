package intel

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemCache is the tier-1 in-process cache: small, bounded, LRU-evicted, with
// a short per-entry TTL.
type MemCache struct {
	entries *lru.Cache[string, memEntry]
	now     func() time.Time
}

type memEntry struct {
	verdict *Verdict
	expires time.Time
}

// NewMemCache creates a tier-1 cache holding at most size verdicts.
func NewMemCache(size int) (*MemCache, error) {
	c, err := lru.New[string, memEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemCache{entries: c, now: time.Now}, nil
}

// Get returns the cached verdict if present and within its tier TTL. Entries
// past TTL are removed and reported as a miss.
func (c *MemCache) Get(_ context.Context, key string) (*Verdict, bool, error) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		c.entries.Remove(key)
		return nil, false, nil
	}
	return e.verdict, true, nil
}

// Set stores the verdict with the given tier TTL.
func (c *MemCache) Set(_ context.Context, key string, v *Verdict, ttl time.Duration) error {
	c.entries.Add(key, memEntry{verdict: v, expires: c.now().Add(ttl)})
	return nil
}

// Len returns the number of cached entries, including any not yet evicted
// after TTL expiry.
func (c *MemCache) Len() int { return c.entries.Len() }
