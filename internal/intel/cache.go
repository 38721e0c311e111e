package intel

import (
	"context"
	"time"
)

// Cache is one tier of the verdict cache chain. Tiers are consulted in order;
// a hit in a lower tier is written through to the tiers above it.
type Cache interface {
	Get(ctx context.Context, key string) (*Verdict, bool, error)
	Set(ctx context.Context, key string, v *Verdict, ttl time.Duration) error
}
