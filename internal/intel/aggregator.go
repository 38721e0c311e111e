package intel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// AggregatorConfig controls cache tiering and provider fan-out.
type AggregatorConfig struct {
	// VerdictTTL is how long a freshly aggregated verdict is valid. Expiry is
	// always derived from refresh time, never extended by reads.
	VerdictTTL time.Duration

	// GraceWindow is how close to expiry a hit may be before a background
	// refresh is triggered while the stale verdict is still served.
	GraceWindow time.Duration

	// Tier1TTL bounds how long the in-process tier keeps a verdict.
	Tier1TTL time.Duration

	// ProviderTimeout applies per external provider call.
	ProviderTimeout time.Duration

	// MaxConcurrentFetches bounds simultaneous external provider calls across
	// all indicators, to respect third-party rate limits.
	MaxConcurrentFetches int64
}

// DefaultAggregatorConfig returns the standard tiering policy.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		VerdictTTL:           time.Hour,
		GraceWindow:          5 * time.Minute,
		Tier1TTL:             5 * time.Minute,
		ProviderTimeout:      10 * time.Second,
		MaxConcurrentFetches: 16,
	}
}

// Hooks receives aggregator observations. Wired to Prometheus by main; the
// zero value is usable.
type Hooks struct {
	OnResolve       func(tier string)
	OnProviderError func(provider string)
}

func (h Hooks) resolve(tier string) {
	if h.OnResolve != nil {
		h.OnResolve(tier)
	}
}

func (h Hooks) providerError(provider string) {
	if h.OnProviderError != nil {
		h.OnProviderError(provider)
	}
}

// Aggregator resolves indicators through the cache chain, falling back to a
// concurrent provider fan-out, and merges multi-source results into one
// normalized verdict.
type Aggregator struct {
	tiers     []Cache
	providers []Provider
	weights   map[string]float64
	cfg       AggregatorConfig
	logger    log.Logger
	hooks     Hooks

	flight singleflight.Group
	sem    *semaphore.Weighted

	// background refreshes in flight, so Close can wait for them
	wg sync.WaitGroup

	now func() time.Time
}

// NewAggregator builds the resolver chain. Tiers are consulted in order,
// nearest first. Weights are fixed per source identity; a source missing from
// the map gets weight 1.
func NewAggregator(tiers []Cache, providers []Provider, weights map[string]float64, cfg AggregatorConfig, logger log.Logger, hooks Hooks) *Aggregator {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = DefaultAggregatorConfig().MaxConcurrentFetches
	}
	return &Aggregator{
		tiers:     tiers,
		providers: providers,
		weights:   weights,
		cfg:       cfg,
		logger:    logger,
		hooks:     hooks,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentFetches),
		now:       time.Now,
	}
}

// Resolve returns the aggregated verdict for an indicator. It never returns
// an error for provider failures: if every provider fails or has no data the
// verdict carries threat_score=0 and confidence=0 so upstream scoring
// degrades instead of blocking triage.
func (a *Aggregator) Resolve(ctx context.Context, iocType IOCType, value string) (*Verdict, error) {
	if !iocType.Valid() {
		return nil, fmt.Errorf("unknown ioc type %q", iocType)
	}
	key := Key(iocType, value)
	now := a.now()

	for i, tier := range a.tiers {
		v, ok, err := tier.Get(ctx, key)
		if err != nil {
			// a broken cache tier is a miss, not a failure
			a.logger.Warn(ctx, "cache tier error", "tier", i, "key", key, "error", err)
			continue
		}
		if !ok || v.Expired(now) {
			continue
		}

		a.promote(ctx, key, v, i)
		a.hooks.resolve(tierName(i))

		if v.NearExpiry(now, a.cfg.GraceWindow) {
			a.refreshAsync(ctx, iocType, value)
		}
		return v, nil
	}

	v, err := a.fetch(ctx, iocType, value)
	if err != nil {
		return nil, err
	}
	a.hooks.resolve("providers")
	return v, nil
}

// Close waits for background refreshes to finish.
func (a *Aggregator) Close() { a.wg.Wait() }

// fetch runs the tier-3 resolution under single-flight: concurrent callers
// for the same key share one in-flight provider fan-out.
func (a *Aggregator) fetch(ctx context.Context, iocType IOCType, value string) (*Verdict, error) {
	key := Key(iocType, value)

	got, err, _ := a.flight.Do(key, func() (any, error) {
		v := a.queryProviders(ctx, iocType, value)
		a.store(ctx, key, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return got.(*Verdict), nil
}

// queryProviders fans out to every configured provider concurrently, each
// bounded by the per-provider timeout and the global fetch semaphore. A
// provider that errors or times out is simply omitted from aggregation.
func (a *Aggregator) queryProviders(ctx context.Context, iocType IOCType, value string) *Verdict {
	type result struct {
		score *SourceScore
		err   error
		name  string
	}

	results := make(chan result, len(a.providers))
	for _, p := range a.providers {
		go func(p Provider) {
			if err := a.sem.Acquire(ctx, 1); err != nil {
				results <- result{err: err, name: p.Name()}
				return
			}
			defer a.sem.Release(1)

			pctx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
			defer cancel()

			s, err := p.Lookup(pctx, iocType, value)
			results <- result{score: s, err: err, name: p.Name()}
		}(p)
	}

	var scores []SourceScore
	for range a.providers {
		r := <-results
		if r.err != nil {
			a.hooks.providerError(r.name)
			a.logger.Warn(ctx, "intel provider failed", "provider", r.name, "error", r.err)
			continue
		}
		if r.score != nil {
			scores = append(scores, *r.score)
		}
	}

	now := a.now()
	score, confidence := aggregate(scores, a.weights, now)

	return &Verdict{
		IOCType:     iocType,
		IOCValue:    value,
		ThreatScore: score,
		Confidence:  confidence,
		Sources:     scores,
		RefreshedAt: now,
		ExpiresAt:   now.Add(a.cfg.VerdictTTL),
	}
}

// refreshAsync triggers a stale-while-revalidate refresh. The read path is
// never blocked; single-flight collapses concurrent refreshes of one key.
func (a *Aggregator) refreshAsync(ctx context.Context, iocType IOCType, value string) {
	a.wg.Add(1)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer a.wg.Done()
		if _, err := a.fetch(bg, iocType, value); err != nil {
			a.logger.Warn(bg, "background verdict refresh failed",
				"key", Key(iocType, value), "error", err)
		}
	}()
}

// promote writes a lower-tier hit through to the tiers above it.
func (a *Aggregator) promote(ctx context.Context, key string, v *Verdict, hitTier int) {
	for i := 0; i < hitTier; i++ {
		if err := a.tiers[i].Set(ctx, key, v, a.tierTTL(i)); err != nil {
			a.logger.Warn(ctx, "cache promote failed", "tier", i, "key", key, "error", err)
		}
	}
}

// store writes a fresh verdict into every tier.
func (a *Aggregator) store(ctx context.Context, key string, v *Verdict) {
	for i, tier := range a.tiers {
		if err := tier.Set(ctx, key, v, a.tierTTL(i)); err != nil {
			a.logger.Warn(ctx, "cache store failed", "tier", i, "key", key, "error", err)
		}
	}
}

func (a *Aggregator) tierTTL(tier int) time.Duration {
	if tier == 0 {
		return a.cfg.Tier1TTL
	}
	return a.cfg.VerdictTTL
}

func tierName(i int) string {
	switch i {
	case 0:
		return "memory"
	case 1:
		return "distributed"
	default:
		return fmt.Sprintf("tier%d", i+1)
	}
}
