package intel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// fakeCache is an unbounded cache tier for tests.
type fakeCache struct {
	mu   sync.Mutex
	data map[string]*Verdict
	sets int
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string]*Verdict)} }

func (c *fakeCache) Get(_ context.Context, key string) (*Verdict, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, v *Verdict, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
	c.sets++
	return nil
}

func (c *fakeCache) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

// errCache always fails, simulating a broken tier.
type errCache struct{}

func (errCache) Get(context.Context, string) (*Verdict, bool, error) {
	return nil, false, errors.New("tier down")
}
func (errCache) Set(context.Context, string, *Verdict, time.Duration) error {
	return errors.New("tier down")
}

// fakeProvider returns a fixed score and counts lookups.
type fakeProvider struct {
	name    string
	score   float64
	err     error
	noData  bool
	delay   time.Duration
	lookups atomic.Int64
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Lookup(ctx context.Context, _ IOCType, _ string) (*SourceScore, error) {
	p.lookups.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.noData {
		return nil, nil
	}
	return &SourceScore{Source: p.name, Score: p.score, LastSeen: time.Now()}, nil
}

func newTestAggregator(tiers []Cache, providers []Provider) *Aggregator {
	return NewAggregator(tiers, providers, nil, DefaultAggregatorConfig(), log.Nop(), Hooks{})
}

func TestResolve_PopulatesAllTiers(t *testing.T) {
	t.Parallel()

	t1, t2 := newFakeCache(), newFakeCache()
	p := &fakeProvider{name: "osint", score: 7}
	a := newTestAggregator([]Cache{t1, t2}, []Provider{p})

	v, err := a.Resolve(context.Background(), IOCIP, "203.0.113.7")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.ThreatScore <= 0 {
		t.Errorf("threat score = %v, want > 0", v.ThreatScore)
	}

	key := Key(IOCIP, "203.0.113.7")
	if _, ok, _ := t1.Get(context.Background(), key); !ok {
		t.Error("tier 1 not populated")
	}
	if _, ok, _ := t2.Get(context.Background(), key); !ok {
		t.Error("tier 2 not populated")
	}
}

func TestResolve_Tier1HitSkipsProviders(t *testing.T) {
	t.Parallel()

	t1 := newFakeCache()
	p := &fakeProvider{name: "osint", score: 7}
	a := newTestAggregator([]Cache{t1}, []Provider{p})

	if _, err := a.Resolve(context.Background(), IOCDomain, "evil.example"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := a.Resolve(context.Background(), IOCDomain, "evil.example"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n := p.lookups.Load(); n != 1 {
		t.Errorf("provider lookups = %d, want 1", n)
	}
}

func TestResolve_Tier2HitPromotesToTier1(t *testing.T) {
	t.Parallel()

	t1, t2 := newFakeCache(), newFakeCache()
	p := &fakeProvider{name: "osint", score: 7}
	a := newTestAggregator([]Cache{t1, t2}, []Provider{p})

	key := Key(IOCHash, "deadbeef")
	now := time.Now()
	seeded := &Verdict{
		IOCType: IOCHash, IOCValue: "deadbeef", ThreatScore: 5,
		RefreshedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	_ = t2.Set(context.Background(), key, seeded, 0)

	v, err := a.Resolve(context.Background(), IOCHash, "deadbeef")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.ThreatScore != 5 {
		t.Errorf("threat score = %v, want seeded 5", v.ThreatScore)
	}
	if _, ok, _ := t1.Get(context.Background(), key); !ok {
		t.Error("hit not promoted to tier 1")
	}
	if n := p.lookups.Load(); n != 0 {
		t.Errorf("provider lookups = %d, want 0", n)
	}
}

func TestResolve_ExpiredHitIsMiss(t *testing.T) {
	t.Parallel()

	t1 := newFakeCache()
	p := &fakeProvider{name: "osint", score: 9}
	a := newTestAggregator([]Cache{t1}, []Provider{p})

	key := Key(IOCIP, "198.51.100.1")
	now := time.Now()
	_ = t1.Set(context.Background(), key, &Verdict{
		IOCType: IOCIP, IOCValue: "198.51.100.1", ThreatScore: 1,
		RefreshedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}, 0)

	v, err := a.Resolve(context.Background(), IOCIP, "198.51.100.1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if n := p.lookups.Load(); n != 1 {
		t.Errorf("provider lookups = %d, want 1 for expired entry", n)
	}
	if v.ThreatScore == 1 {
		t.Error("expired verdict was served")
	}
}

func TestResolve_SingleFlight(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "slow", score: 6, delay: 50 * time.Millisecond}
	a := newTestAggregator([]Cache{newFakeCache()}, []Provider{p})

	const callers = 25
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Resolve(context.Background(), IOCURL, "https://evil.example/x"); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := p.lookups.Load(); n != 1 {
		t.Errorf("provider lookups = %d, want 1 across %d concurrent callers", n, callers)
	}
}

func TestResolve_PartialProviderFailure(t *testing.T) {
	t.Parallel()

	ok := &fakeProvider{name: "alive", score: 8}
	dead := &fakeProvider{name: "dead", err: errors.New("timeout")}
	a := newTestAggregator([]Cache{newFakeCache()}, []Provider{ok, dead})

	v, err := a.Resolve(context.Background(), IOCIP, "192.0.2.1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(v.Sources) != 1 || v.Sources[0].Source != "alive" {
		t.Errorf("sources = %+v, want only the live provider", v.Sources)
	}
	if v.ThreatScore <= 0 {
		t.Errorf("threat score = %v, want > 0", v.ThreatScore)
	}
}

func TestResolve_AllProvidersFailed(t *testing.T) {
	t.Parallel()

	a := newTestAggregator([]Cache{newFakeCache()}, []Provider{
		&fakeProvider{name: "a", err: errors.New("timeout")},
		&fakeProvider{name: "b", noData: true},
	})

	v, err := a.Resolve(context.Background(), IOCEmail, "phish@evil.example")
	if err != nil {
		t.Fatalf("Resolve should not fail when providers do: %v", err)
	}
	if v.ThreatScore != 0 {
		t.Errorf("threat score = %v, want 0", v.ThreatScore)
	}
	if v.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", v.Confidence)
	}
}

func TestResolve_StaleWhileRevalidate(t *testing.T) {
	t.Parallel()

	t1 := newFakeCache()
	p := &fakeProvider{name: "osint", score: 9}
	cfg := DefaultAggregatorConfig()
	cfg.GraceWindow = 10 * time.Minute
	a := NewAggregator([]Cache{t1}, []Provider{p}, nil, cfg, log.Nop(), Hooks{})

	key := Key(IOCDomain, "aging.example")
	now := time.Now()
	stale := &Verdict{
		IOCType: IOCDomain, IOCValue: "aging.example", ThreatScore: 2,
		RefreshedAt: now.Add(-55 * time.Minute), ExpiresAt: now.Add(5 * time.Minute),
	}
	_ = t1.Set(context.Background(), key, stale, 0)
	setsBefore := t1.setCount()

	v, err := a.Resolve(context.Background(), IOCDomain, "aging.example")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// read path serves the stale value immediately
	if v.ThreatScore != 2 {
		t.Errorf("threat score = %v, want stale 2", v.ThreatScore)
	}

	a.Close() // wait for the background refresh
	if n := p.lookups.Load(); n != 1 {
		t.Errorf("provider lookups = %d, want 1 background refresh", n)
	}
	if t1.setCount() <= setsBefore {
		t.Error("refresh did not replace the cached verdict")
	}
}

func TestResolve_BrokenTierIsMiss(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "osint", score: 4}
	a := newTestAggregator([]Cache{errCache{}}, []Provider{p})

	v, err := a.Resolve(context.Background(), IOCIP, "203.0.113.9")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v.ThreatScore <= 0 {
		t.Errorf("threat score = %v, want > 0 from providers", v.ThreatScore)
	}
}

func TestResolve_UnknownType(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(nil, nil)
	if _, err := a.Resolve(context.Background(), "asn", "64500"); err == nil {
		t.Fatal("expected error for unknown ioc type")
	}
}
