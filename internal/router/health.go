package router

import (
	"sync"
	"time"
)

// health tracks the recent outcome window for one backend instance.
type health struct {
	mu      sync.Mutex
	window  int
	results []result
}

type result struct {
	ok      bool
	latency time.Duration
}

func newHealth(window int) *health {
	return &health{window: window}
}

func (h *health) record(ok bool, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, result{ok: ok, latency: latency})
	if len(h.results) > h.window {
		h.results = h.results[len(h.results)-h.window:]
	}
}

// errorRate returns the failure fraction over the window. An instance with
// no history reports zero: new instances get traffic until proven unhealthy.
func (h *health) errorRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.results) == 0 {
		return 0
	}
	var failed int
	for _, r := range h.results {
		if !r.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(h.results))
}

func (h *health) avgLatency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.results) == 0 {
		return 0
	}
	var total time.Duration
	for _, r := range h.results {
		total += r.latency
	}
	return total / time.Duration(len(h.results))
}
