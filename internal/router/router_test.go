package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

type stubBackend struct {
	name  string
	class Class
	err   error
	calls atomic.Int64
	delay time.Duration
}

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) Class() Class { return s.class }

func (s *stubBackend) Complete(_ context.Context, req *Request) (*Response, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Text: "analysis of " + req.Content}, nil
}

func newTestRouter(t *testing.T, backends ...Backend) *Router {
	t.Helper()
	r, err := New(backends, nil, DefaultConfig(), log.Nop(), Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRoute_ComplexityTable(t *testing.T) {
	t.Parallel()

	fast := &stubBackend{name: "fast-1", class: ClassFast}
	quality := &stubBackend{name: "quality-1", class: ClassQuality}
	r := newTestRouter(t, fast, quality)

	cases := []struct {
		task TaskType
		want string
	}{
		{TaskSummarize, "fast-1"},
		{TaskClassify, "fast-1"},
		{TaskNarrative, "quality-1"},
		{TaskRootCause, "quality-1"},
		{TaskCorrelation, "quality-1"},
		{TaskRecommendation, "quality-1"},
	}
	for _, tc := range cases {
		d, err := r.Route(tc.task, "")
		if err != nil {
			t.Fatalf("Route(%s): %v", tc.task, err)
		}
		if d.Backend != tc.want {
			t.Errorf("Route(%s) = %s, want %s", tc.task, d.Backend, tc.want)
		}
	}
}

func TestRoute_UnknownTaskGetsQuality(t *testing.T) {
	t.Parallel()

	fast := &stubBackend{name: "fast-1", class: ClassFast}
	quality := &stubBackend{name: "quality-1", class: ClassQuality}
	r := newTestRouter(t, fast, quality)

	d, err := r.Route(TaskType("novel_task"), "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Backend != "quality-1" {
		t.Errorf("unknown task routed to %s, want quality-1", d.Backend)
	}
}

func TestRoute_OverrideHonored(t *testing.T) {
	t.Parallel()

	fast := &stubBackend{name: "fast-1", class: ClassFast}
	quality := &stubBackend{name: "quality-1", class: ClassQuality}
	r := newTestRouter(t, fast, quality)

	d, err := r.Route(TaskSummarize, "quality-1")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Backend != "quality-1" {
		t.Errorf("override ignored: routed to %s", d.Backend)
	}
	if d.Reason != "explicit override" {
		t.Errorf("reason = %q", d.Reason)
	}

	if _, err := r.Route(TaskSummarize, "nope"); !errors.Is(err, ErrNoBackendAvailable) {
		t.Errorf("unknown override: err = %v, want ErrNoBackendAvailable", err)
	}
}

func TestRoute_AlternativesRecorded(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t,
		&stubBackend{name: "fast-1", class: ClassFast},
		&stubBackend{name: "fast-2", class: ClassFast},
		&stubBackend{name: "quality-1", class: ClassQuality},
	)

	d, err := r.Route(TaskSummarize, "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(d.Alternatives) != 2 {
		t.Fatalf("alternatives = %v, want 2 entries", d.Alternatives)
	}
}

func TestDo_FallbackChain(t *testing.T) {
	t.Parallel()

	broken := &stubBackend{name: "fast-1", class: ClassFast, err: errors.New("upstream 500")}
	quality := &stubBackend{name: "quality-1", class: ClassQuality}
	r := newTestRouter(t, broken, quality)

	resp, d, err := r.Do(context.Background(), &Request{TaskType: TaskSummarize, Content: "alert"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Backend != "quality-1" {
		t.Errorf("fallback went to %s, want quality-1", resp.Backend)
	}
	if d.Reason != "fallback after upstream failure" {
		t.Errorf("reason = %q", d.Reason)
	}
	if len(d.Alternatives) != 1 || d.Alternatives[0] != "fast-1" {
		t.Errorf("chain = %v, want [fast-1]", d.Alternatives)
	}
	if broken.calls.Load() != 1 {
		t.Errorf("broken backend called %d times, want 1", broken.calls.Load())
	}
}

func TestDo_AllBackendsDown(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t,
		&stubBackend{name: "fast-1", class: ClassFast, err: errors.New("down")},
		&stubBackend{name: "quality-1", class: ClassQuality, err: errors.New("down")},
	)

	_, _, err := r.Do(context.Background(), &Request{TaskType: TaskNarrative, Content: "alert"})
	if !errors.Is(err, ErrNoBackendAvailable) {
		t.Fatalf("err = %v, want ErrNoBackendAvailable", err)
	}
}

func TestDo_UnhealthyInstanceDeprioritized(t *testing.T) {
	t.Parallel()

	flaky := &stubBackend{name: "fast-1", class: ClassFast, err: errors.New("bad")}
	healthy := &stubBackend{name: "fast-2", class: ClassFast}
	r := newTestRouter(t, flaky, healthy)

	// burn flaky's error budget
	for i := 0; i < 5; i++ {
		r.Do(context.Background(), &Request{TaskType: TaskSummarize, Content: "x"})
	}

	before := flaky.calls.Load()
	resp, _, err := r.Do(context.Background(), &Request{TaskType: TaskSummarize, Content: "x"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Backend != "fast-2" {
		t.Errorf("routed to %s, want fast-2", resp.Backend)
	}
	if flaky.calls.Load() != before {
		t.Errorf("unhealthy instance still taking primary traffic")
	}
}

func TestNew_RejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	_, err := New([]Backend{
		&stubBackend{name: "b", class: ClassFast},
		&stubBackend{name: "b", class: ClassQuality},
	}, nil, DefaultConfig(), log.Nop(), Hooks{})
	if err == nil {
		t.Fatal("expected error for duplicate backend names")
	}
}

func TestHealth_WindowAndRates(t *testing.T) {
	t.Parallel()

	h := newHealth(4)
	if got := h.errorRate(); got != 0 {
		t.Fatalf("empty errorRate = %v, want 0", got)
	}
	h.record(false, time.Millisecond)
	h.record(false, time.Millisecond)
	h.record(true, time.Millisecond)
	h.record(true, time.Millisecond)
	if got := h.errorRate(); got != 0.5 {
		t.Errorf("errorRate = %v, want 0.5", got)
	}
	// window slides: one more success evicts the oldest failure
	h.record(true, 5*time.Millisecond)
	if got := h.errorRate(); got != 0.25 {
		t.Errorf("errorRate after slide = %v, want 0.25", got)
	}
	if got := h.avgLatency(); got != 2*time.Millisecond {
		t.Errorf("avgLatency = %v, want 2ms", got)
	}
}
