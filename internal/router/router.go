// Package router selects which reasoning backend performs a natural-language
// analysis task, based on task complexity, backend class, and observed
// backend health. Business logic never special-cases a backend by name; it
// only sees the Backend interface and its class.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Class groups interchangeable backends by capability tier.
type Class string

const (
	// ClassFast is the low-latency, low-cost tier for simple tasks.
	ClassFast Class = "fast"
	// ClassQuality is the tier for tasks requiring multi-step reasoning.
	ClassQuality Class = "quality"
)

// TaskType names a category of analysis work.
type TaskType string

const (
	TaskSummarize      TaskType = "summarize"
	TaskClassify       TaskType = "classify"
	TaskNarrative      TaskType = "narrative"
	TaskRootCause      TaskType = "root_cause"
	TaskCorrelation    TaskType = "correlation"
	TaskRecommendation TaskType = "recommendation"
)

// DefaultComplexityTable maps task types to the backend class expected to
// handle them.
func DefaultComplexityTable() map[TaskType]Class {
	return map[TaskType]Class{
		TaskSummarize:      ClassFast,
		TaskClassify:       ClassFast,
		TaskNarrative:      ClassQuality,
		TaskRootCause:      ClassQuality,
		TaskCorrelation:    ClassQuality,
		TaskRecommendation: ClassQuality,
	}
}

// Request is one analysis task for a reasoning backend.
type Request struct {
	TaskType TaskType
	Content  string
	// Backend, when set, is an explicit override that is always honored.
	Backend   string
	MaxTokens int
}

// Response is the backend's output. Structured fields are advisory only; the
// risk score is never overridden by backend output.
type Response struct {
	Text               string
	RiskHints          []string
	RecommendedActions []string
	TokensIn           int
	TokensOut          int
	Backend            string
}

// Backend is one reasoning backend instance, a black-box text-completion
// capability.
type Backend interface {
	Name() string
	Class() Class
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Decision records why a backend was chosen. Ephemeral: it lives only as
// long as the task.
type Decision struct {
	TaskType     TaskType `json:"task_type"`
	Complexity   Class    `json:"estimated_complexity"`
	Backend      string   `json:"selected_backend"`
	Reason       string   `json:"reason"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// ErrNoBackendAvailable is returned when every backend is unreachable. The
// router never silently drops a task.
var ErrNoBackendAvailable = errors.New("no reasoning backend available")

// Config tunes instance selection.
type Config struct {
	// ErrorRateThreshold routes traffic away from instances whose recent
	// error rate exceeds it.
	ErrorRateThreshold float64
	// HealthWindow is how many recent calls the per-instance health tracks.
	HealthWindow int
}

// DefaultConfig returns the standard selection tuning.
func DefaultConfig() Config {
	return Config{ErrorRateThreshold: 0.5, HealthWindow: 20}
}

// Router holds the backend registry and per-instance health.
type Router struct {
	backends []Backend
	table    map[TaskType]Class
	health   map[string]*health
	cfg      Config
	logger   log.Logger
	hooks    Hooks
}

// Hooks receives routing observations.
type Hooks struct {
	OnDecision func(class, backend string)
	OnFallback func(from, to string)
}

// New builds a router over the given backends. The complexity table must
// cover every task type the caller will route; gaps are a configuration
// error.
func New(backends []Backend, table map[TaskType]Class, cfg Config, logger log.Logger, hooks Hooks) (*Router, error) {
	if len(backends) == 0 {
		return nil, errors.New("router: at least one backend required")
	}
	if table == nil {
		table = DefaultComplexityTable()
	}
	for _, tt := range []TaskType{TaskSummarize, TaskClassify, TaskNarrative, TaskRootCause, TaskCorrelation, TaskRecommendation} {
		if _, ok := table[tt]; !ok {
			return nil, fmt.Errorf("router: complexity table missing task type %q", tt)
		}
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = DefaultConfig().ErrorRateThreshold
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = DefaultConfig().HealthWindow
	}
	if logger == nil {
		logger = log.Nop()
	}

	h := make(map[string]*health, len(backends))
	for _, b := range backends {
		if _, dup := h[b.Name()]; dup {
			return nil, fmt.Errorf("router: duplicate backend name %q", b.Name())
		}
		h[b.Name()] = newHealth(cfg.HealthWindow)
	}

	return &Router{
		backends: backends,
		table:    table,
		health:   h,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
	}, nil
}

// Route picks the backend for a task without executing it. Deterministic for
// a given configuration and health snapshot.
func (r *Router) Route(taskType TaskType, override string) (*Decision, error) {
	if override != "" {
		for _, b := range r.backends {
			if b.Name() == override {
				return &Decision{
					TaskType:   taskType,
					Complexity: b.Class(),
					Backend:    override,
					Reason:     "explicit override",
				}, nil
			}
		}
		return nil, fmt.Errorf("override backend %q not registered: %w", override, ErrNoBackendAvailable)
	}

	class, ok := r.table[taskType]
	if !ok {
		// unknown task types get the careful tier
		class = ClassQuality
	}

	ranked := r.rank(class)
	if len(ranked) == 0 {
		return nil, ErrNoBackendAvailable
	}

	d := &Decision{
		TaskType:   taskType,
		Complexity: class,
		Backend:    ranked[0].Name(),
		Reason:     fmt.Sprintf("%s class, healthiest instance", class),
	}
	for _, b := range ranked[1:] {
		d.Alternatives = append(d.Alternatives, b.Name())
	}
	return d, nil
}

// Do routes and executes the task, falling back down the ranked chain on
// failure. The fallback chain taken is recorded on the decision.
func (r *Router) Do(ctx context.Context, req *Request) (*Response, *Decision, error) {
	d, err := r.Route(req.TaskType, req.Backend)
	if err != nil {
		return nil, nil, err
	}

	candidates := append([]string{d.Backend}, d.Alternatives...)
	d.Alternatives = d.Alternatives[:0]

	var lastErr error
	for n, name := range candidates {
		b := r.backend(name)
		if b == nil {
			continue
		}

		start := time.Now()
		resp, err := b.Complete(ctx, req)
		r.health[name].record(err == nil, time.Since(start))

		if err != nil {
			lastErr = err
			r.logger.Warn(ctx, "backend failed, trying next",
				"backend", name, "task_type", req.TaskType, "error", err)
			if n+1 < len(candidates) && r.hooks.OnFallback != nil {
				r.hooks.OnFallback(name, candidates[n+1])
			}
			d.Alternatives = append(d.Alternatives, name)
			continue
		}

		d.Backend = name
		if n > 0 {
			d.Reason = "fallback after upstream failure"
		}
		if r.hooks.OnDecision != nil {
			r.hooks.OnDecision(string(d.Complexity), name)
		}
		resp.Backend = name
		return resp, d, nil
	}

	if lastErr != nil {
		return nil, d, fmt.Errorf("%w: %v", ErrNoBackendAvailable, lastErr)
	}
	return nil, d, ErrNoBackendAvailable
}

// rank orders candidate instances: preferred class first, healthy before
// degraded, then by recent latency. The other class is appended as the final
// fallback tier.
func (r *Router) rank(preferred Class) []Backend {
	var primary, overflow []Backend
	for _, b := range r.backends {
		if b.Class() == preferred {
			primary = append(primary, b)
		} else {
			overflow = append(overflow, b)
		}
	}
	r.sortByHealth(primary)
	r.sortByHealth(overflow)
	return append(primary, overflow...)
}

func (r *Router) sortByHealth(bs []Backend) {
	// insertion sort: the registry is small and order must be stable
	for i := 1; i < len(bs); i++ {
		for j := i; j > 0 && r.less(bs[j], bs[j-1]); j-- {
			bs[j], bs[j-1] = bs[j-1], bs[j]
		}
	}
}

func (r *Router) less(a, b Backend) bool {
	ha, hb := r.health[a.Name()], r.health[b.Name()]
	aOK := ha.errorRate() <= r.cfg.ErrorRateThreshold
	bOK := hb.errorRate() <= r.cfg.ErrorRateThreshold
	if aOK != bOK {
		return aOK
	}
	return ha.avgLatency() < hb.avgLatency()
}

func (r *Router) backend(name string) Backend {
	for _, b := range r.backends {
		if b.Name() == name {
			return b
		}
	}
	return nil
}
