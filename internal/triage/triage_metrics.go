package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/intel"
	"github.com/linnemanlabs/warden/internal/router"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// Metrics holds Prometheus metrics for the triage pipeline.
type Metrics struct {
	SubmitsTotal     *prometheus.CounterVec
	RiskScore        prometheus.Histogram
	AssessmentsTotal *prometheus.CounterVec
	PipelineDuration prometheus.Histogram

	IntelResolvesTotal  *prometheus.CounterVec
	IntelProviderErrors *prometheus.CounterVec

	TransitionsTotal *prometheus.CounterVec
	BreachesTotal    *prometheus.CounterVec

	RouterDecisionsTotal *prometheus.CounterVec
	RouterFallbacksTotal *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_submits_total",
			Help: "Total alert submissions by result.",
		}, []string{"result"}),
		RiskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_risk_score",
			Help:    "Distribution of computed risk scores.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 .. 100
		}),
		AssessmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_assessments_total",
			Help: "Total risk assessments by final level.",
		}, []string{"level"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_pipeline_duration_seconds",
			Help:    "Duration of enrichment pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		IntelResolvesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_intel_resolves_total",
			Help: "Total indicator resolutions by serving tier.",
		}, []string{"tier"}),
		IntelProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_intel_provider_errors_total",
			Help: "Total threat intel provider failures.",
		}, []string{"provider"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_workflow_transitions_total",
			Help: "Total workflow transitions by target state and outcome.",
		}, []string{"to", "outcome"}),
		BreachesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_sla_breaches_total",
			Help: "Total SLA breach events by leg.",
		}, []string{"leg"}),
		RouterDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_router_decisions_total",
			Help: "Total routing decisions by class and backend.",
		}, []string{"class", "backend"}),
		RouterFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_router_fallbacks_total",
			Help: "Total backend fallbacks by failed backend.",
		}, []string{"from"}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.RiskScore,
		m.AssessmentsTotal,
		m.PipelineDuration,
		m.IntelResolvesTotal,
		m.IntelProviderErrors,
		m.TransitionsTotal,
		m.BreachesTotal,
		m.RouterDecisionsTotal,
		m.RouterFallbacksTotal,
	)

	return m
}

// ServiceHooks returns hooks that feed the pipeline metrics.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnSubmit: func(result string) {
			m.SubmitsTotal.WithLabelValues(result).Inc()
		},
		OnAssessed: func(level string, score, duration float64) {
			m.AssessmentsTotal.WithLabelValues(level).Inc()
			m.RiskScore.Observe(score)
			m.PipelineDuration.Observe(duration)
		},
	}
}

// IntelHooks returns hooks that feed the intel cache metrics.
func (m *Metrics) IntelHooks() intel.Hooks {
	return intel.Hooks{
		OnResolve: func(tier string) {
			m.IntelResolvesTotal.WithLabelValues(tier).Inc()
		},
		OnProviderError: func(provider string) {
			m.IntelProviderErrors.WithLabelValues(provider).Inc()
		},
	}
}

// WorkflowHooks returns hooks that feed the workflow metrics.
func (m *Metrics) WorkflowHooks() workflow.Hooks {
	return workflow.Hooks{
		OnTransition: func(to string, rejected bool) {
			outcome := "accepted"
			if rejected {
				outcome = "rejected"
			}
			m.TransitionsTotal.WithLabelValues(to, outcome).Inc()
		},
		OnBreach: func(leg string) {
			m.BreachesTotal.WithLabelValues(leg).Inc()
		},
	}
}

// RouterHooks returns hooks that feed the routing metrics.
func (m *Metrics) RouterHooks() router.Hooks {
	return router.Hooks{
		OnDecision: func(class, backend string) {
			m.RouterDecisionsTotal.WithLabelValues(class, backend).Inc()
		},
		OnFallback: func(from, _ string) {
			m.RouterFallbacksTotal.WithLabelValues(from).Inc()
		},
	}
}
