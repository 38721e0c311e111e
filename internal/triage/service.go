package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/enrich"
	"github.com/linnemanlabs/warden/internal/intel"
	"github.com/linnemanlabs/warden/internal/risk"
	"github.com/linnemanlabs/warden/internal/router"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// SubmitResult is the outcome of submitting an alert for triage.
type SubmitResult struct {
	ID        string
	Duplicate bool
}

// IntelResolver answers indicator lookups. Satisfied by *intel.Aggregator.
type IntelResolver interface {
	Resolve(ctx context.Context, t intel.IOCType, value string) (*intel.Verdict, error)
}

// Analyzer runs natural-language analysis tasks. Satisfied by *router.Router.
type Analyzer interface {
	Do(ctx context.Context, req *router.Request) (*router.Response, *router.Decision, error)
}

// ServiceConfig tunes the triage pipeline.
type ServiceConfig struct {
	// AnalysisThreshold is the minimum risk score at which a narrative
	// analysis is requested.
	AnalysisThreshold float64
	// PipelineTimeout bounds one alert's enrichment run.
	PipelineTimeout time.Duration
}

// DefaultServiceConfig returns the standard pipeline tuning.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		AnalysisThreshold: 40,
		PipelineTimeout:   2 * time.Minute,
	}
}

// Service accepts alerts and drives each through intel resolution, asset
// enrichment, risk scoring, workflow start, and optional narrative analysis.
type Service struct {
	store    Store
	intel    IntelResolver
	assets   enrich.Provider
	scorer   *risk.Scorer
	machine  *workflow.Machine
	analyzer Analyzer
	cfg      ServiceConfig
	logger   log.Logger
	hooks    ServiceHooks

	wg sync.WaitGroup

	now func() time.Time
}

// ServiceHooks receives pipeline observations.
type ServiceHooks struct {
	OnSubmit   func(result string)
	OnAssessed func(level string, score float64, duration float64)
}

// NewService creates the triage service. The analyzer may be nil, in which
// case narrative analysis is skipped and high-risk alerts are flagged for
// human review instead.
func NewService(store Store, resolver IntelResolver, assets enrich.Provider, scorer *risk.Scorer, machine *workflow.Machine, analyzer Analyzer, cfg ServiceConfig, logger log.Logger, hooks ServiceHooks) *Service {
	if cfg.AnalysisThreshold <= 0 {
		cfg.AnalysisThreshold = DefaultServiceConfig().AnalysisThreshold
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = DefaultServiceConfig().PipelineTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:    store,
		intel:    resolver,
		assets:   assets,
		scorer:   scorer,
		machine:  machine,
		analyzer: analyzer,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
}

// Close waits for in-flight pipeline runs to finish.
func (s *Service) Close() {
	s.wg.Wait()
}

// Submit accepts an alert for triage. Submission is idempotent on alert ID:
// a resubmitted ID returns the existing record untouched.
func (s *Service) Submit(ctx context.Context, al *alert.Alert) (*SubmitResult, error) {
	if err := al.Validate(); err != nil {
		s.hooks.submit("invalid")
		return nil, err
	}

	if _, ok, err := s.store.GetAlert(ctx, al.ID); err != nil {
		return nil, err
	} else if ok {
		s.hooks.submit("duplicate")
		return &SubmitResult{ID: al.ID, Duplicate: true}, nil
	}

	al.Status = alert.StatusNew
	if al.CreatedAt.IsZero() {
		al.CreatedAt = s.now()
	}
	if err := s.store.PutAlert(ctx, al); err != nil {
		return nil, err
	}

	if _, err := s.machine.Start(ctx, al.ID, al.Severity, al.CreatedAt); err != nil {
		return nil, fmt.Errorf("start workflow: %w", err)
	}

	s.hooks.submit("accepted")

	// enrichment runs off the request path; only the ID crosses the goroutine
	// boundary
	s.wg.Add(1)
	go func(id string) {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PipelineTimeout)
		defer cancel()
		s.runPipeline(ctx, id)
	}(al.ID)

	return &SubmitResult{ID: al.ID}, nil
}

// Get retrieves an alert by ID.
func (s *Service) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	return s.store.GetAlert(ctx, id)
}

// List returns alerts filtered by status, newest first.
func (s *Service) List(ctx context.Context, status alert.Status, limit int) ([]*alert.Alert, error) {
	return s.store.ListAlerts(ctx, status, limit)
}

// Assessments returns the full scoring history for an alert.
func (s *Service) Assessments(ctx context.Context, alertID string) ([]*risk.Assessment, error) {
	return s.store.Assessments(ctx, alertID)
}

// OverrideSeverity records an analyst's severity correction and re-scores the
// alert. The new assessment is appended; history is never rewritten.
func (s *Service) OverrideSeverity(ctx context.Context, alertID string, severity alert.Severity) (*alert.Alert, error) {
	if !severity.Valid() {
		return nil, &alert.ValidationError{Field: "severity", Reason: "unknown value"}
	}

	al, ok, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlertNotFound
	}

	al.Severity = severity
	if err := s.store.PutAlert(ctx, al); err != nil {
		return nil, err
	}

	if err := s.assess(ctx, al); err != nil {
		return nil, err
	}
	return al, nil
}

// ErrAlertNotFound is returned for operations on an unknown alert ID.
var ErrAlertNotFound = errors.New("alert not found")

func (s *Service) runPipeline(ctx context.Context, id string) {
	L := s.logger.With("alert_id", id)
	start := s.now()

	al, ok, err := s.store.GetAlert(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to load alert for enrichment")
		return
	}

	if err := s.assess(ctx, al); err != nil {
		L.Error(ctx, err, "enrichment pipeline failed")
		return
	}

	s.analyze(ctx, al)

	L.Info(ctx, "triage pipeline complete",
		"risk_score", deref(al.RiskScore),
		"risk_level", al.RiskLevel,
		"requires_human_review", al.RequiresHumanReview,
		"duration", s.now().Sub(start).Seconds(),
	)
}

// assess resolves intel, enriches asset context, scores, and persists the
// assessment together with the alert's risk fields.
func (s *Service) assess(ctx context.Context, al *alert.Alert) error {
	start := s.now()
	degraded := false

	verdict := s.resolveIndicators(ctx, al, &degraded)
	asset := s.assetContext(ctx, al, &degraded)

	as := s.scorer.Score(risk.Input{
		Severity:         al.Severity,
		ThreatScore:      verdict.ThreatScore,
		ThreatConfidence: verdict.Confidence,
		Criticality:      asset.Criticality,
		Exploitability:   asset.Exploitability,
	})
	as.ID = ulid.Make().String()
	as.AlertID = al.ID
	as.ComputedAt = s.now()

	al.RiskScore = &as.FinalScore
	al.RiskLevel = string(as.FinalLevel)
	if degraded || as.Confidence == 0 {
		al.RequiresHumanReview = true
	}

	if err := s.store.RecordAssessment(ctx, al, &as); err != nil {
		return fmt.Errorf("record assessment: %w", err)
	}

	s.hooks.assessed(string(as.FinalLevel), as.FinalScore, s.now().Sub(start).Seconds())
	return nil
}

// resolveIndicators returns the worst verdict across the alert's indicators.
// Resolver failures degrade to a zero verdict instead of blocking triage. A
// nil-error verdict with zero confidence means no intel source answered for
// that indicator; the resolver reports provider fan-out failure that way
// rather than as an error, so it degrades the assessment too.
func (s *Service) resolveIndicators(ctx context.Context, al *alert.Alert, degraded *bool) *intel.Verdict {
	worst := &intel.Verdict{}
	if s.intel == nil {
		return worst
	}

	for _, ind := range al.Indicators {
		v, err := s.intel.Resolve(ctx, intel.IOCType(ind.Type), ind.Value)
		if err != nil {
			s.logger.Warn(ctx, "indicator resolution failed",
				"alert_id", al.ID, "indicator", ind.Value, "error", err)
			*degraded = true
			continue
		}
		if v.Confidence == 0 {
			s.logger.Warn(ctx, "no intel sources answered for indicator",
				"alert_id", al.ID, "indicator", ind.Value)
			*degraded = true
		}
		if v.ThreatScore > worst.ThreatScore || (worst.RefreshedAt.IsZero() && !v.RefreshedAt.IsZero()) {
			worst = v
		}
	}
	return worst
}

func (s *Service) assetContext(ctx context.Context, al *alert.Alert, degraded *bool) *enrich.AssetContext {
	if s.assets == nil || al.AssetID == "" {
		return enrich.DefaultAsset(al.AssetID)
	}
	asset, err := s.assets.Asset(ctx, al.AssetID)
	if err != nil {
		s.logger.Warn(ctx, "asset enrichment failed",
			"alert_id", al.ID, "asset_id", al.AssetID, "error", err)
		*degraded = true
		return enrich.DefaultAsset(al.AssetID)
	}
	return asset
}

// analyze requests a narrative for alerts at or above the analysis threshold.
// Analysis output is advisory; failure flags the alert for human review but
// never blocks or re-scores it.
func (s *Service) analyze(ctx context.Context, al *alert.Alert) {
	if al.RiskScore == nil || *al.RiskScore < s.cfg.AnalysisThreshold {
		return
	}
	if s.analyzer == nil {
		return
	}

	resp, _, err := s.analyzer.Do(ctx, &router.Request{
		TaskType: router.TaskNarrative,
		Content:  analysisContent(al),
	})
	if err != nil {
		s.logger.Warn(ctx, "narrative analysis failed", "alert_id", al.ID, "error", err)
		if errors.Is(err, router.ErrNoBackendAvailable) && !al.RequiresHumanReview {
			al.RequiresHumanReview = true
			if perr := s.store.PutAlert(ctx, al); perr != nil {
				s.logger.Error(ctx, perr, "failed to flag alert for review", "alert_id", al.ID)
			}
		}
		return
	}

	al.Analysis = resp.Text
	if len(resp.RecommendedActions) > 0 {
		al.RecommendedActions = resp.RecommendedActions
	}
	if err := s.store.PutAlert(ctx, al); err != nil {
		s.logger.Error(ctx, err, "failed to persist analysis", "alert_id", al.ID)
	}
}

// analysisContent flattens the alert into the prompt payload.
func analysisContent(al *alert.Alert) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Alert %s from %s\nTitle: %s\nSeverity: %s\n", al.ID, al.Source, al.Title, al.Severity)
	if al.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", al.Description)
	}
	if al.AssetID != "" {
		fmt.Fprintf(&sb, "Asset: %s\n", al.AssetID)
	}
	if al.RiskScore != nil {
		fmt.Fprintf(&sb, "Computed risk score: %.1f (%s)\n", *al.RiskScore, al.RiskLevel)
	}
	if len(al.Indicators) > 0 {
		inds, _ := json.Marshal(al.Indicators)
		fmt.Fprintf(&sb, "Indicators: %s\n", inds)
	}
	return sb.String()
}

func (h ServiceHooks) submit(result string) {
	if h.OnSubmit != nil {
		h.OnSubmit(result)
	}
}

func (h ServiceHooks) assessed(level string, score, duration float64) {
	if h.OnAssessed != nil {
		h.OnAssessed(level, score, duration)
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
