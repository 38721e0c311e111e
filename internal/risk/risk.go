// Package risk computes deterministic risk assessments from alert severity,
// aggregated threat intelligence, asset criticality, and exploitability.
// Scoring has no side effects and no I/O: identical inputs always yield an
// identical assessment.
package risk

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
)

// Criticality is the business criticality of the affected asset.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityMedium   Criticality = "medium"
	CriticalityLow      Criticality = "low"
)

// Exploitability summarizes the vulnerability posture of the affected asset.
type Exploitability string

const (
	ExploitabilityHigh   Exploitability = "high"
	ExploitabilityMedium Exploitability = "medium"
	ExploitabilityLow    Exploitability = "low"
	ExploitabilityNone   Exploitability = "none"
)

// Valid reports whether c is a recognized criticality value.
func (c Criticality) Valid() bool {
	switch c {
	case CriticalityCritical, CriticalityHigh, CriticalityMedium, CriticalityLow:
		return true
	}
	return false
}

// Valid reports whether e is a recognized exploitability value.
func (e Exploitability) Valid() bool {
	switch e {
	case ExploitabilityHigh, ExploitabilityMedium, ExploitabilityLow, ExploitabilityNone:
		return true
	}
	return false
}

// Level is a risk band. Bands use inclusive lower bounds, so every score in
// [0,100] maps to exactly one level.
type Level string

const (
	LevelCritical Level = "critical"
	LevelHigh     Level = "high"
	LevelMedium   Level = "medium"
	LevelLow      Level = "low"
	LevelInfo     Level = "info"
)

// Tables is the versioned, immutable scoring configuration. It is loaded once
// at startup, validated, and passed into the scorer explicitly; missing
// entries are fatal at startup, never discovered at runtime.
type Tables struct {
	Version string

	Severity       map[alert.Severity]float64
	Criticality    map[Criticality]float64
	Exploitability map[Exploitability]float64

	// BaselineConfidence covers severity and asset data, which is assumed
	// reliable; IntelWeight is the share of final confidence carried by the
	// threat-intel confidence.
	BaselineConfidence float64
	IntelWeight        float64
}

// DefaultTables returns the standard scoring configuration.
func DefaultTables() Tables {
	return Tables{
		Version: "v1",
		Severity: map[alert.Severity]float64{
			alert.SeverityCritical: 10,
			alert.SeverityHigh:     8,
			alert.SeverityMedium:   5,
			alert.SeverityLow:      3,
			alert.SeverityInfo:     1,
		},
		Criticality: map[Criticality]float64{
			CriticalityCritical: 5,
			CriticalityHigh:     4,
			CriticalityMedium:   3,
			CriticalityLow:      1,
		},
		Exploitability: map[Exploitability]float64{
			ExploitabilityHigh:   5,
			ExploitabilityMedium: 3,
			ExploitabilityLow:    1,
			ExploitabilityNone:   0,
		},
		BaselineConfidence: 0.9,
		IntelWeight:        0.4,
	}
}

// Validate checks the tables are complete. An incomplete table is a
// configuration error and must abort startup.
func (t Tables) Validate() error {
	for _, s := range []alert.Severity{alert.SeverityCritical, alert.SeverityHigh, alert.SeverityMedium, alert.SeverityLow, alert.SeverityInfo} {
		if _, ok := t.Severity[s]; !ok {
			return fmt.Errorf("risk tables %s: missing severity entry %q", t.Version, s)
		}
	}
	for _, c := range []Criticality{CriticalityCritical, CriticalityHigh, CriticalityMedium, CriticalityLow} {
		if _, ok := t.Criticality[c]; !ok {
			return fmt.Errorf("risk tables %s: missing criticality entry %q", t.Version, c)
		}
	}
	for _, e := range []Exploitability{ExploitabilityHigh, ExploitabilityMedium, ExploitabilityLow, ExploitabilityNone} {
		if _, ok := t.Exploitability[e]; !ok {
			return fmt.Errorf("risk tables %s: missing exploitability entry %q", t.Version, e)
		}
	}
	if t.IntelWeight < 0 || t.IntelWeight > 1 {
		return fmt.Errorf("risk tables %s: intel weight %v outside [0,1]", t.Version, t.IntelWeight)
	}
	if t.BaselineConfidence < 0 || t.BaselineConfidence > 1 {
		return fmt.Errorf("risk tables %s: baseline confidence %v outside [0,1]", t.Version, t.BaselineConfidence)
	}
	return nil
}

// Assessment is one append-only scoring record for an alert. An alert may
// accumulate several over its life; the latest is authoritative.
type Assessment struct {
	ID      string `json:"id,omitempty"`
	AlertID string `json:"alert_id,omitempty"`

	SeverityComponent       float64 `json:"severity_component"`
	ThreatComponent         float64 `json:"threat_component"`
	AssetComponent          float64 `json:"asset_component"`
	ExploitabilityComponent float64 `json:"exploitability_component"`

	FinalScore float64 `json:"final_score"` // 0..100
	FinalLevel Level   `json:"final_level"`
	Confidence float64 `json:"confidence"` // 0..1

	TablesVersion string    `json:"tables_version"`
	ComputedAt    time.Time `json:"computed_at"`
}

// Input carries the four scoring inputs.
type Input struct {
	Severity         alert.Severity
	ThreatScore      float64 // aggregated, 0..10
	ThreatConfidence float64 // 0..1
	Criticality      Criticality
	Exploitability   Exploitability
}

const (
	weightSeverity       = 0.3
	weightThreat         = 0.3
	weightAsset          = 0.2
	weightExploitability = 0.2
)

// Scorer computes assessments against one fixed table version.
type Scorer struct {
	tables Tables
}

// NewScorer validates the tables and returns a scorer bound to them.
func NewScorer(t Tables) (*Scorer, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{tables: t}, nil
}

// Score computes the risk assessment for the given inputs. ComputedAt is left
// zero; the caller stamps it together with the record identity.
func (s *Scorer) Score(in Input) Assessment {
	t := s.tables

	sev := t.Severity[in.Severity] * 10      // 0..10 -> 0..100
	threat := clamp01to10(in.ThreatScore) * 10
	asset := t.Criticality[in.Criticality] * 20
	exploit := t.Exploitability[in.Exploitability] * 20

	final := sev*weightSeverity + threat*weightThreat + asset*weightAsset + exploit*weightExploitability
	if final < 0 {
		final = 0
	} else if final > 100 {
		final = 100
	}

	conf := t.IntelWeight*clamp01(in.ThreatConfidence) + (1-t.IntelWeight)*t.BaselineConfidence

	return Assessment{
		SeverityComponent:       sev,
		ThreatComponent:         threat,
		AssetComponent:          asset,
		ExploitabilityComponent: exploit,
		FinalScore:              final,
		FinalLevel:              LevelFor(final),
		Confidence:              conf,
		TablesVersion:           t.Version,
	}
}

// LevelFor maps a score in [0,100] to its band. Ties at a boundary belong to
// the higher band.
func LevelFor(score float64) Level {
	switch {
	case score >= 90:
		return LevelCritical
	case score >= 70:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	case score >= 20:
		return LevelLow
	default:
		return LevelInfo
	}
}

func clamp01to10(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
