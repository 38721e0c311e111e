// Package intel resolves indicators of compromise to confidence-scored
// verdicts through a layered cache backed by external intelligence providers.
package intel

import (
	"math"
	"time"
)

// IOCType classifies an indicator of compromise.
type IOCType string

const (
	IOCIP     IOCType = "ip"
	IOCDomain IOCType = "domain"
	IOCHash   IOCType = "hash"
	IOCURL    IOCType = "url"
	IOCEmail  IOCType = "email"
)

// Valid reports whether t is a known IOC type.
func (t IOCType) Valid() bool {
	switch t {
	case IOCIP, IOCDomain, IOCHash, IOCURL, IOCEmail:
		return true
	}
	return false
}

// Key returns the cache key for an indicator.
func Key(t IOCType, value string) string {
	return string(t) + ":" + value
}

// SourceScore is one provider's raw assessment of an indicator.
type SourceScore struct {
	Source   string    `json:"source"`
	Score    float64   `json:"score"` // 0..10 malicious score
	LastSeen time.Time `json:"last_seen"`
}

// Verdict is the aggregated threat assessment for one indicator. A verdict is
// never mutated in place; a refresh replaces the whole record.
type Verdict struct {
	IOCType     IOCType       `json:"ioc_type"`
	IOCValue    string        `json:"ioc_value"`
	ThreatScore float64       `json:"threat_score"` // 0..10
	Confidence  float64       `json:"confidence"`   // 0..1
	Sources     []SourceScore `json:"sources,omitempty"`
	RefreshedAt time.Time     `json:"refreshed_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

// Key returns the cache key for this verdict's indicator.
func (v *Verdict) Key() string { return Key(v.IOCType, v.IOCValue) }

// Expired reports whether the verdict is past its expiry at the given time.
func (v *Verdict) Expired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}

// NearExpiry reports whether the verdict is within grace of expiring. Used to
// trigger a background refresh while the stale value is still served.
func (v *Verdict) NearExpiry(now time.Time, grace time.Duration) bool {
	return now.Add(grace).After(v.ExpiresAt)
}

const (
	minFreshness   = 0.3
	freshnessHalf  = 30 // days until freshness floor
	minAgreement   = 0.5
	fullConfidence = 3 // responding sources for confidence 1.0
)

// aggregate merges per-source scores into a final threat score and confidence.
// Sources with no data are expected to be absent from scores, not zero.
func aggregate(scores []SourceScore, weights map[string]float64, now time.Time) (score, confidence float64) {
	if len(scores) == 0 {
		return 0, 0
	}

	var num, den float64
	for _, s := range scores {
		w, ok := weights[s.Source]
		if !ok {
			w = 1.0
		}
		days := now.Sub(s.LastSeen).Hours() / 24
		freshness := math.Max(minFreshness, 1-days/freshnessHalf)
		num += w * s.Score * freshness
		den += w
	}
	if den == 0 {
		return 0, 0
	}

	score = num / den
	if score < 0 {
		score = 0
	} else if score > 10 {
		score = 10
	}

	confidence = math.Min(1.0, float64(len(scores))/fullConfidence) * agreement(scores)
	return score, confidence
}

// agreement scales confidence down when responding sources disagree. One
// responding source has nothing to disagree with and counts as full agreement.
func agreement(scores []SourceScore) float64 {
	if len(scores) < 2 {
		return 1.0
	}
	var sum float64
	for _, s := range scores {
		sum += s.Score
	}
	mean := sum / float64(len(scores))

	var varsum float64
	for _, s := range scores {
		d := s.Score - mean
		varsum += d * d
	}
	stddev := math.Sqrt(varsum / float64(len(scores)))

	// stddev of 5 on a 0..10 scale means total disagreement
	a := 1 - stddev/5
	if a < minAgreement {
		a = minAgreement
	}
	if a > 1 {
		a = 1
	}
	return a
}
