// Package alert defines the normalized security alert record that enters the
// triage pipeline, along with its validation rules.
package alert

import (
	"strconv"
	"time"
)

// Severity is the reported severity of an alert as classified by its source.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Status tracks where an alert is in its operational lifecycle. Transitions
// between statuses are owned by the workflow state machine.
type Status string

const (
	StatusNew        Status = "new"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusRejected   Status = "rejected"
	StatusClosed     Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusAssigned, StatusInProgress, StatusResolved, StatusRejected, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether s ends the lifecycle. Rejected is terminal unless
// explicitly reopened by a supervisor.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusRejected
}

// Indicator is an observable attached to an alert, resolved against threat
// intelligence during enrichment.
type Indicator struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Alert is the normalized alert record. ID is immutable; mutable fields are
// only written by the orchestrator and the workflow state machine. Alerts are
// never deleted, only closed.
type Alert struct {
	ID          string      `json:"alert_id"`
	Source      string      `json:"source"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Severity    Severity    `json:"severity"`
	Status      Status      `json:"status"`
	AssetID     string      `json:"asset_id,omitempty"`
	Indicators  []Indicator `json:"indicators,omitempty"`
	Tags        []string    `json:"tags,omitempty"`

	// Set by the orchestrator once at least one risk assessment exists.
	RiskScore *float64 `json:"risk_score,omitempty"`
	RiskLevel string   `json:"risk_level,omitempty"`

	// Set when enrichment or analysis degraded and an analyst must look.
	RequiresHumanReview bool `json:"requires_human_review,omitempty"`

	// Narrative analysis output, advisory only.
	Analysis           string   `json:"analysis,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`

	AssignedTo  string     `json:"assigned_to,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SLADeadline *time.Time `json:"sla_deadline,omitempty"`
}

// ValidationError reports a malformed alert record. Alerts failing validation
// are rejected at the ingestion boundary and never enter the state machine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid alert: " + e.Field + ": " + e.Reason
}

var validIndicatorTypes = map[string]bool{
	"ip":     true,
	"domain": true,
	"hash":   true,
	"url":    true,
	"email":  true,
}

// Validate checks the record for ingestion. It returns a *ValidationError
// describing the first problem found, or nil.
func (a *Alert) Validate() error {
	if a.ID == "" {
		return &ValidationError{Field: "alert_id", Reason: "required"}
	}
	if a.Title == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if !a.Severity.Valid() {
		return &ValidationError{Field: "severity", Reason: "unknown value " + string(a.Severity)}
	}
	for i, ind := range a.Indicators {
		if ind.Value == "" {
			return &ValidationError{Field: "indicators", Reason: "empty value at index " + strconv.Itoa(i)}
		}
		if !validIndicatorTypes[ind.Type] {
			return &ValidationError{Field: "indicators", Reason: "unknown type " + ind.Type}
		}
	}
	return nil
}
