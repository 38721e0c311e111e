package triage

import (
	"context"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/risk"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// Store is the persistence interface for the triage engine. It covers the
// alert record, its append-only assessment history, and the workflow
// instance. RecordAssessment must write the assessment and the alert's risk
// fields atomically so the two can never diverge.
type Store interface {
	workflow.Store

	GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error)
	PutAlert(ctx context.Context, a *alert.Alert) error
	// ListAlerts returns alerts filtered by status, newest first. An empty
	// status returns all alerts.
	ListAlerts(ctx context.Context, status alert.Status, limit int) ([]*alert.Alert, error)

	RecordAssessment(ctx context.Context, a *alert.Alert, as *risk.Assessment) error
	Assessments(ctx context.Context, alertID string) ([]*risk.Assessment, error)
	LatestAssessment(ctx context.Context, alertID string) (*risk.Assessment, bool, error)
}
