package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/risk"
	"github.com/linnemanlabs/warden/internal/triage/pgstore"
	"github.com/linnemanlabs/warden/internal/workflow"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("WARDEN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WARDEN_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testAlert(id string, now time.Time) *alert.Alert {
	return &alert.Alert{
		ID:       id,
		Source:   "edr",
		Title:    "suspicious outbound connection",
		Severity: alert.SeverityHigh,
		Status:   alert.StatusNew,
		AssetID:  "web-01",
		Indicators: []alert.Indicator{
			{Type: "ip", Value: "203.0.113.7"},
		},
		Tags:      []string{"c2"},
		CreatedAt: now,
	}
}

func TestAlertRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	a := testAlert("test-alert-rt-001", now)

	if err := s.PutAlert(ctx, a); err != nil {
		t.Fatalf("PutAlert: %v", err)
	}

	got, ok, err := s.GetAlert(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if !ok {
		t.Fatal("GetAlert returned ok=false, want true")
	}

	assertEqual(t, "ID", a.ID, got.ID)
	assertEqual(t, "Source", a.Source, got.Source)
	assertEqual(t, "Title", a.Title, got.Title)
	assertEqual(t, "Severity", string(a.Severity), string(got.Severity))
	assertEqual(t, "Status", string(a.Status), string(got.Status))
	assertEqual(t, "AssetID", a.AssetID, got.AssetID)
	if len(got.Indicators) != 1 || got.Indicators[0].Value != "203.0.113.7" {
		t.Errorf("Indicators mismatch: got %v", got.Indicators)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "c2" {
		t.Errorf("Tags mismatch: got %v", got.Tags)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, now)
	}
}

func TestGetAlertMissing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.GetAlert(ctx, "nonexistent-id")
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if ok {
		t.Error("GetAlert returned ok=true for nonexistent ID")
	}
}

func TestRecordAssessmentHistory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	a := testAlert("test-assess-001", now)
	if err := s.PutAlert(ctx, a); err != nil {
		t.Fatalf("PutAlert: %v", err)
	}

	for i, score := range []float64{55, 72} {
		as := &risk.Assessment{
			ID:            a.ID + "-as-" + string(rune('a'+i)),
			AlertID:       a.ID,
			FinalScore:    score,
			FinalLevel:    risk.LevelFor(score),
			Confidence:    0.9,
			TablesVersion: "v1",
			ComputedAt:    now.Add(time.Duration(i) * time.Second),
		}
		a.RiskScore = &as.FinalScore
		a.RiskLevel = string(as.FinalLevel)
		if err := s.RecordAssessment(ctx, a, as); err != nil {
			t.Fatalf("RecordAssessment: %v", err)
		}
	}

	history, err := s.Assessments(ctx, a.ID)
	if err != nil {
		t.Fatalf("Assessments: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d, want 2", len(history))
	}
	if history[0].FinalScore != 55 || history[1].FinalScore != 72 {
		t.Errorf("history order: %v, %v", history[0].FinalScore, history[1].FinalScore)
	}

	latest, ok, err := s.LatestAssessment(ctx, a.ID)
	if err != nil || !ok {
		t.Fatalf("LatestAssessment: ok=%v err=%v", ok, err)
	}
	assertEqual(t, "latest score", 72.0, latest.FinalScore)

	got, _, _ := s.GetAlert(ctx, a.ID)
	if got.RiskScore == nil || *got.RiskScore != 72 {
		t.Errorf("alert risk fields not updated: %v", got.RiskScore)
	}
}

func TestInstanceRoundTripAndSync(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	a := testAlert("test-wf-001", now)
	if err := s.PutAlert(ctx, a); err != nil {
		t.Fatalf("PutAlert: %v", err)
	}

	deadline := now.Add(time.Hour)
	inst := &workflow.Instance{
		AlertID:            a.ID,
		Severity:           a.Severity,
		Current:            alert.StatusAssigned,
		CreatedAt:          now,
		EnteredAt:          now,
		ResponseDeadline:   now.Add(time.Hour),
		ResolutionDeadline: now.Add(24 * time.Hour),
		DeadlineAt:         &deadline,
		AssignedTo:         "alice",
		History: []workflow.Event{
			{State: alert.StatusNew, At: now, Actor: "system"},
			{State: alert.StatusAssigned, At: now, Actor: "alice"},
		},
	}
	if err := s.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	got, ok, err := s.GetInstance(ctx, a.ID)
	if err != nil || !ok {
		t.Fatalf("GetInstance: ok=%v err=%v", ok, err)
	}
	assertEqual(t, "Current", string(alert.StatusAssigned), string(got.Current))
	assertEqual(t, "AssignedTo", "alice", got.AssignedTo)
	if len(got.History) != 2 || got.History[1].State != alert.StatusAssigned {
		t.Errorf("history mismatch: %+v", got.History)
	}

	// alert synced in the same transaction
	ga, _, _ := s.GetAlert(ctx, a.ID)
	assertEqual(t, "alert status", string(alert.StatusAssigned), string(ga.Status))
	assertEqual(t, "alert assignee", "alice", ga.AssignedTo)

	open, err := s.ListOpenInstances(ctx)
	if err != nil {
		t.Fatalf("ListOpenInstances: %v", err)
	}
	found := false
	for _, i := range open {
		if i.AlertID == a.ID {
			found = true
		}
	}
	if !found {
		t.Error("assigned instance missing from open list")
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
