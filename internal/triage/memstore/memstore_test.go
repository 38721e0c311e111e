package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/risk"
	"github.com/linnemanlabs/warden/internal/workflow"
)

func testAlert(id string) *alert.Alert {
	return &alert.Alert{
		ID:        id,
		Source:    "edr",
		Title:     "suspicious process",
		Severity:  alert.SeverityHigh,
		Status:    alert.StatusNew,
		CreatedAt: time.Now(),
	}
}

func TestAlertRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if _, ok, _ := s.GetAlert(ctx, "missing"); ok {
		t.Fatal("unexpected hit for missing alert")
	}

	a := testAlert("a-1")
	if err := s.PutAlert(ctx, a); err != nil {
		t.Fatalf("PutAlert: %v", err)
	}

	got, ok, err := s.GetAlert(ctx, "a-1")
	if err != nil || !ok {
		t.Fatalf("GetAlert: ok=%v err=%v", ok, err)
	}
	if got.Title != "suspicious process" {
		t.Errorf("title = %q", got.Title)
	}

	// returned record is a copy
	got.Title = "mutated"
	again, _, _ := s.GetAlert(ctx, "a-1")
	if again.Title != "suspicious process" {
		t.Error("mutating the returned alert changed the store")
	}
}

func TestListAlerts_FilterAndOrder(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		a := testAlert(fmt.Sprintf("a-%d", i))
		a.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i == 1 {
			a.Status = alert.StatusClosed
		}
		s.PutAlert(ctx, a)
	}

	open, err := s.ListAlerts(ctx, alert.StatusNew, 0)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open alerts = %d, want 2", len(open))
	}
	if open[0].ID != "a-2" {
		t.Errorf("newest first: got %s", open[0].ID)
	}

	all, _ := s.ListAlerts(ctx, "", 2)
	if len(all) != 2 {
		t.Errorf("limit ignored: got %d", len(all))
	}
}

func TestRecordAssessment_AppendOnly(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	a := testAlert("a-1")
	s.PutAlert(ctx, a)

	for i, score := range []float64{55, 72} {
		as := &risk.Assessment{
			ID:         fmt.Sprintf("as-%d", i),
			AlertID:    "a-1",
			FinalScore: score,
			FinalLevel: risk.LevelFor(score),
		}
		a.RiskScore = &as.FinalScore
		a.RiskLevel = string(as.FinalLevel)
		if err := s.RecordAssessment(ctx, a, as); err != nil {
			t.Fatalf("RecordAssessment: %v", err)
		}
	}

	history, err := s.Assessments(ctx, "a-1")
	if err != nil {
		t.Fatalf("Assessments: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].FinalScore != 55 || history[1].FinalScore != 72 {
		t.Errorf("history order wrong: %v, %v", history[0].FinalScore, history[1].FinalScore)
	}

	latest, ok, _ := s.LatestAssessment(ctx, "a-1")
	if !ok || latest.FinalScore != 72 {
		t.Errorf("latest = %+v", latest)
	}

	got, _, _ := s.GetAlert(ctx, "a-1")
	if got.RiskScore == nil || *got.RiskScore != 72 {
		t.Errorf("alert risk fields not updated: %+v", got.RiskScore)
	}
}

func TestSaveInstance_SyncsAlert(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	s.PutAlert(ctx, testAlert("a-1"))

	deadline := time.Now().Add(time.Hour)
	inst := &workflow.Instance{
		AlertID:    "a-1",
		Severity:   alert.SeverityHigh,
		Current:    alert.StatusAssigned,
		AssignedTo: "alice",
		DeadlineAt: &deadline,
	}
	if err := s.SaveInstance(ctx, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	a, _, _ := s.GetAlert(ctx, "a-1")
	if a.Status != alert.StatusAssigned || a.AssignedTo != "alice" {
		t.Errorf("alert not synced: status=%s assignee=%s", a.Status, a.AssignedTo)
	}
	if a.SLADeadline == nil || !a.SLADeadline.Equal(deadline) {
		t.Errorf("deadline not synced: %v", a.SLADeadline)
	}

	got, ok, _ := s.GetInstance(ctx, "a-1")
	if !ok || got.Current != alert.StatusAssigned {
		t.Errorf("instance = %+v", got)
	}
}

func TestListOpenInstances_ExcludesClosed(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	s.SaveInstance(ctx, &workflow.Instance{AlertID: "open", Current: alert.StatusInProgress})
	s.SaveInstance(ctx, &workflow.Instance{AlertID: "done", Current: alert.StatusClosed})

	open, err := s.ListOpenInstances(ctx)
	if err != nil {
		t.Fatalf("ListOpenInstances: %v", err)
	}
	if len(open) != 1 || open[0].AlertID != "open" {
		t.Errorf("open = %+v", open)
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("a-%d", n)
			s.PutAlert(ctx, testAlert(id))
			s.SaveInstance(ctx, &workflow.Instance{AlertID: id, Current: alert.StatusNew})
			s.GetAlert(ctx, id)
			s.ListAlerts(ctx, "", 0)
		}(i)
	}
	wg.Wait()

	all, _ := s.ListAlerts(ctx, "", 0)
	if len(all) != 20 {
		t.Errorf("alerts = %d, want 20", len(all))
	}
}
