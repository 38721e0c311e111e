package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/alert"
)

func sweepMachine(t *testing.T, n Notifier, managers ManagerLookup) (*Machine, *memStore) {
	t.Helper()
	store := newMemStore()
	m, err := NewMachine(store, DefaultSLAPolicy(), n, managers, log.Nop(), Hooks{})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m, store
}

func TestSweep_ResponseBreachOncePerEpisode(t *testing.T) {
	t.Parallel()

	n := newChanNotifier()
	m, _ := sweepMachine(t, n, nil)
	ctx := context.Background()

	created := time.Now().Add(-2 * time.Hour) // critical response SLA is 15m
	if _, err := m.Start(ctx, "a-b1", alert.SeverityCritical, created); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for sweep := 0; sweep < 3; sweep++ {
		if _, err := m.Sweep(ctx); err != nil {
			t.Fatalf("Sweep %d: %v", sweep, err)
		}
	}

	select {
	case e := <-n.breaches:
		if e.Leg != "response" {
			t.Errorf("leg = %q, want response", e.Leg)
		}
		if !e.Escalated {
			t.Error("response breach should escalate")
		}
	case <-time.After(time.Second):
		t.Fatal("no breach event received")
	}

	select {
	case e := <-n.breaches:
		// a resolution breach for the same alert is fine; a second response
		// breach within the episode is not
		if e.Leg == "response" {
			t.Fatal("duplicate response breach within one episode")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSweep_NewEpisodeAfterStateBounce(t *testing.T) {
	t.Parallel()

	n := newChanNotifier()
	m, _ := sweepMachine(t, n, nil)
	ctx := context.Background()

	created := time.Now().Add(-30 * time.Minute)
	if _, err := m.Start(ctx, "a-b2", alert.SeverityCritical, created); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	<-n.breaches // first episode

	// leaving new ends the episode; bouncing back past-deadline starts a new one
	mustTransition(t, m, "a-b2", Request{To: alert.StatusAssigned, Actor: analyst, Assignee: "jdoe"})
	drainTransitions(n)
	mustTransition(t, m, "a-b2", Request{To: alert.StatusNew, Actor: analyst})
	drainTransitions(n)

	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	select {
	case e := <-n.breaches:
		if e.Leg != "response" {
			t.Errorf("leg = %q, want response for new episode", e.Leg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a breach for the new episode")
	}
}

func drainTransitions(n *chanNotifier) {
	for {
		select {
		case <-n.transitions:
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestSweep_EscalatesToManager(t *testing.T) {
	t.Parallel()

	n := newChanNotifier()
	managers := func(_ context.Context, assignee string) (string, error) {
		return "mgr-of-" + assignee, nil
	}
	m, _ := sweepMachine(t, n, managers)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour)
	if _, err := m.Start(ctx, "a-b3", alert.SeverityCritical, created); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	select {
	case e := <-n.breaches:
		if e.Manager != "mgr-of-" {
			t.Errorf("manager = %q, want lookup result for unassigned alert", e.Manager)
		}
	case <-time.After(time.Second):
		t.Fatal("no breach event received")
	}
}

func TestSweep_ResolutionBreach(t *testing.T) {
	t.Parallel()

	n := newChanNotifier()
	m, _ := sweepMachine(t, n, nil)
	ctx := context.Background()

	// past the critical resolution SLA (4h) but responded to in time
	created := time.Now().Add(-5 * time.Hour)
	if _, err := m.Start(ctx, "a-b4", alert.SeverityCritical, created); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustTransition(t, m, "a-b4", Request{To: alert.StatusAssigned, Actor: analyst, Assignee: "jdoe"})
	mustTransition(t, m, "a-b4", Request{To: alert.StatusInProgress, Actor: analyst})
	drainTransitions(n)

	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	select {
	case e := <-n.breaches:
		if e.Leg != "resolution" {
			t.Errorf("leg = %q, want resolution", e.Leg)
		}
		if e.Escalated {
			t.Error("resolution breach should not escalate")
		}
		if e.AssignedTo != "jdoe" {
			t.Errorf("assigned_to = %q, want jdoe", e.AssignedTo)
		}
	case <-time.After(time.Second):
		t.Fatal("no breach event received")
	}
}

func TestSweep_AutoCloseAfterConfirmTimeout(t *testing.T) {
	t.Parallel()

	m, _ := sweepMachine(t, nil, nil)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	if _, err := m.Start(ctx, "a-b5", alert.SeverityLow, base); err != nil {
		t.Fatalf("Start: %v", err)
	}
	mustTransition(t, m, "a-b5", Request{To: alert.StatusAssigned, Actor: analyst, Assignee: "jdoe"})
	mustTransition(t, m, "a-b5", Request{To: alert.StatusInProgress, Actor: analyst})
	mustTransition(t, m, "a-b5", Request{To: alert.StatusResolved, Actor: analyst})

	// not yet past the confirmation window
	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	i, _, _ := m.Get(ctx, "a-b5")
	if i.Current != alert.StatusResolved {
		t.Fatalf("state = %q, want still resolved", i.Current)
	}

	m.now = func() time.Time { return base.Add(25 * time.Hour) }
	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	i, _, _ = m.Get(ctx, "a-b5")
	if i.Current != alert.StatusClosed {
		t.Fatalf("state = %q, want auto-closed", i.Current)
	}
	last := i.History[len(i.History)-1]
	if last.Actor != SystemActor.ID {
		t.Errorf("auto-close actor = %q, want system", last.Actor)
	}
}

func TestSweeper_RunsOnInterval(t *testing.T) {
	t.Parallel()

	n := newChanNotifier()
	m, _ := sweepMachine(t, n, nil)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour)
	if _, err := m.Start(ctx, "a-b6", alert.SeverityCritical, created); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s := NewSweeper(m, 20*time.Millisecond, log.Nop())
	s.Start(ctx)
	defer s.Stop()

	select {
	case e := <-n.breaches:
		if e.AlertID != "a-b6" {
			t.Errorf("alert id = %q", e.AlertID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never fired")
	}
}
