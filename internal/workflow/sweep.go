package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/alert"
)

// Sweep scans open instances for SLA breaches and overdue auto-closes. It is
// safe to run repeatedly or late: breach events are emitted at most once per
// episode, and a missed interval only means escalation fires slightly later.
func (m *Machine) Sweep(ctx context.Context) (int, error) {
	open, err := m.store.ListOpenInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open instances: %w", err)
	}

	breaches := 0
	for _, snap := range open {
		if ctx.Err() != nil {
			return breaches, ctx.Err()
		}
		n, err := m.sweepOne(ctx, snap.AlertID)
		if err != nil {
			m.logger.Error(ctx, err, "sweep failed for alert", "alert_id", snap.AlertID)
			continue
		}
		breaches += n
	}
	return breaches, nil
}

// sweepOne re-loads the instance under its lock so the sweep and request
// traffic serialize on the same point.
func (m *Machine) sweepOne(ctx context.Context, alertID string) (int, error) {
	l := m.lock(alertID)
	defer m.unlock(alertID, l)

	i, ok, err := m.store.GetInstance(ctx, alertID)
	if err != nil {
		return 0, err
	}
	if !ok || !i.open() {
		return 0, nil
	}

	now := m.now()
	breaches := 0

	// response leg: alert still in new past the response deadline; escalate
	// the assignee chain without changing state
	if i.Current == alert.StatusNew && now.After(i.ResponseDeadline) && !i.BreachedResponse {
		i.BreachedResponse = true
		if err := m.store.SaveInstance(ctx, i); err != nil {
			return breaches, fmt.Errorf("mark response breach: %w", err)
		}
		m.hooks.breach("response")
		m.notifyBreach(ctx, m.responseBreachEvent(ctx, i))
		breaches++
	}

	// resolution leg: not yet resolved past the resolution deadline
	if notResolved(i.Current) && now.After(i.ResolutionDeadline) && !i.BreachedResolution {
		i.BreachedResolution = true
		if err := m.store.SaveInstance(ctx, i); err != nil {
			return breaches, fmt.Errorf("mark resolution breach: %w", err)
		}
		m.hooks.breach("resolution")
		m.notifyBreach(ctx, &BreachEvent{
			AlertID:    i.AlertID,
			Leg:        "resolution",
			Severity:   i.Severity,
			Deadline:   i.ResolutionDeadline,
			AssignedTo: i.AssignedTo,
		})
		breaches++
	}

	// resolved alerts close automatically once the confirmation window passes
	if i.Current == alert.StatusResolved && i.ResolvedAt != nil &&
		now.Sub(*i.ResolvedAt) >= m.sla.ConfirmTimeout {
		if _, err := m.transitionLocked(ctx, i, Request{
			To:     alert.StatusClosed,
			Actor:  SystemActor,
			Reason: "confirmation timeout",
		}); err != nil {
			return breaches, fmt.Errorf("auto-close: %w", err)
		}
	}

	return breaches, nil
}

func (m *Machine) responseBreachEvent(ctx context.Context, i *Instance) *BreachEvent {
	e := &BreachEvent{
		AlertID:    i.AlertID,
		Leg:        "response",
		Severity:   i.Severity,
		Deadline:   i.ResponseDeadline,
		AssignedTo: i.AssignedTo,
		Escalated:  true,
	}
	if m.managers != nil {
		manager, err := m.managers(ctx, i.AssignedTo)
		if err != nil {
			m.logger.Warn(ctx, "manager lookup failed", "alert_id", i.AlertID, "error", err)
		} else {
			e.Manager = manager
		}
	}
	return e
}

func notResolved(s alert.Status) bool {
	switch s {
	case alert.StatusNew, alert.StatusAssigned, alert.StatusInProgress:
		return true
	}
	return false
}

// Sweeper runs the SLA sweep on a fixed interval, independent of request
// traffic. At-least-once: a skipped tick is tolerated.
type Sweeper struct {
	machine  *Machine
	interval time.Duration
	logger   log.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper over the given machine.
func NewSweeper(machine *Machine, interval time.Duration, logger log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sweeper{
		machine:  machine,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info(ctx, "sla sweeper started", "interval", s.interval.String())
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			breaches, err := s.machine.Sweep(ctx)
			if err != nil {
				s.logger.Error(ctx, err, "sla sweep failed")
				continue
			}
			if breaches > 0 {
				s.logger.Info(ctx, "sla sweep complete", "breaches", breaches)
			}
		}
	}
}
