package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/alert"
)

// Machine drives alert lifecycles against the transition table. Concurrent
// transition attempts on the same alert are serialized by a per-alert lock,
// so two simultaneous calls can never both apply against a stale state.
type Machine struct {
	store    Store
	sla      SLAPolicy
	notifier Notifier
	managers ManagerLookup
	logger   log.Logger
	hooks    Hooks

	mu    sync.Mutex
	locks map[string]*alertLock

	now func() time.Time
}

// alertLock serializes work on one alert. refs counts holders and waiters so
// the table entry can be dropped as soon as the alert is uncontended; the
// table never grows past the number of in-flight operations.
type alertLock struct {
	mu   sync.Mutex
	refs int
}

// NewMachine validates the SLA policy and returns a machine. notifier and
// managers may be nil.
func NewMachine(store Store, sla SLAPolicy, notifier Notifier, managers ManagerLookup, logger log.Logger, hooks Hooks) (*Machine, error) {
	if err := sla.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Machine{
		store:    store,
		sla:      sla,
		notifier: notifier,
		managers: managers,
		logger:   logger,
		hooks:    hooks,
		locks:    make(map[string]*alertLock),
		now:      time.Now,
	}, nil
}

// lock acquires the per-alert mutex. Callers must release it with unlock.
func (m *Machine) lock(alertID string) *alertLock {
	m.mu.Lock()
	l, ok := m.locks[alertID]
	if !ok {
		l = &alertLock{}
		m.locks[alertID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return l
}

func (m *Machine) unlock(alertID string, l *alertLock) {
	l.mu.Unlock()

	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, alertID)
	}
	m.mu.Unlock()
}

// Start creates the workflow instance for an alert, entering state new with
// deadlines derived from the alert's creation time. Idempotent: a duplicate
// delivery of the same alert id returns the existing instance unchanged.
func (m *Machine) Start(ctx context.Context, alertID string, severity alert.Severity, createdAt time.Time) (*Instance, error) {
	l := m.lock(alertID)
	defer m.unlock(alertID, l)

	if existing, ok, err := m.store.GetInstance(ctx, alertID); err != nil {
		return nil, fmt.Errorf("load instance %s: %w", alertID, err)
	} else if ok {
		return existing, nil
	}

	now := m.now()
	i := &Instance{
		AlertID:            alertID,
		Severity:           severity,
		Current:            alert.StatusNew,
		CreatedAt:          createdAt,
		EnteredAt:          now,
		ResponseDeadline:   createdAt.Add(m.sla.Response[severity]),
		ResolutionDeadline: createdAt.Add(m.sla.Resolution[severity]),
		History: []Event{{
			State: alert.StatusNew,
			At:    now,
			Actor: SystemActor.ID,
		}},
	}
	i.DeadlineAt = i.activeDeadline()

	if err := m.store.SaveInstance(ctx, i); err != nil {
		return nil, fmt.Errorf("save instance %s: %w", alertID, err)
	}
	return i, nil
}

// Get returns the current instance.
func (m *Machine) Get(ctx context.Context, alertID string) (*Instance, bool, error) {
	return m.store.GetInstance(ctx, alertID)
}

// Transition attempts one transition. Guard failures return an error matching
// ErrInvalidTransition, leave state unchanged, and are recorded in history as
// rejected attempts for audit.
func (m *Machine) Transition(ctx context.Context, alertID string, req Request) (*Instance, error) {
	l := m.lock(alertID)
	defer m.unlock(alertID, l)

	i, ok, err := m.store.GetInstance(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", alertID, err)
	}
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrInstanceNotFound)
	}

	return m.transitionLocked(ctx, i, req)
}

// transitionLocked applies one transition to a loaded instance. The caller
// must hold the per-alert lock.
func (m *Machine) transitionLocked(ctx context.Context, i *Instance, req Request) (*Instance, error) {
	now := m.now()

	if reason := checkGuard(i, req); reason != "" {
		i.History = append(i.History, Event{
			State:    req.To,
			At:       now,
			Actor:    req.Actor.ID,
			Reason:   reason,
			Rejected: true,
		})
		if err := m.store.SaveInstance(ctx, i); err != nil {
			return nil, fmt.Errorf("record rejected attempt %s: %w", i.AlertID, err)
		}
		m.hooks.transition(req.To, true)
		return i, &InvalidTransitionError{From: i.Current, To: req.To, Reason: reason}
	}

	from := i.Current

	// condition-clearing resets end the breach episode for the leg
	if from == alert.StatusNew {
		i.BreachedResponse = false
	}
	if req.To == alert.StatusResolved {
		i.BreachedResolution = false
	}

	switch req.To {
	case alert.StatusAssigned:
		i.AssignedTo = req.Assignee
	case alert.StatusNew:
		i.AssignedTo = ""
	case alert.StatusResolved:
		t := now
		i.ResolvedAt = &t
	case alert.StatusInProgress:
		if from == alert.StatusResolved || from == alert.StatusClosed || from == alert.StatusRejected {
			i.ResolvedAt = nil
		}
	}

	i.Current = req.To
	i.EnteredAt = now
	i.DeadlineAt = i.activeDeadline()
	i.History = append(i.History, Event{
		State:  req.To,
		At:     now,
		Actor:  req.Actor.ID,
		Reason: req.Reason,
	})

	if err := m.store.SaveInstance(ctx, i); err != nil {
		return nil, fmt.Errorf("save instance %s: %w", i.AlertID, err)
	}

	m.hooks.transition(req.To, false)
	m.notifyTransition(ctx, &TransitionEvent{
		AlertID:    i.AlertID,
		From:       from,
		To:         req.To,
		Actor:      req.Actor.ID,
		Reason:     req.Reason,
		DeadlineAt: i.DeadlineAt,
	})

	return i, nil
}

// checkGuard returns a rejection reason, or "" when the transition may apply.
func checkGuard(i *Instance, req Request) string {
	allowed, ok := transitions[i.Current]
	if !ok {
		return "no transitions from state " + string(i.Current)
	}
	r, ok := allowed[req.To]
	if !ok {
		return "transition not in lifecycle table"
	}
	if r.minLevel > 0 && req.Actor.Level < r.minLevel {
		return "actor lacks required privilege"
	}
	if r.needsAssignee && req.Assignee == "" {
		return "assignee required"
	}
	if r.needsReason && req.Reason == "" {
		return "reason required"
	}
	return ""
}

// Assign moves new -> assigned with the given assignee.
func (m *Machine) Assign(ctx context.Context, alertID, assignee string, actor Actor) (*Instance, error) {
	return m.Transition(ctx, alertID, Request{To: alert.StatusAssigned, Actor: actor, Assignee: assignee})
}

// Acknowledge moves assigned -> in_progress.
func (m *Machine) Acknowledge(ctx context.Context, alertID string, actor Actor) (*Instance, error) {
	return m.Transition(ctx, alertID, Request{To: alert.StatusInProgress, Actor: actor})
}

// Unassign moves assigned -> new or in_progress -> new.
func (m *Machine) Unassign(ctx context.Context, alertID string, actor Actor, reason string) (*Instance, error) {
	return m.Transition(ctx, alertID, Request{To: alert.StatusNew, Actor: actor, Reason: reason})
}

// Resolve moves in_progress -> resolved. Requires analyst level.
func (m *Machine) Resolve(ctx context.Context, alertID string, actor Actor, reason string) (*Instance, error) {
	return m.Transition(ctx, alertID, Request{To: alert.StatusResolved, Actor: actor, Reason: reason})
}

// Close confirms resolved -> closed.
func (m *Machine) Close(ctx context.Context, alertID string, actor Actor) (*Instance, error) {
	return m.Transition(ctx, alertID, Request{To: alert.StatusClosed, Actor: actor})
}

// Reject marks a new alert as a false positive. Requires analyst level.
func (m *Machine) Reject(ctx context.Context, alertID string, actor Actor, reason string) (*Instance, error) {
	return m.Transition(ctx, alertID, Request{To: alert.StatusRejected, Actor: actor, Reason: reason})
}

// Reopen re-enters in_progress from resolved, rejected, or closed. The
// rejected and closed edges require a supervisor and a stated reason.
func (m *Machine) Reopen(ctx context.Context, alertID string, actor Actor, reason string) (*Instance, error) {
	return m.Transition(ctx, alertID, Request{To: alert.StatusInProgress, Actor: actor, Reason: reason})
}

func (m *Machine) notifyTransition(ctx context.Context, e *TransitionEvent) {
	if m.notifier == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go m.notifier.NotifyTransition(bg, e)
}

func (m *Machine) notifyBreach(ctx context.Context, e *BreachEvent) {
	if m.notifier == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go m.notifier.NotifyBreach(bg, e)
}
