// Package workflow owns the alert lifecycle: guarded state transitions, the
// audit history, SLA deadlines, and the background breach sweep. All mutations
// of one alert's workflow are serialized through a per-alert lock, so timer-
// driven and request-driven transitions share one consistency mechanism.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
)

// ActorLevel orders the privilege tiers that guards check.
type ActorLevel int

const (
	ActorAnalyst ActorLevel = iota + 1
	ActorSupervisor
	ActorSystem
)

// ParseActorLevel maps the wire representation to a level.
func ParseActorLevel(s string) (ActorLevel, error) {
	switch s {
	case "analyst":
		return ActorAnalyst, nil
	case "supervisor":
		return ActorSupervisor, nil
	case "system":
		return ActorSystem, nil
	}
	return 0, fmt.Errorf("unknown actor level %q", s)
}

// Actor identifies who is attempting a transition.
type Actor struct {
	ID    string
	Level ActorLevel
}

// SystemActor is used for automation-driven transitions (auto-close).
var SystemActor = Actor{ID: "system", Level: ActorSystem}

// Event is one entry in the audit history. Rejected attempts are recorded
// too; they never change state.
type Event struct {
	State    alert.Status `json:"state"`
	At       time.Time    `json:"at"`
	Actor    string       `json:"actor"`
	Reason   string       `json:"reason,omitempty"`
	Rejected bool         `json:"rejected,omitempty"`
}

// Instance is the workflow record for one alert. History is monotonic: events
// are only ever appended.
type Instance struct {
	AlertID  string         `json:"alert_id"`
	Severity alert.Severity `json:"severity"`
	Current  alert.Status   `json:"current_state"`

	CreatedAt time.Time `json:"created_at"` // alert creation; SLA legs run from here
	EnteredAt time.Time `json:"entered_at"`

	ResponseDeadline   time.Time  `json:"response_deadline"`
	ResolutionDeadline time.Time  `json:"resolution_deadline"`
	DeadlineAt         *time.Time `json:"deadline_at,omitempty"` // active leg

	AssignedTo string     `json:"assigned_to,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// Breach episode markers, reset when the breached condition clears.
	BreachedResponse   bool `json:"breached_response,omitempty"`
	BreachedResolution bool `json:"breached_resolution,omitempty"`

	History []Event `json:"history"`
}

// activeDeadline returns the deadline for the current leg: response while the
// alert sits in new, resolution until it reaches resolved, none after.
func (i *Instance) activeDeadline() *time.Time {
	switch i.Current {
	case alert.StatusNew:
		d := i.ResponseDeadline
		return &d
	case alert.StatusAssigned, alert.StatusInProgress:
		d := i.ResolutionDeadline
		return &d
	}
	return nil
}

// open reports whether the instance still participates in the SLA sweep.
func (i *Instance) open() bool {
	return i.Current != alert.StatusClosed && i.Current != alert.StatusRejected
}

// SLAPolicy holds the per-severity deadline legs, both measured from alert
// creation, plus the resolved-to-closed confirmation timeout.
type SLAPolicy struct {
	Response       map[alert.Severity]time.Duration
	Resolution     map[alert.Severity]time.Duration
	ConfirmTimeout time.Duration
}

// DefaultSLAPolicy returns the standard deadlines.
func DefaultSLAPolicy() SLAPolicy {
	return SLAPolicy{
		Response: map[alert.Severity]time.Duration{
			alert.SeverityCritical: 15 * time.Minute,
			alert.SeverityHigh:     time.Hour,
			alert.SeverityMedium:   4 * time.Hour,
			alert.SeverityLow:      24 * time.Hour,
			alert.SeverityInfo:     72 * time.Hour,
		},
		Resolution: map[alert.Severity]time.Duration{
			alert.SeverityCritical: 4 * time.Hour,
			alert.SeverityHigh:     24 * time.Hour,
			alert.SeverityMedium:   3 * 24 * time.Hour,
			alert.SeverityLow:      7 * 24 * time.Hour,
			alert.SeverityInfo:     14 * 24 * time.Hour,
		},
		ConfirmTimeout: 24 * time.Hour,
	}
}

// Validate checks every severity has both legs. Missing entries abort startup.
func (p SLAPolicy) Validate() error {
	for _, s := range []alert.Severity{alert.SeverityCritical, alert.SeverityHigh, alert.SeverityMedium, alert.SeverityLow, alert.SeverityInfo} {
		if _, ok := p.Response[s]; !ok {
			return fmt.Errorf("sla policy: missing response deadline for %q", s)
		}
		if _, ok := p.Resolution[s]; !ok {
			return fmt.Errorf("sla policy: missing resolution deadline for %q", s)
		}
	}
	if p.ConfirmTimeout <= 0 {
		return errors.New("sla policy: confirm timeout must be positive")
	}
	return nil
}

// ErrInvalidTransition is matched by errors.Is for any guard failure.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrInstanceNotFound is returned for operations on an alert with no
// workflow instance.
var ErrInstanceNotFound = errors.New("workflow instance not found")

// InvalidTransitionError reports a transition attempt that failed its guard.
// The attempt is a no-op on state but is recorded in history.
type InvalidTransitionError struct {
	From   alert.Status
	To     alert.Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// rule guards one edge of the transition table.
type rule struct {
	minLevel      ActorLevel
	needsAssignee bool
	needsReason   bool
}

// transitions is the complete lifecycle table. Anything absent here is
// rejected.
var transitions = map[alert.Status]map[alert.Status]rule{
	alert.StatusNew: {
		alert.StatusAssigned: {needsAssignee: true},
		alert.StatusRejected: {minLevel: ActorAnalyst}, // false positive
	},
	alert.StatusAssigned: {
		alert.StatusInProgress: {}, // acknowledgement
		alert.StatusNew:        {}, // unassignment
	},
	alert.StatusInProgress: {
		alert.StatusResolved: {minLevel: ActorAnalyst},
		alert.StatusNew:      {}, // reassignment
	},
	alert.StatusResolved: {
		alert.StatusClosed:     {}, // confirmation, or automatic after timeout
		alert.StatusInProgress: {}, // reopen
	},
	alert.StatusRejected: {
		alert.StatusInProgress: {minLevel: ActorSupervisor, needsReason: true},
	},
	alert.StatusClosed: {
		alert.StatusInProgress: {minLevel: ActorSupervisor, needsReason: true}, // new evidence
	},
}

// Request describes one transition attempt.
type Request struct {
	To       alert.Status
	Actor    Actor
	Assignee string // required for new -> assigned
	Reason   string
}

// TransitionEvent is emitted to the notification collaborator on every
// applied transition.
type TransitionEvent struct {
	AlertID    string
	From, To   alert.Status
	Actor      string
	Reason     string
	DeadlineAt *time.Time
}

// BreachEvent is emitted once per SLA breach episode.
type BreachEvent struct {
	AlertID    string
	Leg        string // "response" or "resolution"
	Severity   alert.Severity
	Deadline   time.Time
	AssignedTo string
	Manager    string // escalation target, response leg only
	Escalated  bool
}

// Notifier receives fire-and-forget lifecycle events.
type Notifier interface {
	NotifyTransition(ctx context.Context, e *TransitionEvent)
	NotifyBreach(ctx context.Context, e *BreachEvent)
}

// Store persists workflow instances. SaveInstance must atomically write the
// instance together with the alert record's status/assignee/deadline so the
// state+history pair can never diverge.
type Store interface {
	GetInstance(ctx context.Context, alertID string) (*Instance, bool, error)
	SaveInstance(ctx context.Context, i *Instance) error
	ListOpenInstances(ctx context.Context) ([]*Instance, error)
}

// ManagerLookup resolves the escalation target for an assignee. Best-effort:
// an error leaves the breach event without a manager.
type ManagerLookup func(ctx context.Context, assignee string) (string, error)

// Hooks receives machine observations, wired to Prometheus by main.
type Hooks struct {
	OnTransition func(to string, rejected bool)
	OnBreach     func(leg string)
}

func (h Hooks) transition(to alert.Status, rejected bool) {
	if h.OnTransition != nil {
		h.OnTransition(string(to), rejected)
	}
}

func (h Hooks) breach(leg string) {
	if h.OnBreach != nil {
		h.OnBreach(leg)
	}
}
