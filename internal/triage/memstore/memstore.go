// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/risk"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// Store holds alerts, assessments, and workflow instances in memory.
// Suitable for dev/testing.
type Store struct {
	mu          sync.RWMutex
	alerts      map[string]*alert.Alert
	assessments map[string][]*risk.Assessment // alert ID -> append-only history
	instances   map[string]*workflow.Instance
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		alerts:      make(map[string]*alert.Alert),
		assessments: make(map[string][]*risk.Assessment),
		instances:   make(map[string]*workflow.Instance),
	}
}

// GetAlert retrieves an alert by ID. Returns a copy.
func (s *Store) GetAlert(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return copyAlert(a), true, nil
}

// PutAlert stores a copy of the alert.
func (s *Store) PutAlert(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = copyAlert(a)
	return nil
}

// ListAlerts returns alerts filtered by status, newest first.
func (s *Store) ListAlerts(_ context.Context, status alert.Status, limit int) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*alert.Alert
	for _, a := range s.alerts {
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, copyAlert(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordAssessment appends the assessment and updates the alert record under
// one lock.
func (s *Store) RecordAssessment(_ context.Context, a *alert.Alert, as *risk.Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *as
	s.assessments[as.AlertID] = append(s.assessments[as.AlertID], &cp)
	s.alerts[a.ID] = copyAlert(a)
	return nil
}

// Assessments returns the scoring history for an alert, oldest first.
func (s *Store) Assessments(_ context.Context, alertID string) ([]*risk.Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.assessments[alertID]
	out := make([]*risk.Assessment, len(history))
	for i, as := range history {
		cp := *as
		out[i] = &cp
	}
	return out, nil
}

// LatestAssessment returns the most recent assessment for an alert.
func (s *Store) LatestAssessment(_ context.Context, alertID string) (*risk.Assessment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.assessments[alertID]
	if len(history) == 0 {
		return nil, false, nil
	}
	cp := *history[len(history)-1]
	return &cp, true, nil
}

// GetInstance retrieves a workflow instance by alert ID. Returns a copy.
func (s *Store) GetInstance(_ context.Context, alertID string) (*workflow.Instance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.instances[alertID]
	if !ok {
		return nil, false, nil
	}
	return copyInstance(i), true, nil
}

// SaveInstance stores the instance and syncs the alert's status, assignee,
// and active deadline under one lock.
func (s *Store) SaveInstance(_ context.Context, i *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[i.AlertID] = copyInstance(i)

	if a, ok := s.alerts[i.AlertID]; ok {
		a.Status = i.Current
		a.AssignedTo = i.AssignedTo
		a.SLADeadline = i.DeadlineAt
	}
	return nil
}

// ListOpenInstances returns instances whose alert is not yet closed.
func (s *Store) ListOpenInstances(_ context.Context) ([]*workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Instance
	for _, i := range s.instances {
		if i.Current == alert.StatusClosed {
			continue
		}
		out = append(out, copyInstance(i))
	}
	return out, nil
}

func copyAlert(a *alert.Alert) *alert.Alert {
	cp := *a
	cp.Indicators = append([]alert.Indicator(nil), a.Indicators...)
	cp.Tags = append([]string(nil), a.Tags...)
	cp.RecommendedActions = append([]string(nil), a.RecommendedActions...)
	if a.RiskScore != nil {
		v := *a.RiskScore
		cp.RiskScore = &v
	}
	if a.SLADeadline != nil {
		v := *a.SLADeadline
		cp.SLADeadline = &v
	}
	return &cp
}

func copyInstance(i *workflow.Instance) *workflow.Instance {
	cp := *i
	cp.History = append([]workflow.Event(nil), i.History...)
	if i.DeadlineAt != nil {
		v := *i.DeadlineAt
		cp.DeadlineAt = &v
	}
	if i.ResolvedAt != nil {
		v := *i.ResolvedAt
		cp.ResolvedAt = &v
	}
	return &cp
}
