// Package alertapi exposes the triage engine over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/intel"
	"github.com/linnemanlabs/warden/internal/risk"
	"github.com/linnemanlabs/warden/internal/triage"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// TriageService defines the business operations alertapi needs.
type TriageService interface {
	Submit(ctx context.Context, al *alert.Alert) (*triage.SubmitResult, error)
	Get(ctx context.Context, id string) (*alert.Alert, bool, error)
	List(ctx context.Context, status alert.Status, limit int) ([]*alert.Alert, error)
	Assessments(ctx context.Context, alertID string) ([]*risk.Assessment, error)
	OverrideSeverity(ctx context.Context, alertID string, severity alert.Severity) (*alert.Alert, error)
}

// Workflow defines the lifecycle operations alertapi needs.
type Workflow interface {
	Get(ctx context.Context, alertID string) (*workflow.Instance, bool, error)
	Transition(ctx context.Context, alertID string, req workflow.Request) (*workflow.Instance, error)
}

// IntelResolver answers ad-hoc indicator lookups.
type IntelResolver interface {
	Resolve(ctx context.Context, t intel.IOCType, value string) (*intel.Verdict, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      TriageService
	wf       Workflow
	resolver IntelResolver
}

// New creates a new API handler. The resolver may be nil, which disables the
// indicator lookup endpoint.
func New(logger log.Logger, svc TriageService, wf Workflow, resolver IntelResolver) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	if wf == nil {
		panic(xerrors.New("workflow is required"))
	}
	return &API{
		logger:   logger,
		svc:      svc,
		wf:       wf,
		resolver: resolver,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleSubmitAlert)
		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Get("/alerts/{id}/assessments", a.handleAssessments)
		r.Get("/alerts/{id}/workflow", a.handleGetWorkflow)
		r.Post("/alerts/{id}/severity", a.handleOverrideSeverity)
		r.Post("/alerts/{id}/transitions/{action}", a.handleTransition)
		r.Get("/ioc/{type}/{value}", a.handleLookupIOC)
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP statuses.
func (a *API) writeDomainError(w http.ResponseWriter, r *http.Request, err error, op string) {
	var verr *alert.ValidationError
	var terr *workflow.InvalidTransitionError
	switch {
	case errors.As(err, &verr):
		a.writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &terr):
		a.writeError(w, http.StatusConflict, terr.Error())
	case errors.Is(err, triage.ErrAlertNotFound), errors.Is(err, workflow.ErrInstanceNotFound):
		a.writeError(w, http.StatusNotFound, "not found")
	default:
		a.logger.Error(r.Context(), err, op)
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}
