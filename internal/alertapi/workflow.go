package alertapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// transitionTargets maps the action segment of the URL to the target state.
var transitionTargets = map[string]alert.Status{
	"assign":      alert.StatusAssigned,
	"acknowledge": alert.StatusInProgress,
	"unassign":    alert.StatusNew,
	"resolve":     alert.StatusResolved,
	"close":       alert.StatusClosed,
	"reject":      alert.StatusRejected,
}

type transitionBody struct {
	Actor    string `json:"actor"`
	Role     string `json:"role"`
	Assignee string `json:"assignee,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// To is only read for the reopen action, which has two legal targets.
	To string `json:"to,omitempty"`
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	var body transitionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	level, err := workflow.ParseActorLevel(body.Role)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Actor == "" {
		a.writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	target, ok := transitionTargets[action]
	if action == "reopen" {
		// reopening lands back in triage: in_progress by default, or the
		// caller names the state explicitly
		target = alert.StatusInProgress
		if body.To != "" {
			target = alert.Status(body.To)
		}
		ok = target == alert.StatusInProgress || target == alert.StatusNew
	}
	if !ok {
		a.writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	inst, err := a.wf.Transition(r.Context(), id, workflow.Request{
		To:       target,
		Actor:    workflow.Actor{ID: body.Actor, Level: level},
		Assignee: body.Assignee,
		Reason:   body.Reason,
	})
	if err != nil {
		a.writeDomainError(w, r, err, "transition failed")
		return
	}
	a.writeJSON(w, http.StatusOK, inst)
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inst, ok, err := a.wf.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get workflow instance", "id", id)
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}
	a.writeJSON(w, http.StatusOK, inst)
}
