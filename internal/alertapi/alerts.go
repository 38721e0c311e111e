package alertapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/alert"
)

func (a *API) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	var al alert.Alert
	if err := json.NewDecoder(r.Body).Decode(&al); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Submit(r.Context(), &al)
	if err != nil {
		a.writeDomainError(w, r, err, "failed to submit alert")
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	a.writeJSON(w, status, map[string]any{
		"alert_id":  res.ID,
		"duplicate": res.Duplicate,
	})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.alert.id", id))

	al, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get alert", "id", id)
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("warden.alert.status", string(al.Status)))
	a.writeJSON(w, http.StatusOK, al)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := alert.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		a.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	alerts, err := a.svc.List(r.Context(), status, limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list alerts")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleAssessments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok, err := a.svc.Get(r.Context(), id); err != nil {
		a.logger.Error(r.Context(), err, "failed to get alert", "id", id)
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	} else if !ok {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	history, err := a.svc.Assessments(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list assessments", "id", id)
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"assessments": history})
}

func (a *API) handleOverrideSeverity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Severity string `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	al, err := a.svc.OverrideSeverity(r.Context(), id, alert.Severity(body.Severity))
	if err != nil {
		a.writeDomainError(w, r, err, "failed to override severity")
		return
	}
	a.writeJSON(w, http.StatusOK, al)
}
