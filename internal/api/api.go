// Package api exposes the thin HTTP surface external collaborators use:
// acknowledgements from the audit/UI workflow, runbook suggestions from the
// recommender, and incident queries. It is not a UI.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fleetwatch/incident-engine/internal/engine"
	"github.com/fleetwatch/incident-engine/internal/models"
	"github.com/fleetwatch/incident-engine/internal/utils"
)

// IncidentService defines the engine operations the handlers need.
type IncidentService interface {
	Acknowledge(id string) (models.Incident, error)
	SuggestRunbooks(id string, runbooks []string) (models.Incident, error)
	Get(id string) (models.Incident, error)
	List(filter engine.ListFilter) []models.Incident
	Submit(ev models.AnomalyEvent) error
}

// API holds dependencies for the HTTP handlers.
type API struct {
	logger *slog.Logger
	svc    IncidentService
}

// New creates the API handler set; logger may be nil.
func New(logger *slog.Logger, svc IncidentService) *API {
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	return &API{logger: logger, svc: svc}
}

// Router builds the chi router with all routes attached.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", a.handleSubmitEvent)
		r.Get("/incidents", a.handleListIncidents)
		r.Route("/incidents/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetIncident)
			r.Post("/ack", a.handleAcknowledge)
			r.Post("/runbooks", a.handleSuggestRunbooks)
		})
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmitEvent accepts events over HTTP for collaborators without an
// AMQP path; the pub/sub feed remains the primary inbound.
func (a *API) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.AnomalyEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	switch err := a.svc.Submit(ev); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, models.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrOverloaded):
		writeError(w, http.StatusTooManyRequests, "engine overloaded")
	default:
		a.logger.Error("event submission failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := engine.ListFilter{
		ShipID: r.URL.Query().Get("ship"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = models.Status(status)
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := utils.ParseRFC3339(since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = ts
	}

	incidents := a.svc.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	inc, err := a.svc.Acknowledge(chi.URLParam(r, "id"))
	if err != nil {
		a.writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleSuggestRunbooks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Runbooks []string `json:"runbooks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Runbooks) == 0 {
		writeError(w, http.StatusBadRequest, "runbooks list required")
		return
	}

	inc, err := a.svc.SuggestRunbooks(chi.URLParam(r, "id"), body.Runbooks)
	if err != nil {
		a.writeIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) writeIncidentError(w http.ResponseWriter, err error) {
	var appErr *utils.AppError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "incident not found")
	case errors.As(err, &appErr):
		// Lifecycle transition refused: the request conflicts with state.
		writeError(w, http.StatusConflict, appErr.Msg)
	default:
		a.logger.Error("incident operation failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
