// Package api exposes the orchestration core over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/collab"
	"github.com/nidhogg/caremesh/internal/knowledge"
	"github.com/nidhogg/caremesh/internal/registry"
	"github.com/nidhogg/caremesh/internal/system"
	"github.com/nidhogg/caremesh/internal/workflow"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sys    *system.Manager
	engine *workflow.Engine
	agents *registry.Registry
	teams  *collab.Manager
	logger *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	sys *system.Manager,
	engine *workflow.Engine,
	agents *registry.Registry,
	teams *collab.Manager,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		sys:    sys,
		engine: engine,
		agents: agents,
		teams:  teams,
		logger: logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/metrics", h.metrics)
		r.Get("/agents", h.listAgents)

		r.Post("/tasks", h.submitTask)

		r.Get("/workflows/{id}", h.getWorkflow)
		r.Get("/workflows/{id}/result", h.getWorkflowResult)
		r.Post("/workflows/{id}/stop", h.stopWorkflow)

		r.Post("/teams", h.formTeam)
		r.Get("/teams/{id}", h.getTeam)
		r.Post("/sessions", h.startSession)
		r.Get("/sessions/{id}", h.getSession)
		r.Post("/sessions/{id}/decision", h.makeDecision)
		r.Post("/sessions/{id}/knowledge", h.shareKnowledge)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	report := h.sys.Health(r.Context())
	status := http.StatusOK
	if report.State == system.StateCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sys.Snapshot())
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agents.List())
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req system.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	resp, err := h.sys.Process(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workflow.ErrWorkflowActive) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	progress, err := h.engine.Progress(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (h *Handler) getWorkflowResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := h.engine.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "workflow not found"})
		return
	}
	if s := inst.Status(); s != workflow.StatusCompleted && s != workflow.StatusFailed {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "workflow still running"})
		return
	}
	writeJSON(w, http.StatusOK, inst.Result())
}

func (h *Handler) stopWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Stop(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) formTeam(w http.ResponseWriter, r *http.Request) {
	var req collab.FormationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	team, err := h.teams.FormTeam(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (h *Handler) getTeam(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	team, ok := h.teams.Team(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "team not found"})
		return
	}
	writeJSON(w, http.StatusOK, team)
}

type sessionRequest struct {
	TeamID  string         `json:"team_id"`
	TaskID  string         `json:"task_id"`
	Context map[string]any `json:"context,omitempty"`
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	session, err := h.teams.StartSession(r.Context(), req.TeamID, req.TaskID, req.Context)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, collab.ErrTeamNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, ok := h.teams.Session(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) makeDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req collab.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := h.teams.MakeDecision(r.Context(), id, req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, collab.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) shareKnowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var artifact knowledge.Artifact
	if err := json.NewDecoder(r.Body).Decode(&artifact); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, err := h.teams.ShareKnowledge(r.Context(), id, &artifact)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, collab.ErrSessionNotFound):
			status = http.StatusNotFound
		case errors.Is(err, collab.ErrNotTeamMember):
			status = http.StatusForbidden
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
