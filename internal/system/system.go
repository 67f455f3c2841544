// Package system is the facade over the orchestration core. It routes
// incoming tasks to the single-agent, team, or workflow path, aggregates
// component health, and exposes runtime metrics.
package system

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/bus"
	"github.com/nidhogg/caremesh/internal/collab"
	"github.com/nidhogg/caremesh/internal/planner"
	"github.com/nidhogg/caremesh/internal/registry"
	"github.com/nidhogg/caremesh/internal/store"
	"github.com/nidhogg/caremesh/internal/toolchain"
	"github.com/nidhogg/caremesh/internal/workflow"
)

// Route names the execution path a task took.
type Route string

const (
	RouteSingle   Route = "single_agent"
	RouteTeam     Route = "multi_agent"
	RouteWorkflow Route = "workflow"
)

// TaskRequest is an externally submitted unit of work.
type TaskRequest struct {
	ID          string           `json:"id"`
	Type        planner.GoalType `json:"type"`
	Description string           `json:"description"`
	Priority    int              `json:"priority"`
	// Route forces a path; empty picks one from the request shape.
	Route        Route          `json:"route,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// TaskResponse reports where a task went and, for synchronous routes, what
// it produced.
type TaskResponse struct {
	TaskID     string         `json:"task_id"`
	Route      Route          `json:"route"`
	AgentID    string         `json:"agent_id,omitempty"`
	TeamID     string         `json:"team_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
}

// Manager wires the orchestration components together. Every dependency is
// mandatory except the store; construction fails fast on anything missing.
type Manager struct {
	agents    *registry.Registry
	tools     *toolchain.Registry
	engine    *workflow.Engine
	collab    *collab.Manager
	events    *bus.Bus
	db        *store.Store // nil when persistence is off
	startedAt time.Time

	mu      sync.Mutex
	metrics metricsState

	logger *zap.Logger
}

type metricsState struct {
	tasksTotal  int
	tasksFailed int
	byRoute     map[Route]int
}

// New builds the system manager. A nil required component is a programming
// error surfaced immediately, not at first use.
func New(
	agents *registry.Registry,
	tools *toolchain.Registry,
	engine *workflow.Engine,
	teams *collab.Manager,
	events *bus.Bus,
	db *store.Store,
	logger *zap.Logger,
) (*Manager, error) {
	switch {
	case agents == nil:
		return nil, fmt.Errorf("system: agent registry is required")
	case tools == nil:
		return nil, fmt.Errorf("system: tool registry is required")
	case engine == nil:
		return nil, fmt.Errorf("system: workflow engine is required")
	case teams == nil:
		return nil, fmt.Errorf("system: collaboration manager is required")
	case events == nil:
		return nil, fmt.Errorf("system: event bus is required")
	case logger == nil:
		return nil, fmt.Errorf("system: logger is required")
	}
	return &Manager{
		agents:    agents,
		tools:     tools,
		engine:    engine,
		collab:    teams,
		events:    events,
		db:        db,
		startedAt: time.Now(),
		metrics:   metricsState{byRoute: make(map[Route]int)},
		logger:    logger,
	}, nil
}

// Process routes one task. Single-agent tasks run synchronously; the team
// path forms a team and opens a session; the workflow path plans and starts
// an instance that runs in the background.
func (m *Manager) Process(ctx context.Context, req TaskRequest) (*TaskResponse, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("process: description is required")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Type == "" {
		req.Type = planner.GoalConsultation
	}

	route := req.Route
	if route == "" {
		route = pickRoute(req)
	}

	resp, err := m.dispatch(ctx, route, req)
	m.count(route, err != nil)
	if err != nil {
		m.logger.Warn("task failed", zap.String("task", req.ID), zap.String("route", string(route)), zap.Error(err))
		return nil, err
	}
	m.logger.Info("task routed", zap.String("task", req.ID), zap.String("route", string(route)))
	return resp, nil
}

func (m *Manager) dispatch(ctx context.Context, route Route, req TaskRequest) (*TaskResponse, error) {
	switch route {
	case RouteSingle:
		return m.runSingle(ctx, req)
	case RouteTeam:
		return m.runTeam(ctx, req)
	case RouteWorkflow:
		return m.runWorkflow(ctx, req)
	default:
		return nil, fmt.Errorf("process: unknown route %q", route)
	}
}

// pickRoute chooses a path from the request shape: several needed
// capabilities indicate a team, complex goal types get the full workflow,
// everything else goes to one agent.
func pickRoute(req TaskRequest) Route {
	if len(req.Capabilities) > 1 {
		return RouteTeam
	}
	switch req.Type {
	case planner.GoalDiagnosis, planner.GoalTreatment:
		return RouteWorkflow
	}
	if len(strings.Fields(req.Description)) > 40 {
		return RouteWorkflow
	}
	return RouteSingle
}

func (m *Manager) runSingle(ctx context.Context, req TaskRequest) (*TaskResponse, error) {
	profiles := m.agents.Find(registry.Query{Required: req.Capabilities})
	if len(profiles) == 0 {
		profiles = m.agents.List()
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("single agent: no agents registered")
	}

	// Least loaded wins.
	best := profiles[0]
	for _, p := range profiles[1:] {
		if p.CurrentLoad < best.CurrentLoad {
			best = p
		}
	}

	payload, err := m.agents.Invoke(ctx, best.ID, registry.StepContext{
		StepID:      req.ID,
		StepName:    "direct task",
		StepType:    string(req.Type),
		Instruction: req.Description,
		Deadline:    time.Now().Add(30 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("single agent: %w", err)
	}

	out := map[string]any{"content": payload.Content}
	for k, v := range payload.Data {
		out[k] = v
	}
	return &TaskResponse{
		TaskID:     req.ID,
		Route:      RouteSingle,
		AgentID:    best.ID,
		Output:     out,
		Confidence: payload.Confidence,
	}, nil
}

func (m *Manager) runTeam(ctx context.Context, req TaskRequest) (*TaskResponse, error) {
	team, err := m.collab.FormTeam(ctx, collab.FormationRequest{
		Name:     req.Description,
		Required: req.Capabilities,
		Strategy: collab.StrategyBalanced,
	})
	if err != nil {
		return nil, fmt.Errorf("team route: %w", err)
	}
	session, err := m.collab.StartSession(ctx, team.ID, req.ID, req.Context)
	if err != nil {
		return nil, fmt.Errorf("team route: %w", err)
	}
	return &TaskResponse{
		TaskID:    req.ID,
		Route:     RouteTeam,
		TeamID:    team.ID,
		SessionID: session.ID,
	}, nil
}

func (m *Manager) runWorkflow(ctx context.Context, req TaskRequest) (*TaskResponse, error) {
	inst, err := m.engine.Start(ctx, &planner.Goal{
		ID:          req.ID,
		Type:        req.Type,
		Description: req.Description,
		Priority:    req.Priority,
		Context:     req.Context,
	}, workflow.Options{})
	if err != nil {
		return nil, fmt.Errorf("workflow route: %w", err)
	}
	return &TaskResponse{
		TaskID:     req.ID,
		Route:      RouteWorkflow,
		InstanceID: inst.ID(),
	}, nil
}

func (m *Manager) count(route Route, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.tasksTotal++
	m.metrics.byRoute[route]++
	if failed {
		m.metrics.tasksFailed++
	}
}
