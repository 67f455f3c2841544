package system

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/caremesh/internal/bus"
)

// HealthState grades one component.
type HealthState string

const (
	StateHealthy  HealthState = "healthy"
	StateDegraded HealthState = "degraded"
	StateCritical HealthState = "critical"
	StateOffline  HealthState = "offline"
)

// ComponentHealth is one probe result.
type ComponentHealth struct {
	Name         string        `json:"name"`
	State        HealthState   `json:"state"`
	ResponseTime time.Duration `json:"response_time"`
	Issues       []string      `json:"issues,omitempty"`
}

// HealthReport aggregates all component probes.
type HealthReport struct {
	State           HealthState       `json:"state"`
	Components      []ComponentHealth `json:"components"`
	Recommendations []string          `json:"recommendations,omitempty"`
	Uptime          time.Duration     `json:"uptime"`
	CheckedAt       time.Time         `json:"checked_at"`
}

// Metrics is a point-in-time counters snapshot.
type Metrics struct {
	TasksTotal       int           `json:"tasks_total"`
	TasksFailed      int           `json:"tasks_failed"`
	TasksByRoute     map[Route]int `json:"tasks_by_route"`
	RunningWorkflows int           `json:"running_workflows"`
	RegisteredAgents int           `json:"registered_agents"`
	RegisteredTools  int           `json:"registered_tools"`
	Uptime           time.Duration `json:"uptime"`
}

// Health probes every component and grades the whole system on the worst
// finding. The snapshot is also published on the event bus.
func (m *Manager) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		CheckedAt: time.Now(),
		Uptime:    time.Since(m.startedAt),
	}

	report.Components = append(report.Components,
		m.probeAgents(),
		m.probeTools(),
		m.probeEngine(),
		m.probeStore(ctx),
	)

	report.State = StateHealthy
	for _, c := range report.Components {
		if worse(c.State, report.State) {
			report.State = c.State
		}
		for _, issue := range c.Issues {
			report.Recommendations = append(report.Recommendations, fmt.Sprintf("%s: %s", c.Name, issue))
		}
	}

	m.events.Publish("system", bus.HealthSnapshot, map[string]any{
		"state":      string(report.State),
		"components": len(report.Components),
	})
	return report
}

func (m *Manager) probeAgents() ComponentHealth {
	start := time.Now()
	profiles := m.agents.List()

	c := ComponentHealth{Name: "agent_registry", State: StateHealthy}
	if len(profiles) == 0 {
		c.State = StateOffline
		c.Issues = append(c.Issues, "no agents registered")
	}
	overloaded := 0
	erroring := 0
	for _, p := range profiles {
		if p.CurrentLoad >= 0.9 {
			overloaded++
		}
		if p.ErrorRate > 0.5 {
			erroring++
		}
	}
	if overloaded > 0 {
		c.State = StateDegraded
		c.Issues = append(c.Issues, fmt.Sprintf("%d agents at capacity, spread load or register more", overloaded))
	}
	if erroring > 0 {
		c.State = StateCritical
		c.Issues = append(c.Issues, fmt.Sprintf("%d agents failing more than half their calls", erroring))
	}
	c.ResponseTime = time.Since(start)
	return c
}

func (m *Manager) probeTools() ComponentHealth {
	start := time.Now()
	metas := m.tools.List()

	c := ComponentHealth{Name: "tool_registry", State: StateHealthy}
	if len(metas) == 0 {
		c.State = StateOffline
		c.Issues = append(c.Issues, "no tools registered")
	}
	open := 0
	for _, md := range metas {
		if !m.tools.Available(md.ID) {
			open++
		}
	}
	switch {
	case open > 0 && open == len(metas):
		c.State = StateCritical
		c.Issues = append(c.Issues, "all tool circuits open, check downstream services")
	case open > 0:
		c.State = StateDegraded
		c.Issues = append(c.Issues, fmt.Sprintf("%d tool circuits open", open))
	}
	c.ResponseTime = time.Since(start)
	return c
}

func (m *Manager) probeEngine() ComponentHealth {
	start := time.Now()
	// The lock round trip doubles as a liveness check.
	m.engine.Running()

	c := ComponentHealth{Name: "workflow_engine", State: StateHealthy}
	c.ResponseTime = time.Since(start)
	return c
}

func (m *Manager) probeStore(ctx context.Context) ComponentHealth {
	start := time.Now()
	c := ComponentHealth{Name: "store", State: StateHealthy}
	if m.db == nil {
		c.State = StateOffline
		c.Issues = append(c.Issues, "persistence disabled, results are memory only")
		c.ResponseTime = time.Since(start)
		return c
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.db.Ping(pingCtx); err != nil {
		c.State = StateCritical
		c.Issues = append(c.Issues, fmt.Sprintf("postgres unreachable: %v", err))
	}
	c.ResponseTime = time.Since(start)
	return c
}

// worse reports whether a outranks b in severity. Offline outranks nothing
// when b is critical: unreachable optional backends should not mask a
// failing core.
func worse(a, b HealthState) bool {
	return rank(a) > rank(b)
}

func rank(s HealthState) int {
	switch s {
	case StateCritical:
		return 3
	case StateDegraded:
		return 2
	case StateOffline:
		return 1
	default:
		return 0
	}
}

// Snapshot returns current runtime counters.
func (m *Manager) Snapshot() *Metrics {
	m.mu.Lock()
	byRoute := make(map[Route]int, len(m.metrics.byRoute))
	for k, v := range m.metrics.byRoute {
		byRoute[k] = v
	}
	snap := &Metrics{
		TasksTotal:   m.metrics.tasksTotal,
		TasksFailed:  m.metrics.tasksFailed,
		TasksByRoute: byRoute,
	}
	m.mu.Unlock()

	snap.RunningWorkflows = m.engine.Running()
	snap.RegisteredAgents = len(m.agents.List())
	snap.RegisteredTools = len(m.tools.List())
	snap.Uptime = time.Since(m.startedAt)
	return snap
}
