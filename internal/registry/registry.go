// Package registry holds agent capability profiles and the agent invocation
// contract. Profiles are queried by the planner and collaboration manager;
// load accounting happens exclusively through Dispatch/Complete.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAgentNotFound is returned when an agent ID doesn't exist.
var ErrAgentNotFound = fmt.Errorf("agent not found")

// StepContext carries everything an agent needs to execute one step.
type StepContext struct {
	StepID        string         `json:"step_id"`
	StepName      string         `json:"step_name"`
	StepType      string         `json:"step_type"`
	Instruction   string         `json:"instruction"`
	Tools         []string       `json:"tools,omitempty"`
	Collaboration map[string]any `json:"collaboration,omitempty"`
	Deadline      time.Time      `json:"deadline"`
}

// StepPayload is what an agent returns for one executed step.
type StepPayload struct {
	Content    string         `json:"content"`
	Data       map[string]any `json:"data,omitempty"`
	Confidence float64        `json:"confidence"`
	Score      float64        `json:"score,omitempty"`
}

// Agent is the invocation contract. The orchestrator never assumes a
// specific implementation, only this interface. Implementations are looked
// up by type key, not by subclassing.
type Agent interface {
	Type() string
	Execute(ctx context.Context, sc StepContext) (*StepPayload, error)
}

// CompletionFunc restores load accounting after a dispatch. It must be called
// exactly once, typically in a defer, regardless of success or failure.
type CompletionFunc func(duration time.Duration, failed bool)

// Query filters profiles during team formation and planning.
type Query struct {
	Required  []string
	Excluded  []string
	Preferred []string
}

// Registry owns all agent profiles and their concrete implementations.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	impls    map[string]Agent // keyed by agent type
	logger   *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		profiles: make(map[string]*Profile),
		impls:    make(map[string]Agent),
		logger:   logger,
	}
}

// RegisterImpl adds a concrete agent implementation under its type key.
func (r *Registry) RegisterImpl(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[a.Type()] = a
	r.logger.Info("registered agent implementation", zap.String("type", a.Type()))
}

// Register adds a profile. A missing ID is generated.
func (r *Registry) Register(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	for i := range p.Capabilities {
		c := &p.Capabilities[i]
		c.Proficiency = clamp01(c.Proficiency)
		c.Reliability = clamp01(c.Reliability)
		c.Speed = clamp01(c.Speed)
		c.Accuracy = clamp01(c.Accuracy)
	}
	p.Availability = Available
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	r.profiles[p.ID] = p
	r.logger.Info("registered agent",
		zap.String("id", p.ID),
		zap.String("type", p.Type),
		zap.Int("capabilities", len(p.Capabilities)))
}

// Get returns a copy of the profile so callers cannot mutate registry state.
func (r *Registry) Get(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// List returns copies of all profiles.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, *p)
	}
	return out
}

// Find returns profiles matching the query: every required capability must be
// present, no excluded capability may be present. Preferred capabilities do
// not filter; they are scored by callers.
func (r *Registry) Find(q Query) []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Profile
	for _, p := range r.profiles {
		if p.Availability == Unavailable {
			continue
		}
		ok := true
		for _, req := range q.Required {
			if _, has := p.Capability(req); !has {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for _, ex := range q.Excluded {
			if _, has := p.Capability(ex); has {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, *p)
		}
	}
	return out
}

// Invoke dispatches a step to the agent, bracketing the call with load
// accounting. The in-flight work counts against the profile until the agent
// returns, whether it succeeds or not.
func (r *Registry) Invoke(ctx context.Context, agentID string, sc StepContext) (*StepPayload, error) {
	r.mu.RLock()
	p, ok := r.profiles[agentID]
	var impl Agent
	if ok {
		impl = r.impls[p.Type]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, ErrAgentNotFound
	}
	if impl == nil {
		return nil, fmt.Errorf("no implementation for agent type %q", p.Type)
	}

	complete := r.Dispatch(agentID)
	start := time.Now()
	payload, err := impl.Execute(ctx, sc)
	complete(time.Since(start), err != nil)
	return payload, err
}

// loadSlots is how many concurrent steps saturate an agent. Load is the
// in-flight count over this capacity.
const loadSlots = 10

// Dispatch marks the agent as carrying one more unit of work and returns the
// completion func that restores it. Only this pair mutates load, response
// time, and error rate.
func (r *Registry) Dispatch(agentID string) CompletionFunc {
	r.mu.Lock()
	if p, ok := r.profiles[agentID]; ok {
		p.inFlight++
		p.CurrentLoad = clamp01(float64(p.inFlight) / loadSlots)
		if p.CurrentLoad >= 0.9 {
			p.Availability = Busy
		}
		p.UpdatedAt = time.Now()
	}
	r.mu.Unlock()

	var once sync.Once
	return func(duration time.Duration, failed bool) {
		once.Do(func() {
			r.complete(agentID, duration, failed)
		})
	}
}

func (r *Registry) complete(agentID string, duration time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[agentID]
	if !ok {
		return
	}
	if p.inFlight > 0 {
		p.inFlight--
	}
	p.CurrentLoad = clamp01(float64(p.inFlight) / loadSlots)
	if p.CurrentLoad < 0.9 {
		p.Availability = Available
	}

	// Exponentially weighted rolling stats, biased toward recent behavior.
	const alpha = 0.3
	if p.ResponseTime == 0 {
		p.ResponseTime = duration
	} else {
		p.ResponseTime = time.Duration(float64(p.ResponseTime)*(1-alpha) + float64(duration)*alpha)
	}
	sample := 0.0
	if failed {
		sample = 1.0
	}
	p.ErrorRate = clamp01(p.ErrorRate*(1-alpha) + sample*alpha)
	p.UpdatedAt = time.Now()
}
