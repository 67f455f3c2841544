// Package toolchain selects and executes capability providers under quality
// gates. Selection scores registered tools against configurable weights;
// execution respects declared dependencies and brackets resource allocation
// around the whole chain.
package toolchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Metadata is the capability declaration a tool publishes for selection
// scoring. Accuracy, speed, and reliability are in [0,1]; cost is a relative
// unit where higher means more expensive.
type Metadata struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	TaskTypes    []string `json:"task_types"`
	Accuracy     float64  `json:"accuracy"`
	Speed        float64  `json:"speed"`
	Reliability  float64  `json:"reliability"`
	Cost         float64  `json:"cost"`
	DependsOn    []string `json:"depends_on,omitempty"` // tool ids that must run earlier in a chain
}

// Tool is the external capability contract. Implementations return a result
// payload or an error; the orchestrator assumes nothing else.
type Tool interface {
	Metadata() Metadata
	Invoke(ctx context.Context, input any, params map[string]any) (any, error)
}

// Registry holds registered tools with a circuit breaker per tool. An open
// breaker makes the tool unavailable for selection until it half-opens.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	breakers map[string]*gobreaker.CircuitBreaker[any]
	logger   *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		logger:   logger,
	}
}

// Register adds a tool and its breaker.
func (r *Registry) Register(t Tool) {
	md := t.Metadata()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[md.ID] = t
	r.breakers[md.ID] = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    md.ID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})
	r.logger.Info("registered tool",
		zap.String("tool", md.ID),
		zap.Strings("capabilities", md.Capabilities))
}

// Get returns a tool by id.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// List returns metadata for all registered tools.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Metadata())
	}
	return out
}

// Available reports whether the tool exists and its breaker admits requests.
func (r *Registry) Available(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[id]
	if !ok {
		return false
	}
	return cb.State() != gobreaker.StateOpen
}

// Invoke runs the tool through its circuit breaker.
func (r *Registry) Invoke(ctx context.Context, id string, input any, params map[string]any) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[id]
	cb := r.breakers[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("tool %s not registered", id)
	}
	return cb.Execute(func() (any, error) {
		return t.Invoke(ctx, input, params)
	})
}
