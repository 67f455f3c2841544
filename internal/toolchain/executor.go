package toolchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExecutionResult mirrors a step result at tool granularity. One record per
// attempt: a retried step appears once per try.
type ExecutionResult struct {
	StepID    string        `json:"step_id"`
	ToolID    string        `json:"tool_id"`
	Attempt   int           `json:"attempt"`
	Output    any           `json:"output,omitempty"`
	Quality   float64       `json:"quality"`
	Elapsed   time.Duration `json:"elapsed"`
	Resources int           `json:"resources"`
	Err       string        `json:"error,omitempty"`
}

// ChainResult is the outcome of executing a whole chain.
type ChainResult struct {
	ChainID        string            `json:"chain_id"`
	OverallSuccess bool              `json:"overall_success"`
	Results        []ExecutionResult `json:"results"`
	Outputs        map[string]any    `json:"outputs"` // chain step id -> final output
	Elapsed        time.Duration     `json:"elapsed"`
}

// ResourceManager brackets chain execution. Allocate must be balanced by
// Release even when the chain fails mid-way.
type ResourceManager struct {
	mu       sync.Mutex
	capacity int
	inUse    int
}

// NewResourceManager creates a manager with the given slot capacity.
func NewResourceManager(capacity int) *ResourceManager {
	if capacity <= 0 {
		capacity = 8
	}
	return &ResourceManager{capacity: capacity}
}

// Allocate reserves n slots, waiting until they are free or the context ends.
func (m *ResourceManager) Allocate(ctx context.Context, n int) error {
	for {
		m.mu.Lock()
		if m.inUse+n <= m.capacity {
			m.inUse += n
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("resource allocation: %w", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release returns n slots.
func (m *ResourceManager) Release(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inUse -= n
	if m.inUse < 0 {
		m.inUse = 0
	}
}

// InUse reports currently allocated slots.
func (m *ResourceManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

// Executor runs chains against the tool registry.
type Executor struct {
	registry  *Registry
	resources *ResourceManager
	logger    *zap.Logger
}

// NewExecutor creates a chain executor.
func NewExecutor(reg *Registry, res *ResourceManager, logger *zap.Logger) *Executor {
	return &Executor{registry: reg, resources: res, logger: logger}
}

// ExecuteChain runs every step in declared dependency order. Each step's
// dependency outputs are verified before it runs; a quality-gate failure is
// retried within the step's policy and then substituted from the chain's
// alternatives before the whole chain is failed. Resource allocation brackets
// the entire execution.
func (e *Executor) ExecuteChain(ctx context.Context, chain *Chain, input any) (*ChainResult, error) {
	if chain == nil || len(chain.Steps) == 0 {
		return nil, fmt.Errorf("execute: empty chain")
	}

	start := time.Now()
	if err := e.resources.Allocate(ctx, len(chain.Steps)); err != nil {
		return nil, err
	}
	defer e.resources.Release(len(chain.Steps))

	result := &ChainResult{
		ChainID: chain.ID,
		Outputs: make(map[string]any),
	}

	for i, step := range chain.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := result.Outputs[dep]; !ok {
				result.Elapsed = time.Since(start)
				return result, fmt.Errorf("step %s: dependency %s produced no output", step.ID, dep)
			}
		}

		out, err := e.runStep(ctx, chain, i, step, input, result)
		if err != nil {
			result.Elapsed = time.Since(start)
			return result, err
		}
		result.Outputs[step.ID] = out
	}

	result.OverallSuccess = true
	result.Elapsed = time.Since(start)
	return result, nil
}

// runStep executes one chain step: bounded retries under its policy, then
// alternative-tool substitution. Every attempt is recorded.
func (e *Executor) runStep(ctx context.Context, chain *Chain, idx int, step ChainStep, input any, result *ChainResult) (any, error) {
	attempts := step.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	toolIDs := []string{step.ToolID}
	if idx < len(chain.Alternatives) {
		toolIDs = append(toolIDs, chain.Alternatives[idx]...)
	}

	var lastErr error
	for _, toolID := range toolIDs {
		backoff := step.Retry.BackoffBase
		for attempt := 1; attempt <= attempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			t0 := time.Now()
			out, err := e.registry.Invoke(ctx, toolID, input, step.Params)
			rec := ExecutionResult{
				StepID:  step.ID,
				ToolID:  toolID,
				Attempt: attempt,
				Elapsed: time.Since(t0),
			}

			if err == nil {
				rec.Quality = outputQuality(out)
				rec.Output = out
				if passesGate(rec.Quality, out, step.Validation) {
					result.Results = append(result.Results, rec)
					return out, nil
				}
				err = fmt.Errorf("quality gate: %0.2f below %0.2f", rec.Quality, step.Validation.MinQuality)
			}
			rec.Err = err.Error()
			result.Results = append(result.Results, rec)
			lastErr = err

			e.logger.Warn("tool step attempt failed",
				zap.String("step", step.ID),
				zap.String("tool", toolID),
				zap.Int("attempt", attempt),
				zap.Error(err))

			if attempt < attempts {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				if step.Retry.BackoffCap > 0 && backoff > step.Retry.BackoffCap {
					backoff = step.Retry.BackoffCap
				}
			}
		}
	}

	return nil, fmt.Errorf("step %s: all tools exhausted: %w", step.ID, lastErr)
}

// passesGate applies the step's validation rule.
func passesGate(quality float64, out any, rule ValidationRule) bool {
	if rule.RequireNonEmpty && out == nil {
		return false
	}
	return quality >= rule.MinQuality
}

// outputQuality reads a tool-reported quality metric when present, defaulting
// to full quality for tools that do not self-report.
func outputQuality(out any) float64 {
	if m, ok := out.(map[string]any); ok {
		if q, ok := m["quality"].(float64); ok {
			return clamp01(q)
		}
	}
	return 1.0
}
