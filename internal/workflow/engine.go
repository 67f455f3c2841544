// Package workflow executes plans as resumable state machines. Steps run
// concurrently once their dependencies are satisfied, failures are classified
// and recovered per class, and completed runs are reflected on to decide
// whether to iterate under an improved plan.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/bus"
	"github.com/nidhogg/caremesh/internal/config"
	"github.com/nidhogg/caremesh/internal/planner"
	"github.com/nidhogg/caremesh/internal/reflection"
	"github.com/nidhogg/caremesh/internal/registry"
	"github.com/nidhogg/caremesh/internal/toolchain"
)

// ErrWorkflowActive is returned when a second instance is started for a goal
// that already has one running and Supersede is not set.
var ErrWorkflowActive = fmt.Errorf("a workflow is already running for this goal")

// ErrInstanceNotFound is returned for unknown instance ids.
var ErrInstanceNotFound = fmt.Errorf("workflow instance not found")

const componentName = "workflow"

// Instance is the mutable runtime wrapper around one plan execution.
type Instance struct {
	id        string
	goal      *planner.Goal
	plan      *planner.Plan
	iteration int

	mu        sync.Mutex
	status    Status
	results   []StepResult
	stopped   bool
	startedAt time.Time
	endedAt   time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the instance id.
func (in *Instance) ID() string { return in.id }

// PlanID returns the executed plan's id.
func (in *Instance) PlanID() string { return in.plan.ID }

// Status returns the current lifecycle status.
func (in *Instance) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

// Done is closed when the instance reaches a terminal state.
func (in *Instance) Done() <-chan struct{} { return in.done }

// Result snapshots the instance outcome, including partial step history
// after a failure.
func (in *Instance) Result() *Result {
	in.mu.Lock()
	defer in.mu.Unlock()
	end := in.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return &Result{
		InstanceID:   in.id,
		GoalID:       in.goal.ID,
		PlanID:       in.plan.ID,
		Status:       in.status,
		StepResults:  append([]StepResult(nil), in.results...),
		QualityScore: qualityScore(in.results),
		Elapsed:      end.Sub(in.startedAt),
		Iteration:    in.iteration,
	}
}

// setStatus transitions the instance. Terminal states are never exited.
func (in *Instance) setStatus(s Status) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.status == StatusCompleted || in.status == StatusFailed {
		return false
	}
	in.status = s
	if s == StatusCompleted || s == StatusFailed {
		in.endedAt = time.Now()
	}
	return true
}

// record appends a step result unless the instance was stopped; results that
// finish after a stop are discarded for status computation.
func (in *Instance) record(r StepResult) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped {
		return false
	}
	in.results = append(in.results, r)
	return true
}

// Engine owns all workflow instances and their lifecycle.
type Engine struct {
	planner   *planner.Planner
	agents    *registry.Registry
	selector  *toolchain.Selector
	executor  *toolchain.Executor
	reflector *reflection.Engine
	events    *bus.Bus
	cfg       config.OrchestrationConfig

	mu        sync.Mutex
	instances map[string]*Instance
	byGoal    map[string]string // goal id -> running instance id

	logger *zap.Logger
}

// New creates a workflow engine.
func New(
	pl *planner.Planner,
	agents *registry.Registry,
	selector *toolchain.Selector,
	executor *toolchain.Executor,
	reflector *reflection.Engine,
	events *bus.Bus,
	cfg config.OrchestrationConfig,
	logger *zap.Logger,
) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Engine{
		planner:   pl,
		agents:    agents,
		selector:  selector,
		executor:  executor,
		reflector: reflector,
		events:    events,
		cfg:       cfg,
		instances: make(map[string]*Instance),
		byGoal:    make(map[string]string),
		logger:    logger,
	}
}

// Start plans the goal and launches its execution, returning immediately.
// Exactly one instance may be running per goal id: a second start is
// rejected unless opts.Supersede stops the first.
func (e *Engine) Start(ctx context.Context, goal *planner.Goal, opts Options) (*Instance, error) {
	plan, err := e.planner.CreatePlan(ctx, goal)
	if err != nil {
		return nil, err
	}
	return e.launch(goal, plan, 1, opts)
}

func (e *Engine) launch(goal *planner.Goal, plan *planner.Plan, iteration int, opts Options) (*Instance, error) {
	e.mu.Lock()
	if runningID, ok := e.byGoal[goal.ID]; ok {
		if !opts.Supersede {
			e.mu.Unlock()
			return nil, ErrWorkflowActive
		}
		old := e.instances[runningID]
		e.mu.Unlock()
		e.stopInstance(old)
		e.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		id:        uuid.New().String(),
		goal:      goal,
		plan:      plan,
		iteration: iteration,
		status:    StatusPending,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	e.instances[inst.id] = inst
	e.byGoal[goal.ID] = inst.id
	e.mu.Unlock()

	go e.run(runCtx, inst, opts)
	return inst, nil
}

// Get returns an instance by id.
func (e *Engine) Get(id string) (*Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.instances[id]
	return in, ok
}

// Evict removes a terminal instance from the engine. Running instances must
// be stopped first.
func (e *Engine) Evict(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	if s := inst.Status(); s != StatusCompleted && s != StatusFailed {
		return fmt.Errorf("instance %s is %s, stop it before evicting", id, s)
	}
	delete(e.instances, id)
	if e.byGoal[inst.goal.ID] == inst.id {
		delete(e.byGoal, inst.goal.ID)
	}
	return nil
}

// Stop transitions the instance to failed. Safe to call concurrently with an
// in-progress step; that step's result is discarded.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return ErrInstanceNotFound
	}
	e.stopInstance(inst)
	return nil
}

func (e *Engine) stopInstance(inst *Instance) {
	if inst == nil {
		return
	}
	inst.mu.Lock()
	inst.stopped = true
	inst.mu.Unlock()

	if inst.setStatus(StatusFailed) {
		e.events.Publish(componentName, bus.WorkflowStopped, map[string]any{
			"instance": inst.id,
			"goal":     inst.goal.ID,
		})
	}
	inst.cancel()
	e.clearRunning(inst)
}

// Progress returns the observable status of an instance.
func (e *Engine) Progress(id string) (*Progress, error) {
	inst, ok := e.Get(id)
	if !ok {
		return nil, ErrInstanceNotFound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	completed := make(map[string]bool, len(inst.results))
	for _, r := range inst.results {
		completed[r.StepID] = true
	}
	var remaining time.Duration
	for _, s := range inst.plan.Steps {
		if !completed[s.ID] {
			remaining += s.Duration
		}
	}
	return &Progress{
		InstanceID:    inst.id,
		Status:        inst.status,
		Completed:     len(completed),
		Total:         len(inst.plan.Steps),
		QualityScore:  qualityScore(inst.results),
		TimeRemaining: remaining,
	}, nil
}

// Running reports how many instances currently hold a goal slot.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byGoal)
}

func (e *Engine) clearRunning(inst *Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byGoal[inst.goal.ID] == inst.id {
		delete(e.byGoal, inst.goal.ID)
	}
}

// run drives one instance to a terminal state, then reflects and possibly
// iterates under an improved or replanned plan.
func (e *Engine) run(ctx context.Context, inst *Instance, opts Options) {
	defer close(inst.done)
	defer e.clearRunning(inst)

	inst.setStatus(StatusRunning)
	e.events.Publish(componentName, bus.WorkflowStarted, map[string]any{
		"instance":  inst.id,
		"goal":      inst.goal.ID,
		"plan":      inst.plan.ID,
		"iteration": inst.iteration,
	})
	e.logger.Info("workflow started",
		zap.String("instance", inst.id),
		zap.String("goal", inst.goal.ID),
		zap.Int("iteration", inst.iteration))

	failed := !e.executeDAG(ctx, inst)

	inst.mu.Lock()
	stopped := inst.stopped
	inst.mu.Unlock()
	if stopped {
		return // stopInstance already published and set terminal state
	}

	final := StatusFailed
	if !failed {
		final = overallStatus(inst.plan, e.resultsSnapshot(inst))
	}
	inst.setStatus(final)

	if final == StatusCompleted {
		e.events.Publish(componentName, bus.WorkflowComplete, map[string]any{
			"instance": inst.id,
			"goal":     inst.goal.ID,
			"quality":  qualityScore(e.resultsSnapshot(inst)),
		})
	} else {
		e.events.Publish(componentName, bus.WorkflowFailed, map[string]any{
			"instance": inst.id,
			"goal":     inst.goal.ID,
		})
	}

	e.clearRunning(inst)
	e.iterate(ctx, inst, opts, final)
}

func (e *Engine) resultsSnapshot(inst *Instance) []StepResult {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]StepResult(nil), inst.results...)
}

// executeDAG runs steps in dependency order, independent steps concurrently
// up to the configured pool size. Returns false when the workflow must fail.
func (e *Engine) executeDAG(ctx context.Context, inst *Instance) bool {
	steps := inst.plan.Steps
	resultCh := make(chan StepResult, len(steps))
	pool := make(chan struct{}, e.cfg.MaxConcurrency)

	completed := make(map[string]StepResult, len(steps))
	scheduled := make(map[string]bool, len(steps))
	inFlight := 0

	ready := func(s planner.Step) bool {
		if scheduled[s.ID] {
			return false
		}
		for _, dep := range s.DependsOn {
			r, ok := completed[dep]
			if !ok || r.Status == StepError {
				return false
			}
		}
		return true
	}

	for len(completed) < len(steps) {
		if ctx.Err() != nil {
			return false
		}

		launched := false
		for _, s := range steps {
			if !ready(s) {
				continue
			}
			scheduled[s.ID] = true
			inFlight++
			launched = true
			go func(step planner.Step) {
				pool <- struct{}{}
				defer func() { <-pool }()
				resultCh <- e.executeStepWithRecovery(ctx, inst, step)
			}(s)
		}

		if inFlight == 0 {
			if !launched {
				// Nothing runnable and nothing in flight: a dependency
				// failed or the graph stalled.
				return false
			}
			continue
		}

		r := <-resultCh
		inFlight--
		completed[r.StepID] = r

		if !inst.record(r) {
			return false // stopped; result discarded
		}

		if r.Status == StepError {
			e.events.Publish(componentName, bus.StepFailed, map[string]any{
				"instance": inst.id,
				"step":     r.StepID,
				"class":    string(r.Class),
			})
			return false
		}
		e.events.Publish(componentName, bus.StepCompleted, map[string]any{
			"instance": inst.id,
			"step":     r.StepID,
			"score":    r.Score,
			"fallback": r.Fallback,
		})
	}
	return true
}

// executeStepWithRecovery applies the per-class recovery policy: network
// errors retry with backoff, a timeout retries once with doubled allowance,
// resource errors wait once, validation errors degrade to a fallback result.
// Unknown errors end recovery immediately.
func (e *Engine) executeStepWithRecovery(ctx context.Context, inst *Instance, step planner.Step) StepResult {
	allowance := e.stepTimeout(step)
	networkRetries := e.cfg.NetworkRetries
	backoff := e.cfg.RetryBackoff
	timeoutRetried := false
	resourceRetried := false

	attempts := 0
	for {
		attempts++
		res, err := e.attemptStep(ctx, inst, step, allowance)
		if err == nil {
			res.Attempts = attempts
			return res
		}

		class := Classify(err)
		e.logger.Warn("step attempt failed",
			zap.String("instance", inst.id),
			zap.String("step", step.Name),
			zap.String("class", string(class)),
			zap.Int("attempt", attempts),
			zap.Error(err))

		if ctx.Err() != nil {
			return errorResult(step, err, class, attempts)
		}

		switch class {
		case ClassNetwork:
			if networkRetries > 0 {
				networkRetries--
				if !sleepCtx(ctx, backoff) {
					return errorResult(step, err, class, attempts)
				}
				backoff *= 2
				continue
			}
		case ClassTimeout:
			if !timeoutRetried {
				timeoutRetried = true
				allowance *= 2
				continue
			}
		case ClassResource:
			if !resourceRetried {
				resourceRetried = true
				if !sleepCtx(ctx, e.cfg.ResourceWait) {
					return errorResult(step, err, class, attempts)
				}
				continue
			}
		case ClassValidation:
			return fallbackResult(step, err, attempts)
		}

		return errorResult(step, err, class, attempts)
	}
}

// attemptStep performs one try: prepare the tool chain, invoke the assigned
// agent, and check the plan's quality gate.
func (e *Engine) attemptStep(ctx context.Context, inst *Instance, step planner.Step, allowance time.Duration) (StepResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, allowance)
	defer cancel()

	start := time.Now()
	collaboration := make(map[string]any)
	var toolsUsed []string

	if len(step.Tools) > 0 {
		chain, err := e.selector.SelectOptimalTools(toolchain.Criteria{
			TaskType:       string(inst.goal.Type),
			Capabilities:   []string{string(step.Type)},
			PreferredTools: step.Tools,
			MaxTools:       len(step.Tools),
		})
		if err != nil {
			return StepResult{}, fmt.Errorf("tool selection: %w", err)
		}
		chainRes, err := e.executor.ExecuteChain(stepCtx, chain, step.Instruction)
		if err != nil {
			return StepResult{}, fmt.Errorf("tool chain: %w", err)
		}
		for _, cs := range chain.Steps {
			toolsUsed = append(toolsUsed, cs.ToolID)
		}
		collaboration["tool_outputs"] = chainRes.Outputs
	}

	agentID, err := e.pickAgent(step)
	if err != nil {
		return StepResult{}, err
	}

	payload, err := e.agents.Invoke(stepCtx, agentID, registry.StepContext{
		StepID:        step.ID,
		StepName:      step.Name,
		StepType:      string(step.Type),
		Instruction:   step.Instruction,
		Tools:         toolsUsed,
		Collaboration: collaboration,
		Deadline:      start.Add(allowance),
	})
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded {
			return StepResult{}, context.DeadlineExceeded
		}
		return StepResult{}, err
	}

	score := payload.Score
	if score == 0 {
		// Tool-corroborated results score above bare agent confidence.
		score = clamp01(payload.Confidence + 0.05*float64(len(toolsUsed)))
	}

	if gate, ok := inst.plan.QualityGates[step.ID]; ok && score < gate {
		return StepResult{}, fmt.Errorf("validation: step %q quality %.2f below gate %.2f", step.Name, score, gate)
	}

	return StepResult{
		StepID:    step.ID,
		StepName:  step.Name,
		Status:    StepSuccess,
		Payload:   map[string]any{"content": payload.Content, "data": payload.Data},
		Score:     score,
		Elapsed:   time.Since(start),
		ToolsUsed: toolsUsed,
	}, nil
}

// pickAgent resolves the step's primary agent, falling back to any
// supporting agent with the required type.
func (e *Engine) pickAgent(step planner.Step) (string, error) {
	var fallback string
	for _, p := range e.agents.List() {
		if p.Type != step.AgentType {
			continue
		}
		if p.Availability == registry.Available {
			return p.ID, nil
		}
		fallback = p.ID
	}
	if fallback != "" {
		return fallback, nil
	}
	for _, id := range step.SupportingAgents {
		if _, ok := e.agents.Get(id); ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("no agent of type %q registered", step.AgentType)
}

// iterate runs reflection after a terminal state and, when warranted, spawns
// a new instance under an improved (on success) or replanned (on failure)
// plan. The iteration cap bounds the cycle.
func (e *Engine) iterate(ctx context.Context, inst *Instance, opts Options, final Status) {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = e.cfg.MaxIterations
	}
	if inst.iteration >= maxIter {
		return
	}

	result := inst.Result()

	if final == StatusFailed {
		fresh, err := e.planner.Replan(ctx, inst.plan.ID, "workflow failure", nil)
		if err != nil {
			e.logger.Warn("replan after failure failed", zap.Error(err))
			return
		}
		if _, err := e.launch(inst.goal, fresh, inst.iteration+1, opts); err != nil {
			e.logger.Warn("reiterate launch rejected", zap.Error(err))
		}
		return
	}

	ref, err := e.reflector.Reflect(ctx, reflectionInput(result))
	if err != nil {
		e.logger.Warn("reflection failed", zap.Error(err))
		return
	}
	if !ref.ShouldIterate {
		return
	}

	improved, err := e.planner.ImprovePlan(ctx, inst.plan, improvementsFrom(ref))
	if err != nil {
		e.logger.Warn("plan improvement failed", zap.Error(err))
		return
	}
	if _, err := e.launch(inst.goal, improved, inst.iteration+1, opts); err != nil {
		e.logger.Warn("iteration launch rejected", zap.Error(err))
	}
}

// reflectionInput derives the four quality dimensions from a workflow result.
func reflectionInput(r *Result) reflection.Input {
	total := len(r.StepResults)
	var ok, clean int
	var issues []string
	seen := make(map[string]bool)
	for _, sr := range r.StepResults {
		if sr.Status != StepError {
			ok++
		}
		if !sr.Fallback && sr.Status == StepSuccess {
			clean++
		}
		if sr.Class != "" && !seen[string(sr.Class)] {
			seen[string(sr.Class)] = true
			issues = append(issues, string(sr.Class))
		}
		if sr.Fallback && !seen["low_confidence"] {
			seen["low_confidence"] = true
			issues = append(issues, "low_confidence")
		}
	}

	dims := reflection.Dimensions{Accuracy: r.QualityScore}
	if total > 0 {
		dims.Completeness = float64(ok) / float64(total)
		dims.Relevance = float64(clean) / float64(total)
	}
	dims.Efficiency = 0.9 // all steps ran inside their allowances to get here

	return reflection.Input{
		GoalID:     r.GoalID,
		Dimensions: dims,
		Issues:     issues,
		Elapsed:    r.Elapsed,
	}
}

// improvementsFrom maps reflection next actions onto the planner's
// improvement catalog.
func improvementsFrom(ref *reflection.Result) []planner.Improvement {
	var out []planner.Improvement
	seen := make(map[string]bool)
	add := func(action string) {
		if !seen[action] {
			seen[action] = true
			out = append(out, planner.Improvement{Action: action})
		}
	}
	for _, a := range ref.NextActions {
		switch a {
		case "add validation steps", "add validation step":
			add("add_validation")
		case "apply optimize_performance improvement":
			add("optimize_performance")
		case "decompose long steps":
			add("decompose_long_steps")
		}
	}
	if len(out) == 0 {
		add("add_validation")
	}
	return out
}

func (e *Engine) stepTimeout(step planner.Step) time.Duration {
	if step.Duration > e.cfg.StepTimeoutFloor {
		return step.Duration
	}
	return e.cfg.StepTimeoutFloor
}

func errorResult(step planner.Step, err error, class ErrorClass, attempts int) StepResult {
	return StepResult{
		StepID:   step.ID,
		StepName: step.Name,
		Status:   StepError,
		Err:      err.Error(),
		Class:    class,
		Attempts: attempts,
	}
}

// fallbackResult is a degraded, explicitly tagged substitute for a step that
// failed validation. It is a warning, not an error.
func fallbackResult(step planner.Step, err error, attempts int) StepResult {
	return StepResult{
		StepID:   step.ID,
		StepName: step.Name,
		Status:   StepWarning,
		Payload:  map[string]any{"content": fmt.Sprintf("degraded result for %s", step.Name)},
		Score:    step.QualityThreshold / 2,
		Fallback: true,
		Err:      err.Error(),
		Class:    ClassValidation,
		Attempts: attempts,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
