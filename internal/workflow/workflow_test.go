package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/bus"
	"github.com/nidhogg/caremesh/internal/config"
	"github.com/nidhogg/caremesh/internal/planner"
	"github.com/nidhogg/caremesh/internal/reflection"
	"github.com/nidhogg/caremesh/internal/registry"
	"github.com/nidhogg/caremesh/internal/toolchain"
)

const waitBudget = 5 * time.Second

func testConfig() config.OrchestrationConfig {
	return config.OrchestrationConfig{
		MaxConcurrency:   4,
		MaxIterations:    1,
		NetworkRetries:   2,
		RetryBackoff:     time.Millisecond,
		ResourceWait:     time.Millisecond,
		StepTimeoutFloor: 200 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, reg *registry.Registry, cfg config.OrchestrationConfig) *Engine {
	t.Helper()
	tools := toolchain.NewRegistry(zap.NewNop())
	toolchain.RegisterBuiltins(tools)
	sel := toolchain.NewSelector(tools, config.Default().Tools, zap.NewNop())
	exec := toolchain.NewExecutor(tools, toolchain.NewResourceManager(16), zap.NewNop())
	refl := reflection.New(config.Default().Reflection, zap.NewNop())
	pl := planner.New(reg, zap.NewNop())
	return New(pl, reg, sel, exec, refl, bus.New(zap.NewNop()), cfg, zap.NewNop())
}

func waitDone(t *testing.T, inst *Instance) {
	t.Helper()
	select {
	case <-inst.Done():
	case <-time.After(waitBudget):
		t.Fatalf("instance %s did not finish", inst.ID())
	}
}

// scriptedAgent runs a caller-supplied function under a fixed type key.
type scriptedAgent struct {
	kind string
	run  func(ctx context.Context, sc registry.StepContext) (*registry.StepPayload, error)
}

func (a *scriptedAgent) Type() string { return a.kind }

func (a *scriptedAgent) Execute(ctx context.Context, sc registry.StepContext) (*registry.StepPayload, error) {
	return a.run(ctx, sc)
}

// blockingAgent parks every call until release closes or the context ends.
type blockingAgent struct {
	kind    string
	release chan struct{}
}

func (a *blockingAgent) Type() string { return a.kind }

func (a *blockingAgent) Execute(ctx context.Context, sc registry.StepContext) (*registry.StepPayload, error) {
	select {
	case <-a.release:
		return &registry.StepPayload{Content: "done", Confidence: 0.8}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func steadyAgent(kind string, confidence float64) registry.Agent {
	return &scriptedAgent{kind: kind, run: func(_ context.Context, sc registry.StepContext) (*registry.StepPayload, error) {
		return &registry.StepPayload{Content: "ok: " + sc.StepName, Confidence: confidence}, nil
	}}
}

func registerTyped(reg *registry.Registry, a registry.Agent) {
	reg.RegisterImpl(a)
	reg.Register(&registry.Profile{ID: "test-" + a.Type(), Type: a.Type()})
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "read tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type connErr struct{}

func (connErr) Error() string   { return "dial tcp: connection refused" }
func (connErr) Timeout() bool   { return false }
func (connErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{context.DeadlineExceeded, ClassTimeout},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ClassTimeout},
		{timeoutErr{}, ClassTimeout},
		{connErr{}, ClassNetwork},
		{&planner.ValidationError{Field: "goal", Reason: "is nil"}, ClassValidation},
		{errors.New("upstream deadline passed"), ClassTimeout},
		{errors.New("host unreachable"), ClassNetwork},
		{errors.New("worker pool exhausted"), ClassResource},
		{errors.New("too many requests"), ClassResource},
		{errors.New("quality gate: 0.40 below 0.90"), ClassValidation},
		{errors.New("something odd happened"), ClassUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
	if got := Classify(nil); got != "" {
		t.Errorf("Classify(nil) = %q", got)
	}
}

func TestOverallStatusRequiresEveryStep(t *testing.T) {
	plan := &planner.Plan{Steps: []planner.Step{{ID: "a"}, {ID: "b"}}}

	full := []StepResult{
		{StepID: "a", Status: StepSuccess, Score: 0.9},
		{StepID: "b", Status: StepWarning, Score: 0.4},
	}
	if got := overallStatus(plan, full); got != StatusCompleted {
		t.Errorf("warnings still complete a workflow, got %s", got)
	}

	withErr := []StepResult{
		{StepID: "a", Status: StepSuccess},
		{StepID: "b", Status: StepError},
	}
	if got := overallStatus(plan, withErr); got != StatusFailed {
		t.Errorf("a hard error must fail the workflow, got %s", got)
	}

	missing := []StepResult{{StepID: "a", Status: StepSuccess}}
	if got := overallStatus(plan, missing); got != StatusFailed {
		t.Errorf("a missing step result must fail the workflow, got %s", got)
	}

	if got := qualityScore(full); got != (0.9+0.4)/2 {
		t.Errorf("quality score: %f", got)
	}
	if got := qualityScore(nil); got != 0 {
		t.Errorf("empty result set scores 0, got %f", got)
	}
}

func TestDiagnosisWorkflowCompletes(t *testing.T) {
	reg := registry.New(zap.NewNop())
	registry.RegisterBuiltins(reg)
	e := newTestEngine(t, reg, testConfig())

	goal := &planner.Goal{ID: "g-diag", Type: planner.GoalDiagnosis, Description: "recurring headaches"}
	inst, err := e.Start(context.Background(), goal, Options{MaxIterations: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	if got := inst.Status(); got != StatusCompleted {
		t.Fatalf("status %s, result %+v", got, inst.Result())
	}

	res := inst.Result()
	if len(res.StepResults) != 4 {
		t.Fatalf("expected 4 step results, got %d", len(res.StepResults))
	}
	for _, sr := range res.StepResults {
		if sr.Status != StepSuccess {
			t.Errorf("step %s: status %s (%s)", sr.StepName, sr.Status, sr.Err)
		}
		if sr.Attempts != 1 {
			t.Errorf("step %s: %d attempts on the happy path", sr.StepName, sr.Attempts)
		}
		if len(sr.ToolsUsed) == 0 {
			t.Errorf("step %s: no tools recorded", sr.StepName)
		}
	}
	if res.QualityScore < 0.8 {
		t.Errorf("quality score suspiciously low: %f", res.QualityScore)
	}
	if e.Running() != 0 {
		t.Errorf("goal slot not released: %d", e.Running())
	}
}

func TestOneRunningInstancePerGoal(t *testing.T) {
	reg := registry.New(zap.NewNop())
	release := make(chan struct{})
	registerTyped(reg, &blockingAgent{kind: "knowledge", release: release})
	registerTyped(reg, steadyAgent("lifestyle", 0.75))
	e := newTestEngine(t, reg, testConfig())

	goal := &planner.Goal{ID: "g-mon", Type: planner.GoalMonitoring, Description: "watch vitals"}
	first, err := e.Start(context.Background(), goal, Options{MaxIterations: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := e.Start(context.Background(), goal, Options{MaxIterations: 1}); !errors.Is(err, ErrWorkflowActive) {
		t.Fatalf("second start must be rejected, got %v", err)
	}

	second, err := e.Start(context.Background(), goal, Options{MaxIterations: 1, Supersede: true})
	if err != nil {
		t.Fatalf("supersede start: %v", err)
	}
	waitDone(t, first)
	if got := first.Status(); got != StatusFailed {
		t.Errorf("superseded instance must fail, got %s", got)
	}

	close(release)
	waitDone(t, second)
	if got := second.Status(); got != StatusCompleted {
		t.Errorf("superseding instance should run to completion, got %s (%+v)", got, second.Result())
	}
	if e.Running() != 0 {
		t.Errorf("goal slot not released: %d", e.Running())
	}
}

func TestEvictRemovesTerminalInstancesOnly(t *testing.T) {
	reg := registry.New(zap.NewNop())
	release := make(chan struct{})
	registerTyped(reg, &blockingAgent{kind: "knowledge", release: release})
	registerTyped(reg, steadyAgent("lifestyle", 0.75))
	e := newTestEngine(t, reg, testConfig())

	goal := &planner.Goal{ID: "g-evict", Type: planner.GoalMonitoring, Description: "watch vitals"}
	inst, err := e.Start(context.Background(), goal, Options{MaxIterations: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := e.Evict(inst.ID()); err == nil {
		t.Fatal("evicting a running instance must fail")
	}

	close(release)
	waitDone(t, inst)
	if err := e.Evict(inst.ID()); err != nil {
		t.Fatalf("evict finished instance: %v", err)
	}
	if _, ok := e.Get(inst.ID()); ok {
		t.Error("evicted instance still retrievable")
	}
	if _, err := e.Progress(inst.ID()); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("progress after evict: %v", err)
	}
	if err := e.Evict(inst.ID()); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("second evict: %v", err)
	}

	// The goal slot is free again.
	if _, err := e.Start(context.Background(), goal, Options{MaxIterations: 1}); err != nil {
		t.Errorf("restart after evict: %v", err)
	}
}

func TestStopDiscardsInFlightResults(t *testing.T) {
	reg := registry.New(zap.NewNop())
	registerTyped(reg, &blockingAgent{kind: "knowledge", release: make(chan struct{})})
	registerTyped(reg, steadyAgent("lifestyle", 0.75))
	e := newTestEngine(t, reg, testConfig())

	goal := &planner.Goal{ID: "g-stop", Type: planner.GoalMonitoring, Description: "watch vitals"}
	inst, err := e.Start(context.Background(), goal, Options{MaxIterations: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	prog, err := e.Progress(inst.ID())
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if prog.Total != 3 || prog.Completed != 0 {
		t.Errorf("progress before any step: %+v", prog)
	}

	if err := e.Stop(inst.ID()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitDone(t, inst)

	res := inst.Result()
	if res.Status != StatusFailed {
		t.Errorf("stopped instance must be failed, got %s", res.Status)
	}
	if len(res.StepResults) != 0 {
		t.Errorf("results landing after a stop are discarded, got %d", len(res.StepResults))
	}

	if err := e.Stop("no-such-instance"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
	if _, err := e.Progress("no-such-instance"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestTimeoutRetryDoublesAllowance(t *testing.T) {
	reg := registry.New(zap.NewNop())
	registerTyped(reg, steadyAgent("knowledge", 0.8))

	var mu sync.Mutex
	var allowances []time.Duration
	calls := 0
	registerTyped(reg, &scriptedAgent{kind: "lifestyle", run: func(_ context.Context, sc registry.StepContext) (*registry.StepPayload, error) {
		mu.Lock()
		allowances = append(allowances, time.Until(sc.Deadline))
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return nil, context.DeadlineExceeded
		}
		return &registry.StepPayload{Content: "trend ok", Confidence: 0.75}, nil
	}})

	e := newTestEngine(t, reg, testConfig())
	goal := &planner.Goal{ID: "g-timeout", Type: planner.GoalMonitoring, Description: "watch vitals"}
	inst, err := e.Start(context.Background(), goal, Options{MaxIterations: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	if got := inst.Status(); got != StatusCompleted {
		t.Fatalf("status %s, result %+v", got, inst.Result())
	}

	var assessment *StepResult
	for _, sr := range inst.Result().StepResults {
		if sr.StepName == "trend assessment" {
			r := sr
			assessment = &r
		}
	}
	if assessment == nil {
		t.Fatal("trend assessment result missing")
	}
	if assessment.Attempts != 2 {
		t.Errorf("timeout retries exactly once: %d attempts", assessment.Attempts)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(allowances) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(allowances))
	}
	if allowances[1] < allowances[0]*3/2 {
		t.Errorf("retry allowance not doubled: first %s, second %s", allowances[0], allowances[1])
	}
}

func TestNetworkErrorsRetryWithinBudget(t *testing.T) {
	reg := registry.New(zap.NewNop())
	registerTyped(reg, steadyAgent("knowledge", 0.8))

	var mu sync.Mutex
	calls := 0
	registerTyped(reg, &scriptedAgent{kind: "lifestyle", run: func(context.Context, registry.StepContext) (*registry.StepPayload, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 2 {
			return nil, connErr{}
		}
		return &registry.StepPayload{Content: "trend ok", Confidence: 0.75}, nil
	}})

	e := newTestEngine(t, reg, testConfig())
	goal := &planner.Goal{ID: "g-net", Type: planner.GoalMonitoring, Description: "watch vitals"}
	inst, err := e.Start(context.Background(), goal, Options{MaxIterations: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	if got := inst.Status(); got != StatusCompleted {
		t.Fatalf("status %s after two transient network errors, result %+v", got, inst.Result())
	}
	for _, sr := range inst.Result().StepResults {
		if sr.StepName == "trend assessment" && sr.Attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", sr.Attempts)
		}
	}
}

func TestGateFailureDegradesToFallback(t *testing.T) {
	reg := registry.New(zap.NewNop())
	registerTyped(reg, steadyAgent("knowledge", 0.8))
	// Confidence too low to clear the differential diagnosis gate.
	registerTyped(reg, steadyAgent("diagnostic", 0.5))

	e := newTestEngine(t, reg, testConfig())
	goal := &planner.Goal{ID: "g-gate", Type: planner.GoalDiagnosis, Description: "recurring headaches"}
	inst, err := e.Start(context.Background(), goal, Options{MaxIterations: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	if got := inst.Status(); got != StatusCompleted {
		t.Fatalf("a degraded step is a warning, not a failure: %s (%+v)", got, inst.Result())
	}

	var degraded *StepResult
	for _, sr := range inst.Result().StepResults {
		if sr.StepName == "differential diagnosis" {
			r := sr
			degraded = &r
		}
	}
	if degraded == nil {
		t.Fatal("differential diagnosis result missing")
	}
	if degraded.Status != StepWarning || !degraded.Fallback {
		t.Errorf("gate failure must produce a tagged fallback: %+v", degraded)
	}
	if degraded.Class != ClassValidation {
		t.Errorf("fallback class: %s", degraded.Class)
	}
	if want := 0.9 / 2; degraded.Score != want {
		t.Errorf("fallback score is half the step threshold: %f, want %f", degraded.Score, want)
	}
}

func TestUnknownErrorFailsWorkflow(t *testing.T) {
	reg := registry.New(zap.NewNop())
	registerTyped(reg, steadyAgent("knowledge", 0.8))
	registerTyped(reg, &scriptedAgent{kind: "lifestyle", run: func(context.Context, registry.StepContext) (*registry.StepPayload, error) {
		return nil, errors.New("something odd happened")
	}})

	e := newTestEngine(t, reg, testConfig())
	goal := &planner.Goal{ID: "g-unknown", Type: planner.GoalMonitoring, Description: "watch vitals"}
	inst, err := e.Start(context.Background(), goal, Options{MaxIterations: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, inst)

	if got := inst.Status(); got != StatusFailed {
		t.Fatalf("unknown errors end recovery, got %s", got)
	}

	var failed *StepResult
	for _, sr := range inst.Result().StepResults {
		if sr.Status == StepError {
			r := sr
			failed = &r
		}
	}
	if failed == nil {
		t.Fatal("no error result recorded")
	}
	if failed.Class != ClassUnknown || failed.Attempts != 1 {
		t.Errorf("unknown error gets no retry: %+v", failed)
	}
}
