package reflection

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/config"
)

func newTestEngine() *Engine {
	return New(config.Default().Reflection, zap.NewNop())
}

func goodInput(goal string) Input {
	return Input{
		GoalID: goal,
		Dimensions: Dimensions{
			Accuracy:     0.9,
			Completeness: 0.85,
			Relevance:    0.9,
			Efficiency:   0.8,
		},
	}
}

func TestReflectIsDeterministic(t *testing.T) {
	e := newTestEngine()

	a, err := e.Reflect(context.Background(), goodInput("g1"))
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	b, err := e.Reflect(context.Background(), goodInput("g1"))
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}

	if a.OverallScore != b.OverallScore {
		t.Errorf("identical input must score identically: %f vs %f", a.OverallScore, b.OverallScore)
	}
	if want := (0.9 + 0.85 + 0.9 + 0.8) / 4; a.OverallScore != want {
		t.Errorf("overall must be the dimension mean: got %f, want %f", a.OverallScore, want)
	}
}

func TestReflectPropagatesTrustedScore(t *testing.T) {
	e := newTestEngine()

	in := goodInput("g1")
	in.TrustedScore = 0.95

	res, err := e.Reflect(context.Background(), in)
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if res.OverallScore != 0.95 {
		t.Errorf("trusted score must pass through unchanged, got %f", res.OverallScore)
	}
}

func TestReflectRequiresGoalID(t *testing.T) {
	e := newTestEngine()
	if _, err := e.Reflect(context.Background(), Input{}); err == nil {
		t.Fatal("expected error for missing goal id")
	}
}

func TestShouldIterateRule(t *testing.T) {
	e := newTestEngine()

	// All dimensions clear the threshold and there are no issues.
	res, err := e.Reflect(context.Background(), goodInput("g-ok"))
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if res.ShouldIterate {
		t.Error("clean high score must not iterate")
	}

	// Overall below the 0.7 threshold.
	low := Input{GoalID: "g-low", Dimensions: Dimensions{
		Accuracy: 0.8, Completeness: 0.8, Relevance: 0.8, Efficiency: 0.2,
	}}
	res, err = e.Reflect(context.Background(), low)
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if !res.ShouldIterate {
		t.Errorf("score %f below threshold must iterate", res.OverallScore)
	}

	// Critical issue forces iteration regardless of score.
	// A non-critical issue forces iteration even when every dimension scores
	// above the threshold.
	flagged := goodInput("g-flagged")
	flagged.Issues = []string{"timeout"}
	res, err = e.Reflect(context.Background(), flagged)
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if res.OverallScore < e.cfg.IterateThreshold {
		t.Fatalf("test premise broken: mean %f should clear threshold", res.OverallScore)
	}
	if !res.ShouldIterate {
		t.Error("reported issue must force iteration")
	}

	crit := goodInput("g-crit")
	crit.Critical = []string{"quality_below_gate"}
	res, err = e.Reflect(context.Background(), crit)
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if !res.ShouldIterate {
		t.Error("critical issue must force iteration")
	}

	// A high-priority suggestion (accuracy dip) forces iteration even though
	// the mean still clears the threshold.
	dip := Input{GoalID: "g-dip", Dimensions: Dimensions{
		Accuracy: 0.6, Completeness: 0.95, Relevance: 0.95, Efficiency: 0.95,
	}}
	res, err = e.Reflect(context.Background(), dip)
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if res.OverallScore < e.cfg.IterateThreshold {
		t.Fatalf("test premise broken: mean %f should clear threshold", res.OverallScore)
	}
	if !res.ShouldIterate {
		t.Error("high-priority suggestion must force iteration")
	}
}

func TestSuggestionsSortedByPriority(t *testing.T) {
	e := newTestEngine()

	in := Input{
		GoalID: "g1",
		Dimensions: Dimensions{
			Accuracy: 0.6, Completeness: 0.6, Relevance: 0.9, Efficiency: 0.5,
		},
		Critical: []string{"quality_below_gate"},
	}
	res, err := e.Reflect(context.Background(), in)
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if len(res.Suggestions) < 4 {
		t.Fatalf("expected suggestions for each deficit, got %d", len(res.Suggestions))
	}
	if res.Suggestions[0].Priority != PriorityCritical {
		t.Errorf("critical suggestion must sort first, got %s", res.Suggestions[0].Priority)
	}
	for i := 1; i < len(res.Suggestions); i++ {
		if priorityWeight[res.Suggestions[i].Priority] > priorityWeight[res.Suggestions[i-1].Priority] {
			t.Errorf("suggestions out of priority order at %d", i)
		}
	}
	if len(res.NextActions) > e.cfg.MaxNextActions {
		t.Errorf("next actions exceed cap: %d", len(res.NextActions))
	}
}

func TestCommonIssuesAfterRecurrence(t *testing.T) {
	e := newTestEngine()

	first := goodInput("g1")
	first.Issues = []string{"timeout", "missing_data"}
	if _, err := e.Reflect(context.Background(), first); err != nil {
		t.Fatalf("reflect: %v", err)
	}

	second := goodInput("g1")
	second.Issues = []string{"timeout"}
	res, err := e.Reflect(context.Background(), second)
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}

	if len(res.CommonIssues) != 1 || res.CommonIssues[0] != "timeout" {
		t.Errorf("only the recurring issue is common, got %v", res.CommonIssues)
	}
}

func TestHistoryAppendOnlyAndIterationNumbering(t *testing.T) {
	e := newTestEngine()

	for i := 0; i < 3; i++ {
		if _, err := e.Reflect(context.Background(), goodInput("g1")); err != nil {
			t.Fatalf("reflect %d: %v", i, err)
		}
	}

	hist := e.History("g1")
	if len(hist) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(hist))
	}
	for i, res := range hist {
		if res.Iteration != i+1 {
			t.Errorf("entry %d: iteration %d", i, res.Iteration)
		}
	}

	// The returned slice is a copy.
	hist[0] = nil
	if e.History("g1")[0] == nil {
		t.Error("History must return a defensive copy")
	}

	if got := e.History("unknown"); len(got) != 0 {
		t.Errorf("unknown goal must have empty history, got %d", len(got))
	}
}

func TestIterativeReflectionStopsWhenSatisfied(t *testing.T) {
	e := newTestEngine()

	inputs := []Input{
		{GoalID: "g1", Dimensions: Dimensions{Accuracy: 0.4, Completeness: 0.4, Relevance: 0.4, Efficiency: 0.4}},
		goodInput("g1"),
		goodInput("g1"),
	}
	out, err := e.IterativeReflection(context.Background(), inputs, 3)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected stop after the second, satisfying result, got %d", len(out))
	}
	if out[0].ShouldIterate != true || out[1].ShouldIterate != false {
		t.Errorf("iteration decisions wrong: %v, %v", out[0].ShouldIterate, out[1].ShouldIterate)
	}
}

func TestRealtimeReflectionEarlyStop(t *testing.T) {
	e := newTestEngine()

	stop, score, err := e.RealtimeReflection(context.Background(), Input{
		GoalID:     "g1",
		Partial:    true,
		Dimensions: Dimensions{Accuracy: 0.2, Relevance: 0.2},
	})
	if err != nil {
		t.Fatalf("realtime: %v", err)
	}
	if !stop {
		t.Errorf("score %f under half the threshold must stop", score)
	}

	stop, _, err = e.RealtimeReflection(context.Background(), Input{
		GoalID:     "g1",
		Partial:    true,
		Dimensions: Dimensions{Accuracy: 0.8, Relevance: 0.8},
	})
	if err != nil {
		t.Fatalf("realtime: %v", err)
	}
	if stop {
		t.Error("healthy trajectory must not stop")
	}
}

func TestConfidenceShrinksWithSpread(t *testing.T) {
	e := newTestEngine()

	even, err := e.Reflect(context.Background(), Input{GoalID: "g1", Dimensions: Dimensions{
		Accuracy: 0.8, Completeness: 0.8, Relevance: 0.8, Efficiency: 0.8,
	}})
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	lopsided, err := e.Reflect(context.Background(), Input{GoalID: "g1", Dimensions: Dimensions{
		Accuracy: 1.0, Completeness: 1.0, Relevance: 1.0, Efficiency: 0.2,
	}})
	if err != nil {
		t.Fatalf("reflect: %v", err)
	}
	if lopsided.Confidence >= even.Confidence {
		t.Errorf("lopsided profile must be less confident: %f vs %f",
			lopsided.Confidence, even.Confidence)
	}
}
