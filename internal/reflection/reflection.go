// Package reflection scores completed work across four quality dimensions
// and decides whether the orchestrator should iterate. Reflection history is
// append-only per goal and is mined for recurring issues.
package reflection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/config"
)

// Priority ranks an improvement suggestion.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityWeight = map[Priority]int{
	PriorityLow:      1,
	PriorityMedium:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// Suggestion is one typed improvement recommendation.
type Suggestion struct {
	Priority    Priority `json:"priority"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
	Impact      float64  `json:"impact"` // expected score gain, [0,1]
}

// Dimensions holds the four quality axes, each in [0,1].
type Dimensions struct {
	Accuracy     float64 `json:"accuracy"`
	Completeness float64 `json:"completeness"`
	Relevance    float64 `json:"relevance"`
	Efficiency   float64 `json:"efficiency"`
}

// Input is the completed (or partial) work under assessment.
type Input struct {
	GoalID       string        `json:"goal_id"`
	Dimensions   Dimensions    `json:"dimensions"`
	TrustedScore float64       `json:"trusted_score,omitempty"` // >0 means already validated upstream
	Issues       []string      `json:"issues,omitempty"`
	Critical     []string      `json:"critical_issues,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	Partial      bool          `json:"partial,omitempty"`
}

// Result is one reflection outcome. Append-only history keyed by goal id.
type Result struct {
	GoalID        string       `json:"goal_id"`
	OverallScore  float64      `json:"overall_score"`
	Confidence    float64      `json:"confidence"`
	Dimensions    Dimensions   `json:"dimensions"`
	Suggestions   []Suggestion `json:"suggestions"`
	NextActions   []string     `json:"next_actions"`
	ShouldIterate bool         `json:"should_iterate"`
	CommonIssues  []string     `json:"common_issues,omitempty"`
	Iteration     int          `json:"iteration"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Engine is the reflection engine. The iterate threshold and suggestion caps
// come from configuration, not constants.
type Engine struct {
	cfg     config.ReflectionConfig
	mu      sync.RWMutex
	history map[string][]*Result
	issues  map[string]map[string]int // goal id -> issue -> occurrences
	logger  *zap.Logger
}

// New creates a reflection engine.
func New(cfg config.ReflectionConfig, logger *zap.Logger) *Engine {
	if cfg.IterateThreshold == 0 {
		cfg.IterateThreshold = 0.7
	}
	if cfg.DimensionThreshold == 0 {
		cfg.DimensionThreshold = 0.7
	}
	if cfg.MaxNextActions == 0 {
		cfg.MaxNextActions = 5
	}
	return &Engine{
		cfg:     cfg,
		history: make(map[string][]*Result),
		issues:  make(map[string]map[string]int),
		logger:  logger,
	}
}

// Reflect assesses one result. Given identical input it returns the same
// overall score, and ShouldIterate is exactly:
// score < threshold || critical issues exist || any suggestion is high/critical.
func (e *Engine) Reflect(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.GoalID == "" {
		return nil, fmt.Errorf("reflect: goal id is required")
	}

	dims := Dimensions{
		Accuracy:     clamp01(in.Dimensions.Accuracy),
		Completeness: clamp01(in.Dimensions.Completeness),
		Relevance:    clamp01(in.Dimensions.Relevance),
		Efficiency:   clamp01(in.Dimensions.Efficiency),
	}

	// A trusted upstream score is propagated directly; re-scoring validated
	// work would double-count.
	overall := clamp01(in.TrustedScore)
	if overall == 0 {
		overall = (dims.Accuracy + dims.Completeness + dims.Relevance + dims.Efficiency) / 4
	}

	suggestions := e.suggest(dims, in.Issues, in.Critical)

	// Any reported issue warrants another pass, critical or not.
	shouldIterate := overall < e.cfg.IterateThreshold || len(in.Issues) > 0 || len(in.Critical) > 0
	for _, s := range suggestions {
		if s.Priority == PriorityHigh || s.Priority == PriorityCritical {
			shouldIterate = true
			break
		}
	}

	res := &Result{
		GoalID:        in.GoalID,
		OverallScore:  overall,
		Confidence:    confidence(dims, overall),
		Dimensions:    dims,
		Suggestions:   suggestions,
		NextActions:   nextActions(suggestions, e.cfg.MaxNextActions),
		ShouldIterate: shouldIterate,
		Timestamp:     time.Now(),
	}

	e.record(in, res)

	e.logger.Debug("reflection complete",
		zap.String("goal", in.GoalID),
		zap.Float64("score", overall),
		zap.Bool("iterate", shouldIterate))
	return res, nil
}

// IterativeReflection reflects over successive results until the engine is
// satisfied or maxIterations is reached. Results are assessed in order.
func (e *Engine) IterativeReflection(ctx context.Context, inputs []Input, maxIterations int) ([]*Result, error) {
	if maxIterations <= 0 || maxIterations > len(inputs) {
		maxIterations = len(inputs)
	}
	var out []*Result
	for i := 0; i < maxIterations; i++ {
		res, err := e.Reflect(ctx, inputs[i])
		if err != nil {
			return out, err
		}
		res.Iteration = i + 1
		out = append(out, res)
		if !res.ShouldIterate {
			break
		}
	}
	return out, nil
}

// RealtimeReflection gives an early-stop signal for a still-running step.
// Partial results are judged on accuracy and relevance only; a clearly bad
// trajectory should be stopped before wasting the remaining budget.
func (e *Engine) RealtimeReflection(ctx context.Context, in Input) (stop bool, score float64, err error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	score = (clamp01(in.Dimensions.Accuracy) + clamp01(in.Dimensions.Relevance)) / 2
	stop = score < e.cfg.IterateThreshold/2 || len(in.Critical) > 0
	return stop, score, nil
}

// History returns the append-only reflection history for a goal.
func (e *Engine) History(goalID string) []*Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Result(nil), e.history[goalID]...)
}

func (e *Engine) record(in Input, res *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res.Iteration = len(e.history[in.GoalID]) + 1
	e.history[in.GoalID] = append(e.history[in.GoalID], res)

	counts := e.issues[in.GoalID]
	if counts == nil {
		counts = make(map[string]int)
		e.issues[in.GoalID] = counts
	}
	for _, iss := range in.Issues {
		counts[iss]++
	}
	for _, iss := range in.Critical {
		counts[iss]++
	}

	// An issue recurring across iterations is flagged as common.
	var common []string
	for iss, n := range counts {
		if n >= 2 {
			common = append(common, iss)
		}
	}
	sort.Strings(common)
	res.CommonIssues = common
}

func confidence(d Dimensions, overall float64) float64 {
	// Confidence shrinks with dimension spread: an even profile is more
	// trustworthy than one propped up by a single axis.
	vals := []float64{d.Accuracy, d.Completeness, d.Relevance, d.Efficiency}
	var spread float64
	for _, v := range vals {
		diff := v - overall
		if diff < 0 {
			diff = -diff
		}
		if diff > spread {
			spread = diff
		}
	}
	return clamp01(1.0 - spread)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
