package workflow

import (
	"time"

	"github.com/nidhogg/caremesh/internal/planner"
)

// Status is the instance lifecycle state. Completed and failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StepStatus grades one step's outcome.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepWarning StepStatus = "warning"
	StepError   StepStatus = "error"
)

// StepResult is the immutable record of one step execution. It is appended
// to the instance in completion order and never mutated.
type StepResult struct {
	StepID    string         `json:"step_id"`
	StepName  string         `json:"step_name"`
	Status    StepStatus     `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	Score     float64        `json:"score"`
	Elapsed   time.Duration  `json:"elapsed"`
	ToolsUsed []string       `json:"tools_used,omitempty"`
	Attempts  int            `json:"attempts"`
	Fallback  bool           `json:"fallback,omitempty"` // degraded result, not a normal success
	Err       string         `json:"error,omitempty"`
	Class     ErrorClass     `json:"error_class,omitempty"`
}

// Result is the aggregate outcome of one instance, fed to reflection.
type Result struct {
	InstanceID   string        `json:"instance_id"`
	GoalID       string        `json:"goal_id"`
	PlanID       string        `json:"plan_id"`
	Status       Status        `json:"status"`
	StepResults  []StepResult  `json:"step_results"`
	QualityScore float64       `json:"quality_score"`
	Elapsed      time.Duration `json:"elapsed"`
	Iteration    int           `json:"iteration"`
}

// Progress is the observable status of a running instance.
type Progress struct {
	InstanceID    string        `json:"instance_id"`
	Status        Status        `json:"status"`
	Completed     int           `json:"completed"`
	Total         int           `json:"total"`
	QualityScore  float64       `json:"quality_score"`
	TimeRemaining time.Duration `json:"estimated_time_remaining"`
}

// Options tune one workflow start.
type Options struct {
	// MaxIterations caps reflection-driven re-execution. Zero uses config.
	MaxIterations int
	// Supersede stops a running instance for the same goal instead of
	// rejecting the start.
	Supersede bool
}

// overallStatus derives the final status deterministically from the
// completed step result set: any hard error fails the workflow regardless of
// the order results arrived in.
func overallStatus(plan *planner.Plan, results []StepResult) Status {
	byStep := make(map[string]StepResult, len(results))
	for _, r := range results {
		byStep[r.StepID] = r
	}
	for _, s := range plan.Steps {
		r, ok := byStep[s.ID]
		if !ok {
			return StatusFailed
		}
		if r.Status == StepError {
			return StatusFailed
		}
	}
	return StatusCompleted
}

// qualityScore is the mean score of recorded results, in [0,1].
func qualityScore(results []StepResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += clamp01(r.Score)
	}
	return sum / float64(len(results))
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
