package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Improvement names one action from the improvement catalog.
type Improvement struct {
	Action string         `json:"action"` // add_validation, optimize_performance, decompose_long_steps, tag
	Target string         `json:"target,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Duration ceiling above which decompose_long_steps splits a step.
const decomposeCeiling = 10 * time.Minute

// optimizeFactor shrinks estimated durations when optimize_performance runs.
const optimizeFactor = 0.8

// ImprovePlan applies catalog actions to a plan and returns a new immutable
// plan version with a fresh id, the parent reference, and an audit trail of
// applied actions. An empty improvement list still mints a new id with
// identical steps, duration, and resources.
func (p *Planner) ImprovePlan(ctx context.Context, plan *Plan, improvements []Improvement) (*Plan, error) {
	if plan == nil {
		return nil, fmt.Errorf("improve: plan is nil")
	}

	steps := cloneSteps(plan.Steps)
	audit := append([]string(nil), plan.Audit...)

	for _, imp := range improvements {
		switch imp.Action {
		case "add_validation":
			steps = addValidationSteps(steps)
			audit = append(audit, "add_validation")
		case "optimize_performance":
			for i := range steps {
				steps[i].Duration = time.Duration(float64(steps[i].Duration) * optimizeFactor)
				steps[i].Tools = appendUnique(steps[i].Tools, "performance-optimizer")
			}
			audit = append(audit, "optimize_performance")
		case "decompose_long_steps":
			steps = decomposeLongSteps(steps)
			audit = append(audit, "decompose_long_steps")
		default:
			for i := range steps {
				steps[i].Tags = appendUnique(steps[i].Tags, imp.Action)
			}
			audit = append(audit, fmt.Sprintf("tag:%s", imp.Action))
		}
	}

	improved := &Plan{
		ID:           uuid.New().String(),
		GoalID:       plan.GoalID,
		ParentPlanID: plan.ID,
		Steps:        steps,
		Complexity:   plan.Complexity,
		QualityGates: make(map[string]float64),
		Audit:        audit,
		CreatedAt:    time.Now(),
	}
	improved.Resources = estimateResources(steps)
	improved.EstimatedDuration = criticalPath(steps)
	improved.Risk = plan.Risk
	attachQualityGates(improved)

	if err := ValidateDependencies(improved); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.plans[improved.ID] = improved
	p.mu.Unlock()

	p.logger.Info("plan improved",
		zap.String("plan", improved.ID),
		zap.String("parent", plan.ID),
		zap.Int("applied", len(improvements)))
	return improved, nil
}

// Replan builds a fresh plan for the goal behind an existing plan, folding
// new context into the stored goal. The old plan remains untouched.
func (p *Planner) Replan(ctx context.Context, planID string, reason string, extra map[string]any) (*Plan, error) {
	p.mu.RLock()
	old, ok := p.plans[planID]
	var goal *Goal
	if ok {
		goal = p.goals[old.GoalID]
	}
	p.mu.RUnlock()

	if !ok || goal == nil {
		return nil, ErrPlanNotFound
	}

	merged := *goal
	if len(extra) > 0 {
		merged.Context = make(map[string]any, len(goal.Context)+len(extra))
		for k, v := range goal.Context {
			merged.Context[k] = v
		}
		for k, v := range extra {
			merged.Context[k] = v
		}
	}

	fresh, err := p.CreatePlan(ctx, &merged)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	fresh.ParentPlanID = old.ID
	fresh.Audit = append(fresh.Audit, fmt.Sprintf("replan:%s", reason))
	p.mu.Unlock()

	return fresh, nil
}

func cloneSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s
		out[i].DependsOn = append([]string(nil), s.DependsOn...)
		out[i].Tools = append([]string(nil), s.Tools...)
		out[i].Tags = append([]string(nil), s.Tags...)
		out[i].SupportingAgents = append([]string(nil), s.SupportingAgents...)
		out[i].Contingencies = append([]Contingency(nil), s.Contingencies...)
	}
	return out
}

// addValidationSteps inserts a validation step after each quality-critical
// step that is not already followed by one.
func addValidationSteps(steps []Step) []Step {
	out := make([]Step, 0, len(steps)+2)
	for _, s := range steps {
		out = append(out, s)
		if s.Type != StepDiagnosis && s.Type != StepTreatment {
			continue
		}
		v := Step{
			ID:               uuid.New().String(),
			Name:             s.Name + " validation",
			Type:             StepValidation,
			AgentType:        "knowledge",
			Tools:            []string{"report-validator"},
			DependsOn:        []string{s.ID},
			Duration:         2 * time.Minute,
			QualityThreshold: 0.85,
			Instruction:      fmt.Sprintf("validate output of %s", s.Name),
		}
		out = append(out, v)
	}
	return out
}

// decomposeLongSteps splits any step above the ceiling into chained
// fixed-size sub-steps preserving the original dependency edges.
func decomposeLongSteps(steps []Step) []Step {
	const chunk = 5 * time.Minute

	out := make([]Step, 0, len(steps))
	// Maps an original step id to the id of its final sub-step so downstream
	// dependencies follow the whole chain.
	tail := make(map[string]string)

	for _, s := range steps {
		if s.Duration <= decomposeCeiling {
			out = append(out, s)
			continue
		}

		parts := int(s.Duration / chunk)
		if s.Duration%chunk != 0 {
			parts++
		}
		prev := ""
		for i := 0; i < parts; i++ {
			sub := s
			sub.ID = uuid.New().String()
			sub.Name = fmt.Sprintf("%s (part %d/%d)", s.Name, i+1, parts)
			sub.Duration = chunk
			if remaining := s.Duration - time.Duration(i)*chunk; remaining < chunk {
				sub.Duration = remaining
			}
			if prev == "" {
				sub.DependsOn = append([]string(nil), s.DependsOn...)
			} else {
				sub.DependsOn = []string{prev}
			}
			prev = sub.ID
			out = append(out, sub)
		}
		tail[s.ID] = prev
	}

	for i := range out {
		for j, dep := range out[i].DependsOn {
			if t, ok := tail[dep]; ok {
				out[i].DependsOn[j] = t
			}
		}
	}
	return out
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}
