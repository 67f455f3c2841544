// Package planner decomposes goals into dependency-graphed step plans with
// duration, resource, and risk estimates. Plans are immutable versions;
// improvement and replanning always mint a new plan id.
package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/registry"
)

// ValidationError reports a malformed goal before any decomposition work.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid goal: %s %s", e.Field, e.Reason)
}

// ErrPlanNotFound is returned by Replan for an unknown plan id.
var ErrPlanNotFound = fmt.Errorf("plan not found")

// Planner builds and evolves plans. It consults the agent registry for
// assignment hints but never mutates agent state.
type Planner struct {
	registry *registry.Registry
	mu       sync.RWMutex
	plans    map[string]*Plan
	goals    map[string]*Goal
	logger   *zap.Logger
}

// New creates a planner.
func New(reg *registry.Registry, logger *zap.Logger) *Planner {
	return &Planner{
		registry: reg,
		plans:    make(map[string]*Plan),
		goals:    make(map[string]*Goal),
		logger:   logger,
	}
}

// Get returns a stored plan by id.
func (p *Planner) Get(planID string) (*Plan, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pl, ok := p.plans[planID]
	return pl, ok
}

// Evict drops a stored plan. The goal is released with its last plan; an
// evicted plan can no longer seed Replan.
func (p *Planner) Evict(planID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.plans[planID]
	if !ok {
		return
	}
	delete(p.plans, planID)
	for _, other := range p.plans {
		if other.GoalID == pl.GoalID {
			return
		}
	}
	delete(p.goals, pl.GoalID)
}

// CreatePlan validates the goal, classifies its complexity, and decomposes it
// into a dependency-graphed step set ending in a mandatory integration step.
func (p *Planner) CreatePlan(ctx context.Context, goal *Goal) (*Plan, error) {
	if err := validateGoal(goal); err != nil {
		return nil, err
	}

	complexity := classifyComplexity(goal)

	collection := baseCollectionStep(goal)
	templates := templateSteps(goal, complexity)
	for i := range templates {
		if len(templates[i].DependsOn) == 0 {
			templates[i].DependsOn = []string{collection.ID}
		}
	}
	steps := append([]Step{collection}, templates...)
	steps = append(steps, integrationStep(steps))

	p.assignAgents(steps)

	plan := &Plan{
		ID:           uuid.New().String(),
		GoalID:       goal.ID,
		Steps:        steps,
		Complexity:   complexity,
		QualityGates: make(map[string]float64),
		CreatedAt:    time.Now(),
	}
	plan.Resources = estimateResources(steps)
	plan.EstimatedDuration = criticalPath(steps)
	plan.Risk = assessRisk(goal, complexity)
	attachQualityGates(plan)

	if err := ValidateDependencies(plan); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.plans[plan.ID] = plan
	goalCopy := *goal
	p.goals[goal.ID] = &goalCopy
	p.mu.Unlock()

	p.logger.Info("plan created",
		zap.String("plan", plan.ID),
		zap.String("goal", goal.ID),
		zap.String("complexity", complexity.Level),
		zap.Int("steps", len(steps)),
		zap.Duration("critical_path", plan.EstimatedDuration))
	return plan, nil
}

// ValidateDependencies checks that every step dependency resolves to a step
// id within the same plan.
func ValidateDependencies(plan *Plan) error {
	ids := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		ids[s.ID] = true
	}
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("step %s: dangling dependency %s", s.ID, dep)
			}
		}
	}
	return nil
}

func validateGoal(goal *Goal) error {
	if goal == nil {
		return &ValidationError{Field: "goal", Reason: "is nil"}
	}
	if goal.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if goal.Type == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if goal.Description == "" {
		return &ValidationError{Field: "description", Reason: "is required"}
	}
	return nil
}

// classifyComplexity scores the goal from weighted task-type, data-volume,
// time-constraint, and population-risk factors. Higher complexity discounts
// the planner's confidence.
func classifyComplexity(goal *Goal) Complexity {
	typeFactor := map[GoalType]float64{
		GoalDiagnosis:    0.8,
		GoalTreatment:    0.7,
		GoalConsultation: 0.4,
		GoalMonitoring:   0.3,
	}[goal.Type]
	if typeFactor == 0 {
		typeFactor = 0.5
	}

	dataFactor := 0.2
	if n := len(goal.Context); n > 0 {
		dataFactor = clamp01(0.2 + float64(n)*0.1)
	}

	timeFactor := 0.0
	if !goal.Deadline.IsZero() {
		remaining := time.Until(goal.Deadline)
		switch {
		case remaining < time.Hour:
			timeFactor = 1.0
		case remaining < 24*time.Hour:
			timeFactor = 0.6
		default:
			timeFactor = 0.2
		}
	}

	riskFactor := 0.3
	if pop, ok := goal.Context["population_risk"].(float64); ok {
		riskFactor = clamp01(pop)
	}

	score := clamp01(0.35*typeFactor + 0.25*dataFactor + 0.2*timeFactor + 0.2*riskFactor)

	level := "simple"
	switch {
	case score >= 0.7:
		level = "complex"
	case score >= 0.4:
		level = "moderate"
	}

	return Complexity{
		Level:      level,
		Score:      score,
		Confidence: clamp01(1.0 - score*0.4),
	}
}

func baseCollectionStep(goal *Goal) Step {
	return Step{
		ID:               uuid.New().String(),
		Name:             "data collection",
		Type:             StepCollection,
		AgentType:        "knowledge",
		Tools:            []string{"history-aggregator"},
		Duration:         2 * time.Minute,
		QualityThreshold: 0.7,
		Instruction:      fmt.Sprintf("collect context for: %s", goal.Description),
		Contingencies: []Contingency{
			{Trigger: "missing_data", Action: ContingencyRetry},
		},
	}
}

// templateSteps emits the type-specific decomposition. Each template chains
// off the collection step implicitly; integrationStep wires dependencies.
func templateSteps(goal *Goal, c Complexity) []Step {
	switch goal.Type {
	case GoalDiagnosis:
		analysis := Step{
			ID:               uuid.New().String(),
			Name:             "symptom analysis",
			Type:             StepAnalysis,
			AgentType:        "diagnostic",
			Tools:            []string{"symptom-matcher", "vitals-analyzer"},
			Duration:         5 * time.Minute,
			QualityThreshold: 0.8,
			Instruction:      "analyze reported symptoms against history",
			Contingencies: []Contingency{
				{Trigger: "low_confidence", Action: ContingencyAlternative},
			},
		}
		diagnosis := Step{
			ID:               uuid.New().String(),
			Name:             "differential diagnosis",
			Type:             StepDiagnosis,
			AgentType:        "diagnostic",
			Tools:            []string{"symptom-matcher"},
			DependsOn:        []string{analysis.ID},
			Duration:         8 * time.Minute,
			QualityThreshold: 0.9,
			Instruction:      "produce ranked differential diagnosis",
			Contingencies: []Contingency{
				{Trigger: "quality_below_gate", Action: ContingencyEscalate},
			},
		}
		return []Step{analysis, diagnosis}

	case GoalTreatment:
		assess := Step{
			ID:               uuid.New().String(),
			Name:             "condition assessment",
			Type:             StepAssessment,
			AgentType:        "diagnostic",
			Tools:            []string{"vitals-analyzer"},
			Duration:         4 * time.Minute,
			QualityThreshold: 0.8,
			Instruction:      "assess current condition severity",
		}
		treat := Step{
			ID:               uuid.New().String(),
			Name:             "treatment planning",
			Type:             StepTreatment,
			AgentType:        "treatment",
			Tools:            []string{"intervention-planner"},
			DependsOn:        []string{assess.ID},
			Duration:         7 * time.Minute,
			QualityThreshold: 0.85,
			Instruction:      "draft intervention plan with monitoring checkpoints",
			Contingencies: []Contingency{
				{Trigger: "contraindication", Action: ContingencyAbort},
			},
		}
		return []Step{assess, treat}

	case GoalMonitoring:
		return []Step{{
			ID:               uuid.New().String(),
			Name:             "trend assessment",
			Type:             StepAssessment,
			AgentType:        "lifestyle",
			Tools:            []string{"vitals-analyzer"},
			Duration:         3 * time.Minute,
			QualityThreshold: 0.7,
			Instruction:      "evaluate monitored metrics against baselines",
		}}

	case GoalConsultation:
		rec := Step{
			ID:               uuid.New().String(),
			Name:             "recommendation drafting",
			Type:             StepRecommendation,
			AgentType:        "treatment",
			Tools:            []string{"guideline-lookup"},
			Duration:         4 * time.Minute,
			QualityThreshold: 0.75,
			Instruction:      "draft consultation recommendations",
		}
		if c.Level == "complex" {
			review := Step{
				ID:               uuid.New().String(),
				Name:             "specialist review",
				Type:             StepValidation,
				AgentType:        "diagnostic",
				DependsOn:        []string{rec.ID},
				Duration:         3 * time.Minute,
				QualityThreshold: 0.85,
				Instruction:      "review drafted recommendations",
			}
			return []Step{rec, review}
		}
		return []Step{rec}

	default:
		return []Step{{
			ID:               uuid.New().String(),
			Name:             "task execution",
			Type:             StepGeneric,
			AgentType:        "knowledge",
			Duration:         5 * time.Minute,
			QualityThreshold: 0.7,
			Instruction:      goal.Description,
		}}
	}
}

// integrationStep depends on every prior step and closes the plan.
func integrationStep(prior []Step) Step {
	deps := make([]string, 0, len(prior))
	for _, s := range prior {
		deps = append(deps, s.ID)
	}
	return Step{
		ID:               uuid.New().String(),
		Name:             "integration and validation",
		Type:             StepIntegration,
		AgentType:        "knowledge",
		Tools:            []string{"report-validator"},
		DependsOn:        deps,
		Duration:         3 * time.Minute,
		QualityThreshold: 0.8,
		Instruction:      "integrate step outputs into a validated result",
	}
}

// assignAgents fills supporting-agent hints from the registry without
// touching agent state.
func (p *Planner) assignAgents(steps []Step) {
	if p.registry == nil {
		return
	}
	for i := range steps {
		s := &steps[i]
		profiles := p.registry.Find(registry.Query{Required: []string{string(s.Type)}})
		for _, prof := range profiles {
			if prof.Type == s.AgentType {
				continue
			}
			s.SupportingAgents = append(s.SupportingAgents, prof.ID)
			if len(s.SupportingAgents) >= 2 {
				break
			}
		}
	}
}

func estimateResources(steps []Step) ResourceEstimate {
	agents := make(map[string]bool)
	tools := make(map[string]bool)
	var total time.Duration
	for _, s := range steps {
		agents[s.AgentType] = true
		for _, t := range s.Tools {
			tools[t] = true
		}
		total += s.Duration
	}
	return ResourceEstimate{
		Agents:        len(agents),
		Tools:         len(tools),
		TotalDuration: total,
	}
}

// criticalPath computes the longest dependency chain by depth-first duration
// accumulation. This, not the naive sum, is the scheduling-relevant duration.
func criticalPath(steps []Step) time.Duration {
	byID := make(map[string]*Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	memo := make(map[string]time.Duration, len(steps))
	var longest func(id string) time.Duration
	longest = func(id string) time.Duration {
		if d, ok := memo[id]; ok {
			return d
		}
		s, ok := byID[id]
		if !ok {
			return 0
		}
		var maxDep time.Duration
		for _, dep := range s.DependsOn {
			if d := longest(dep); d > maxDep {
				maxDep = d
			}
		}
		total := maxDep + s.Duration
		memo[id] = total
		return total
	}

	var deepest time.Duration
	for _, s := range steps {
		if d := longest(s.ID); d > deepest {
			deepest = d
		}
	}
	return deepest
}

func assessRisk(goal *Goal, c Complexity) RiskLevel {
	switch {
	case c.Score >= 0.7 || goal.Type == GoalDiagnosis && c.Score >= 0.6:
		return RiskHigh
	case c.Score >= 0.4:
		return RiskModerate
	default:
		return RiskLow
	}
}

// attachQualityGates gates diagnosis/planning steps and any step whose own
// threshold exceeds 0.85.
func attachQualityGates(plan *Plan) {
	for _, s := range plan.Steps {
		if s.Type == StepDiagnosis || s.Type == StepTreatment || s.QualityThreshold > 0.85 {
			plan.QualityGates[s.ID] = s.QualityThreshold
		}
	}
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
