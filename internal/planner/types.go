package planner

import "time"

// GoalType categorizes what the user asked for.
type GoalType string

const (
	GoalDiagnosis    GoalType = "diagnosis"
	GoalTreatment    GoalType = "treatment"
	GoalConsultation GoalType = "consultation"
	GoalMonitoring   GoalType = "monitoring"
)

// SuccessCriterion is one named metric the goal must satisfy.
type SuccessCriterion struct {
	Metric    string  `json:"metric"`
	Target    float64 `json:"target"`
	Threshold float64 `json:"threshold"`
	Weight    float64 `json:"weight"`
}

// Goal is the user-level request. Immutable once a plan is created from it.
type Goal struct {
	ID          string             `json:"id"`
	Type        GoalType           `json:"type"`
	Description string             `json:"description"`
	Priority    int                `json:"priority"`
	Deadline    time.Time          `json:"deadline,omitzero"`
	Context     map[string]any     `json:"context,omitempty"`
	Criteria    []SuccessCriterion `json:"criteria,omitempty"`
}

// StepType categorizes a unit of work within a plan.
type StepType string

const (
	StepCollection     StepType = "data_collection"
	StepAnalysis       StepType = "analysis"
	StepDiagnosis      StepType = "diagnosis"
	StepTreatment      StepType = "treatment"
	StepAssessment     StepType = "assessment"
	StepRecommendation StepType = "recommendation"
	StepValidation     StepType = "validation"
	StepIntegration    StepType = "integration"
	StepGeneric        StepType = "generic"
)

// ContingencyKind names the recovery action attached to a step.
type ContingencyKind string

const (
	ContingencyRetry       ContingencyKind = "retry"
	ContingencyAlternative ContingencyKind = "alternative"
	ContingencyEscalate    ContingencyKind = "escalate"
	ContingencyAbort       ContingencyKind = "abort"
)

// Contingency pairs a trigger condition with a recovery action.
type Contingency struct {
	Trigger string          `json:"trigger"`
	Action  ContingencyKind `json:"action"`
}

// Step is one unit of work within a plan. Dependencies reference step ids in
// the same plan.
type Step struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Type             StepType      `json:"type"`
	AgentType        string        `json:"agent_type"`
	SupportingAgents []string      `json:"supporting_agents,omitempty"`
	Tools            []string      `json:"tools,omitempty"`
	DependsOn        []string      `json:"depends_on,omitempty"`
	Duration         time.Duration `json:"duration"`
	QualityThreshold float64       `json:"quality_threshold"`
	Contingencies    []Contingency `json:"contingencies,omitempty"`
	Tags             []string      `json:"tags,omitempty"`
	Instruction      string        `json:"instruction"`
}

// ResourceEstimate summarizes what a plan will consume.
type ResourceEstimate struct {
	Agents        int           `json:"agents"`
	Tools         int           `json:"tools"`
	TotalDuration time.Duration `json:"total_duration"`
}

// RiskLevel grades a plan's risk assessment.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
)

// Complexity grades the goal before decomposition.
type Complexity struct {
	Level      string  `json:"level"` // simple, moderate, complex
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Plan is an immutable decomposition of one goal. Improvement and replanning
// mint new plans referencing the same goal.
type Plan struct {
	ID                string             `json:"id"`
	GoalID            string             `json:"goal_id"`
	ParentPlanID      string             `json:"parent_plan_id,omitempty"`
	Steps             []Step             `json:"steps"`
	Complexity        Complexity         `json:"complexity"`
	Resources         ResourceEstimate   `json:"resources"`
	Risk              RiskLevel          `json:"risk"`
	QualityGates      map[string]float64 `json:"quality_gates"` // step id -> required score
	EstimatedDuration time.Duration      `json:"estimated_duration"`
	Audit             []string           `json:"audit,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}
