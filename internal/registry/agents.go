package registry

import (
	"context"
	"fmt"
	"strings"
)

// Built-in agent implementations. Each is a deterministic in-process worker
// keyed by type; remote runtimes implement the same Agent interface and are
// registered the same way.

// DiagnosticAgent analyzes symptoms and produces diagnostic findings.
type DiagnosticAgent struct{}

func (DiagnosticAgent) Type() string { return "diagnostic" }

func (DiagnosticAgent) Execute(ctx context.Context, sc StepContext) (*StepPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	findings := map[string]any{
		"step":     sc.StepName,
		"analysis": fmt.Sprintf("diagnostic assessment for: %s", sc.Instruction),
	}
	if len(sc.Tools) > 0 {
		findings["tools"] = sc.Tools
	}
	return &StepPayload{
		Content:    fmt.Sprintf("diagnostic findings for %s", sc.StepName),
		Data:       findings,
		Confidence: 0.85,
	}, nil
}

// TreatmentAgent produces treatment and intervention recommendations.
type TreatmentAgent struct{}

func (TreatmentAgent) Type() string { return "treatment" }

func (TreatmentAgent) Execute(ctx context.Context, sc StepContext) (*StepPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StepPayload{
		Content: fmt.Sprintf("treatment recommendation for %s", sc.StepName),
		Data: map[string]any{
			"step": sc.StepName,
			"plan": fmt.Sprintf("intervention plan for: %s", sc.Instruction),
		},
		Confidence: 0.8,
	}, nil
}

// LifestyleAgent handles monitoring, habit, and environment assessments.
type LifestyleAgent struct{}

func (LifestyleAgent) Type() string { return "lifestyle" }

func (LifestyleAgent) Execute(ctx context.Context, sc StepContext) (*StepPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StepPayload{
		Content: fmt.Sprintf("lifestyle assessment for %s", sc.StepName),
		Data: map[string]any{
			"step":    sc.StepName,
			"factors": strings.Fields(sc.Instruction),
		},
		Confidence: 0.75,
	}, nil
}

// KnowledgeAgent gathers and integrates reference knowledge.
type KnowledgeAgent struct{}

func (KnowledgeAgent) Type() string { return "knowledge" }

func (KnowledgeAgent) Execute(ctx context.Context, sc StepContext) (*StepPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &StepPayload{
		Content: fmt.Sprintf("knowledge summary for %s", sc.StepName),
		Data: map[string]any{
			"step":    sc.StepName,
			"sources": []string{"guidelines", "history"},
		},
		Confidence: 0.8,
	}, nil
}

// RegisterBuiltins registers all built-in agent implementations together
// with their capability profiles. Capability names line up with plan step
// types so the planner and team formation can match on them.
func RegisterBuiltins(r *Registry) {
	r.RegisterImpl(DiagnosticAgent{})
	r.RegisterImpl(TreatmentAgent{})
	r.RegisterImpl(LifestyleAgent{})
	r.RegisterImpl(KnowledgeAgent{})

	r.Register(&Profile{
		ID:   "builtin-diagnostic",
		Type: "diagnostic",
		Capabilities: []Capability{
			{Name: "analysis", Proficiency: 0.9, Reliability: 0.9, Speed: 0.7, Accuracy: 0.85},
			{Name: "diagnosis", Proficiency: 0.85, Reliability: 0.85, Speed: 0.6, Accuracy: 0.85},
			{Name: "assessment", Proficiency: 0.8, Reliability: 0.85, Speed: 0.7, Accuracy: 0.8},
			{Name: "validation", Proficiency: 0.75, Reliability: 0.9, Speed: 0.8, Accuracy: 0.8},
		},
	})
	r.Register(&Profile{
		ID:   "builtin-treatment",
		Type: "treatment",
		Capabilities: []Capability{
			{Name: "treatment", Proficiency: 0.9, Reliability: 0.85, Speed: 0.7, Accuracy: 0.8},
			{Name: "recommendation", Proficiency: 0.85, Reliability: 0.85, Speed: 0.75, Accuracy: 0.8},
			{Name: "assessment", Proficiency: 0.7, Reliability: 0.8, Speed: 0.7, Accuracy: 0.75},
		},
	})
	r.Register(&Profile{
		ID:   "builtin-lifestyle",
		Type: "lifestyle",
		Capabilities: []Capability{
			{Name: "assessment", Proficiency: 0.75, Reliability: 0.8, Speed: 0.85, Accuracy: 0.7},
			{Name: "data_collection", Proficiency: 0.6, Reliability: 0.85, Speed: 0.9, Accuracy: 0.7},
		},
	})
	r.Register(&Profile{
		ID:   "builtin-knowledge",
		Type: "knowledge",
		Capabilities: []Capability{
			{Name: "data_collection", Proficiency: 0.9, Reliability: 0.9, Speed: 0.85, Accuracy: 0.8},
			{Name: "integration", Proficiency: 0.85, Reliability: 0.85, Speed: 0.8, Accuracy: 0.8},
			{Name: "generic", Proficiency: 0.8, Reliability: 0.85, Speed: 0.8, Accuracy: 0.75},
		},
	})
}
