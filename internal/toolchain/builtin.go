package toolchain

import (
	"context"
	"fmt"
	"strings"
)

// Built-in tools cover the capabilities the planner's step templates name.
// Each is a deterministic in-process analysis routine; remote tools implement
// the same Tool interface.

type builtinTool struct {
	md  Metadata
	run func(ctx context.Context, input any, params map[string]any) (any, error)
}

func (t *builtinTool) Metadata() Metadata { return t.md }

func (t *builtinTool) Invoke(ctx context.Context, input any, params map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.run(ctx, input, params)
}

// RegisterBuiltins registers all built-in tools.
func RegisterBuiltins(r *Registry) {
	r.Register(&builtinTool{
		md: Metadata{
			ID:           "history-aggregator",
			Name:         "History Aggregator",
			Capabilities: []string{"data_collection", "history"},
			TaskTypes:    []string{"*"},
			Accuracy:     0.9, Speed: 0.8, Reliability: 0.95, Cost: 0.2,
		},
		run: func(_ context.Context, input any, _ map[string]any) (any, error) {
			return map[string]any{
				"summary": fmt.Sprintf("aggregated history for %v", input),
				"quality": 0.9,
			}, nil
		},
	})

	r.Register(&builtinTool{
		md: Metadata{
			ID:           "symptom-matcher",
			Name:         "Symptom Matcher",
			Capabilities: []string{"analysis", "diagnosis"},
			TaskTypes:    []string{"diagnosis"},
			Accuracy:     0.85, Speed: 0.7, Reliability: 0.9, Cost: 0.4,
			DependsOn:    []string{"history-aggregator"},
		},
		run: func(_ context.Context, input any, _ map[string]any) (any, error) {
			symptoms := 0
			if s, ok := input.(string); ok {
				symptoms = len(strings.Fields(s))
			}
			return map[string]any{
				"matches": symptoms,
				"quality": 0.85,
			}, nil
		},
	})

	r.Register(&builtinTool{
		md: Metadata{
			ID:           "vitals-analyzer",
			Name:         "Vitals Analyzer",
			Capabilities: []string{"analysis", "assessment", "monitoring"},
			TaskTypes:    []string{"diagnosis", "treatment", "monitoring"},
			Accuracy:     0.9, Speed: 0.9, Reliability: 0.9, Cost: 0.3,
		},
		run: func(_ context.Context, input any, _ map[string]any) (any, error) {
			return map[string]any{
				"assessment": fmt.Sprintf("vitals within expected range for %v", input),
				"quality":    0.9,
			}, nil
		},
	})

	r.Register(&builtinTool{
		md: Metadata{
			ID:           "intervention-planner",
			Name:         "Intervention Planner",
			Capabilities: []string{"treatment", "recommendation"},
			TaskTypes:    []string{"treatment", "consultation"},
			Accuracy:     0.8, Speed: 0.6, Reliability: 0.85, Cost: 0.5,
		},
		run: func(_ context.Context, input any, _ map[string]any) (any, error) {
			return map[string]any{
				"plan":    fmt.Sprintf("intervention plan for %v", input),
				"quality": 0.8,
			}, nil
		},
	})

	r.Register(&builtinTool{
		md: Metadata{
			ID:           "guideline-lookup",
			Name:         "Guideline Lookup",
			Capabilities: []string{"recommendation", "knowledge"},
			TaskTypes:    []string{"consultation", "treatment"},
			Accuracy:     0.95, Speed: 0.8, Reliability: 0.95, Cost: 0.1,
		},
		run: func(_ context.Context, input any, _ map[string]any) (any, error) {
			return map[string]any{
				"guidelines": []string{"standard-care"},
				"quality":    0.95,
			}, nil
		},
	})

	r.Register(&builtinTool{
		md: Metadata{
			ID:           "report-validator",
			Name:         "Report Validator",
			Capabilities: []string{"validation", "integration"},
			TaskTypes:    []string{"*"},
			Accuracy:     0.9, Speed: 0.9, Reliability: 0.95, Cost: 0.2,
		},
		run: func(_ context.Context, input any, _ map[string]any) (any, error) {
			if input == nil {
				return nil, fmt.Errorf("nothing to validate")
			}
			return map[string]any{
				"valid":   true,
				"quality": 0.9,
			}, nil
		},
	})

	r.Register(&builtinTool{
		md: Metadata{
			ID:           "performance-optimizer",
			Name:         "Performance Optimizer",
			Capabilities: []string{"optimization"},
			TaskTypes:    []string{"*"},
			Accuracy:     0.7, Speed: 0.95, Reliability: 0.8, Cost: 0.3,
		},
		run: func(_ context.Context, input any, _ map[string]any) (any, error) {
			return map[string]any{
				"optimized": true,
				"quality":   0.75,
			}, nil
		},
	})
}
