package reflection

import "sort"

// remediation maps a known issue to its canned corrective suggestion.
var remediation = map[string]Suggestion{
	"missing_data": {
		Priority:    PriorityHigh,
		Description: "required inputs were absent",
		Actions:     []string{"rerun data collection", "widen context window"},
		Impact:      0.2,
	},
	"low_confidence": {
		Priority:    PriorityMedium,
		Description: "agent confidence below expectation",
		Actions:     []string{"add validation step", "consult supporting agent"},
		Impact:      0.15,
	},
	"tool_failure": {
		Priority:    PriorityHigh,
		Description: "a tool in the chain failed",
		Actions:     []string{"switch to alternative tool", "reduce chain length"},
		Impact:      0.2,
	},
	"timeout": {
		Priority:    PriorityMedium,
		Description: "a step exceeded its time allowance",
		Actions:     []string{"decompose long steps", "raise step timeout"},
		Impact:      0.1,
	},
	"quality_below_gate": {
		Priority:    PriorityCritical,
		Description: "output failed its quality gate",
		Actions:     []string{"escalate to specialist review", "replan with stricter gates"},
		Impact:      0.3,
	},
}

// suggest generates suggestions per low-scoring dimension and per identified
// issue, sorted by priority weight descending.
func (e *Engine) suggest(d Dimensions, issues, critical []string) []Suggestion {
	var out []Suggestion

	if d.Accuracy < e.cfg.DimensionThreshold {
		out = append(out, Suggestion{
			Priority:    PriorityHigh,
			Description: "accuracy below threshold",
			Actions:     []string{"add validation steps", "cross-check with knowledge agent"},
			Impact:      0.25,
		})
	}
	if d.Completeness < e.cfg.DimensionThreshold {
		out = append(out, Suggestion{
			Priority:    PriorityMedium,
			Description: "completeness below threshold",
			Actions:     []string{"rerun data collection", "add assessment step"},
			Impact:      0.2,
		})
	}
	if d.Relevance < e.cfg.DimensionThreshold {
		out = append(out, Suggestion{
			Priority:    PriorityMedium,
			Description: "relevance below threshold",
			Actions:     []string{"refine step instructions", "narrow tool selection"},
			Impact:      0.15,
		})
	}
	if d.Efficiency < e.cfg.DimensionThreshold {
		out = append(out, Suggestion{
			Priority:    PriorityLow,
			Description: "efficiency below threshold",
			Actions:     []string{"apply optimize_performance improvement"},
			Impact:      0.1,
		})
	}

	for _, iss := range issues {
		if s, ok := remediation[iss]; ok {
			out = append(out, s)
		}
	}
	for _, iss := range critical {
		if s, ok := remediation[iss]; ok {
			s.Priority = PriorityCritical
			out = append(out, s)
		} else {
			out = append(out, Suggestion{
				Priority:    PriorityCritical,
				Description: "critical issue: " + iss,
				Actions:     []string{"escalate to operator"},
				Impact:      0.3,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return priorityWeight[out[i].Priority] > priorityWeight[out[j].Priority]
	})
	return out
}

// nextActions flattens the top suggestions' actions, capped to limit.
func nextActions(suggestions []Suggestion, limit int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range suggestions {
		for _, a := range s.Actions {
			if seen[a] {
				continue
			}
			seen[a] = true
			out = append(out, a)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}
