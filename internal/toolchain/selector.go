package toolchain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/config"
)

// RetryPolicy bounds retries for one chain step.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffCap  time.Duration `json:"backoff_cap"`
}

// ValidationRule is the quality gate applied to a step's output.
type ValidationRule struct {
	MinQuality      float64 `json:"min_quality"`
	RequireNonEmpty bool    `json:"require_non_empty"`
}

// ChainStep is one tool invocation within a chain.
type ChainStep struct {
	ID         string         `json:"id"`
	ToolID     string         `json:"tool_id"`
	Params     map[string]any `json:"params,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"` // chain step ids
	Retry      RetryPolicy    `json:"retry"`
	Validation ValidationRule `json:"validation"`
}

// RiskLevel grades a chain.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
)

// Chain is an ordered tool invocation plan with precomputed alternatives so
// callers can fail over without re-running selection.
type Chain struct {
	ID           string      `json:"id"`
	Steps        []ChainStep `json:"steps"`
	Risk         RiskLevel   `json:"risk"`
	Alternatives [][]string  `json:"alternatives,omitempty"` // per selection rank, substitute tool ids
	CreatedAt    time.Time   `json:"created_at"`
}

// Criteria drives tool selection for one plan step.
type Criteria struct {
	TaskType       string   `json:"task_type"`
	Capabilities   []string `json:"capabilities,omitempty"`
	PreferredTools []string `json:"preferred_tools,omitempty"`
	MaxTools       int      `json:"max_tools"`
}

// Selector scores and assembles tool chains. Weights come from config.
type Selector struct {
	registry *Registry
	cfg      config.ToolsConfig
	logger   *zap.Logger
}

// NewSelector creates a selector over the given registry.
func NewSelector(reg *Registry, cfg config.ToolsConfig, logger *zap.Logger) *Selector {
	return &Selector{registry: reg, cfg: cfg, logger: logger}
}

type scored struct {
	md    Metadata
	score float64
}

// SelectOptimalTools filters registered tools by task-type match,
// availability, and minimum performance, scores the survivors, and greedily
// assembles a chain respecting declared tool dependencies.
func (s *Selector) SelectOptimalTools(criteria Criteria) (*Chain, error) {
	candidates := s.rank(criteria)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no tool matches criteria (task_type=%s)", criteria.TaskType)
	}

	limit := criteria.MaxTools
	if limit <= 0 {
		limit = 3
	}

	ordered := orderByDependencies(candidates, limit)

	chain := &Chain{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
	}
	stepByTool := make(map[string]string)
	for _, c := range ordered {
		step := ChainStep{
			ID:     uuid.New().String(),
			ToolID: c.md.ID,
			Retry: RetryPolicy{
				MaxAttempts: s.cfg.MaxAttempts,
				BackoffBase: s.cfg.BackoffBase,
				BackoffCap:  s.cfg.BackoffCap,
			},
			Validation: ValidationRule{
				MinQuality:      s.cfg.MinPerformance,
				RequireNonEmpty: true,
			},
		}
		for _, dep := range c.md.DependsOn {
			if sid, ok := stepByTool[dep]; ok {
				step.DependsOn = append(step.DependsOn, sid)
			}
		}
		stepByTool[c.md.ID] = step.ID
		chain.Steps = append(chain.Steps, step)
	}

	chain.Risk = chainRisk(ordered)
	chain.Alternatives = alternatives(candidates, ordered)

	s.logger.Debug("tool chain selected",
		zap.String("chain", chain.ID),
		zap.Int("steps", len(chain.Steps)),
		zap.String("risk", string(chain.Risk)))
	return chain, nil
}

// rank filters and scores tools, best first.
func (s *Selector) rank(criteria Criteria) []scored {
	var out []scored
	for _, md := range s.registry.List() {
		if !matchesTaskType(md, criteria.TaskType) {
			continue
		}
		if !s.registry.Available(md.ID) {
			continue
		}
		perf := (md.Accuracy + md.Reliability) / 2
		if perf < s.cfg.MinPerformance {
			continue
		}
		out = append(out, scored{md: md, score: s.score(md, criteria)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func (s *Selector) score(md Metadata, criteria Criteria) float64 {
	fit := capabilityFit(md, criteria.Capabilities)
	for _, pref := range criteria.PreferredTools {
		if pref == md.ID {
			fit = clamp01(fit + 0.2)
		}
	}
	costScore := clamp01(1.0 - md.Cost)
	return s.cfg.CapabilityWeight*fit +
		s.cfg.CostWeight*costScore +
		s.cfg.SpeedWeight*md.Speed +
		s.cfg.ReliabilityWeight*md.Reliability
}

func capabilityFit(md Metadata, wanted []string) float64 {
	if len(wanted) == 0 {
		return md.Accuracy
	}
	matched := 0
	for _, w := range wanted {
		for _, c := range md.Capabilities {
			if c == w {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(wanted))
}

func matchesTaskType(md Metadata, taskType string) bool {
	if taskType == "" || len(md.TaskTypes) == 0 {
		return true
	}
	for _, t := range md.TaskTypes {
		if t == taskType || t == "*" {
			return true
		}
	}
	return false
}

// orderByDependencies greedily takes the top-scored tools while ensuring a
// tool's declared dependencies are placed before it.
func orderByDependencies(candidates []scored, limit int) []scored {
	byID := make(map[string]scored, len(candidates))
	for _, c := range candidates {
		byID[c.md.ID] = c
	}

	var ordered []scored
	placed := make(map[string]bool)

	var place func(c scored) bool
	place = func(c scored) bool {
		if placed[c.md.ID] {
			return true
		}
		if len(ordered) >= limit {
			return false
		}
		for _, dep := range c.md.DependsOn {
			d, ok := byID[dep]
			if !ok {
				continue // dependency not selectable; tool runs without it
			}
			if !place(d) {
				return false
			}
		}
		if len(ordered) >= limit {
			return false
		}
		placed[c.md.ID] = true
		ordered = append(ordered, c)
		return true
	}

	for _, c := range candidates {
		if len(ordered) >= limit {
			break
		}
		place(c)
	}
	return ordered
}

func chainRisk(ordered []scored) RiskLevel {
	if len(ordered) == 0 {
		return RiskHigh
	}
	var rel float64
	for _, c := range ordered {
		rel += c.md.Reliability
	}
	rel /= float64(len(ordered))
	switch {
	case rel >= 0.8:
		return RiskLow
	case rel >= 0.5:
		return RiskModerate
	default:
		return RiskHigh
	}
}

// alternatives lists, per chain position, substitute tool ids not already in
// the chain, best-scored first.
func alternatives(candidates []scored, ordered []scored) [][]string {
	inChain := make(map[string]bool, len(ordered))
	for _, c := range ordered {
		inChain[c.md.ID] = true
	}
	out := make([][]string, len(ordered))
	for i := range ordered {
		for _, c := range candidates {
			if inChain[c.md.ID] {
				continue
			}
			out[i] = append(out[i], c.md.ID)
			if len(out[i]) >= 2 {
				break
			}
		}
	}
	return out
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
