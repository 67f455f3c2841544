package collab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/bus"
	"github.com/nidhogg/caremesh/internal/registry"
)

// MakeDecision gathers one opinion from every team member, weighs them by
// authority and confidence, and records the full trail in the session's
// activity log. Shared knowledge from the team's base is surfaced to each
// participant before it opines.
func (m *Manager) MakeDecision(ctx context.Context, sessionID string, req DecisionRequest) (*DecisionResult, error) {
	if len(req.Options) == 0 {
		return nil, fmt.Errorf("make decision: at least one option")
	}

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	var team *Team
	if ok {
		team = m.teams[s.TeamID]
	}
	m.mu.RUnlock()

	if !ok || team == nil {
		return nil, ErrSessionNotFound
	}

	recalled := m.recallContext(ctx, team.ID, req.Topic)

	opinions := make([]Opinion, 0, len(team.Members))
	for _, mem := range team.Members {
		op := m.opinionOf(ctx, mem, req, recalled)
		opinions = append(opinions, op)
		m.appendActivity(sessionID, ActivityEntry{
			At:    time.Now(),
			Kind:  "opinion",
			Agent: mem.AgentID,
			Detail: map[string]any{
				"choice":     op.Choice,
				"confidence": op.Confidence,
			},
		})
	}

	result := tally(team, req, opinions)
	m.appendActivity(sessionID, ActivityEntry{
		At:   time.Now(),
		Kind: "consensus",
		Detail: map[string]any{
			"decision":   result.Decision,
			"confidence": result.Confidence,
		},
	})
	m.appendActivity(sessionID, ActivityEntry{
		At:   time.Now(),
		Kind: "validation",
		Detail: map[string]any{
			"opinions":  len(opinions),
			"unanimous": unanimous(opinions),
		},
	})

	m.events.Publish(componentName, bus.DecisionReached, map[string]any{
		"session":    sessionID,
		"team":       team.ID,
		"topic":      req.Topic,
		"decision":   result.Decision,
		"confidence": result.Confidence,
	})
	m.logger.Info("decision reached",
		zap.String("session", sessionID),
		zap.String("topic", req.Topic),
		zap.String("decision", result.Decision),
		zap.Float64("confidence", result.Confidence))
	return result, nil
}

// recallContext pulls the most relevant shared artifacts for the topic. A
// failed recall degrades to an empty context rather than blocking the vote.
func (m *Manager) recallContext(ctx context.Context, teamID, topic string) []string {
	matches, err := m.knowledge.Recall(ctx, teamID, topic, 5)
	if err != nil {
		m.logger.Warn("knowledge recall failed", zap.String("team", teamID), zap.Error(err))
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		out = append(out, match.Artifact.Content)
	}
	return out
}

// opinionOf asks one member for its position. Agents that honor the
// decision contract return a "choice" in their payload data; anything else
// falls back to the first option at reduced confidence.
func (m *Manager) opinionOf(ctx context.Context, mem Member, req DecisionRequest, recalled []string) Opinion {
	sc := registry.StepContext{
		StepID:      fmt.Sprintf("decision-%s", mem.AgentID),
		StepName:    req.Topic,
		StepType:    "decision",
		Instruction: fmt.Sprintf("choose one of: %s", strings.Join(req.Options, ", ")),
		Collaboration: map[string]any{
			"options":   req.Options,
			"knowledge": recalled,
		},
		Deadline: time.Now().Add(m.cfg.ResponseCeiling),
	}

	payload, err := m.agents.Invoke(ctx, mem.AgentID, sc)
	if err != nil {
		m.logger.Warn("opinion unavailable", zap.String("agent", mem.AgentID), zap.Error(err))
		return Opinion{
			AgentID:    mem.AgentID,
			Choice:     req.Options[0],
			Confidence: 0.1,
			Rationale:  "agent unavailable, defaulted",
		}
	}

	choice := req.Options[0]
	conf := payload.Confidence
	rationale := payload.Content
	if c, ok := payload.Data["choice"].(string); ok && contains(req.Options, c) {
		choice = c
	} else {
		conf *= 0.6
	}
	return Opinion{AgentID: mem.AgentID, Choice: choice, Confidence: clamp01(conf), Rationale: rationale}
}

// tally computes the weighted vote. Each opinion contributes its member's
// authority times its confidence; the winning option's share of the total
// weight becomes the decision confidence.
func tally(team *Team, req DecisionRequest, opinions []Opinion) *DecisionResult {
	authority := make(map[string]float64, len(team.Members))
	for _, mem := range team.Members {
		authority[mem.AgentID] = mem.Authority
	}

	weights := make(map[string]float64, len(req.Options))
	total := 0.0
	for _, op := range opinions {
		w := authority[op.AgentID] * op.Confidence
		weights[op.Choice] += w
		total += w
	}

	// Stable winner: highest weight, ties broken by option order.
	best := req.Options[0]
	for _, opt := range req.Options {
		if weights[opt] > weights[best] {
			best = opt
		}
	}

	confidence := 0.0
	if total > 0 {
		confidence = weights[best] / total
	}

	backers := make([]string, 0, len(opinions))
	for _, op := range opinions {
		if op.Choice == best {
			backers = append(backers, op.AgentID)
		}
	}
	sort.Strings(backers)

	return &DecisionResult{
		Decision:   best,
		Confidence: clamp01(confidence),
		Rationale:  fmt.Sprintf("%d of %d opinions backed %q (agents: %s)", len(backers), len(opinions), best, strings.Join(backers, ", ")),
		Opinions:   opinions,
		DecidedAt:  time.Now(),
	}
}

func unanimous(opinions []Opinion) bool {
	for i := 1; i < len(opinions); i++ {
		if opinions[i].Choice != opinions[0].Choice {
			return false
		}
	}
	return len(opinions) > 0
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}
