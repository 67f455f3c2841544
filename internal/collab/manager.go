// Package collab assembles agent teams, runs consensus decisions, and tracks
// team-shared knowledge. Team scoring weights are configuration; the 40/30/
// 20/10 split is only a default.
package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/bus"
	"github.com/nidhogg/caremesh/internal/config"
	"github.com/nidhogg/caremesh/internal/knowledge"
	"github.com/nidhogg/caremesh/internal/registry"
)

// ErrTeamNotFound is returned for unknown team ids.
var ErrTeamNotFound = fmt.Errorf("team not found")

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = fmt.Errorf("session not found")

// ErrNotTeamMember rejects knowledge writes from outside the team.
var ErrNotTeamMember = fmt.Errorf("agent is not a member of this team")

const componentName = "collab"

// Manager owns teams and sessions behind explicit create/lookup/evict
// lifecycle methods.
type Manager struct {
	agents    *registry.Registry
	knowledge knowledge.Base
	events    *bus.Bus
	cfg       config.CollaborationConfig

	mu       sync.RWMutex
	teams    map[string]*Team
	sessions map[string]*Session

	logger *zap.Logger
}

// New creates a collaboration manager.
func New(agents *registry.Registry, kb knowledge.Base, events *bus.Bus, cfg config.CollaborationConfig, logger *zap.Logger) *Manager {
	return &Manager{
		agents:    agents,
		knowledge: kb,
		events:    events,
		cfg:       cfg,
		teams:     make(map[string]*Team),
		sessions:  make(map[string]*Session),
		logger:    logger,
	}
}

// Team returns a team by id.
func (m *Manager) Team(id string) (*Team, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[id]
	return t, ok
}

// Session returns a session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// EvictTeam removes a team that is no longer needed.
func (m *Manager) EvictTeam(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.teams, id)
}

// FormTeam filters the registry by the request's capability constraints,
// scores candidates, and picks the top set under the requested strategy.
// Candidates missing a required capability at sufficient proficiency are
// excluded regardless of their score.
func (m *Manager) FormTeam(ctx context.Context, req FormationRequest) (*Team, error) {
	if len(req.Required) == 0 {
		return nil, fmt.Errorf("form team: at least one required capability")
	}
	if req.Strategy == "" {
		req.Strategy = StrategyBalanced
	}

	candidates := m.agents.Find(registry.Query{
		Required:  req.Required,
		Excluded:  req.Excluded,
		Preferred: req.Preferred,
	})

	// Hard proficiency floor on every required capability.
	qualified := candidates[:0]
	for _, p := range candidates {
		ok := true
		for _, cap := range req.Required {
			c, has := p.Capability(cap)
			if !has || c.Proficiency <= m.cfg.MinProficiency {
				ok = false
				break
			}
		}
		if ok {
			qualified = append(qualified, p)
		}
	}
	if len(qualified) == 0 {
		return nil, fmt.Errorf("form team: no agent satisfies %v", req.Required)
	}

	type ranked struct {
		profile registry.Profile
		score   float64
	}
	scoredList := make([]ranked, 0, len(qualified))
	for _, p := range qualified {
		scoredList = append(scoredList, ranked{profile: p, score: m.score(p, req)})
	}
	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })

	size := req.MaxSize
	if size <= 0 || size > len(scoredList) {
		size = len(scoredList)
	}

	team := &Team{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Strategy:  req.Strategy,
		Protocol:  "round-robin-consensus",
		CreatedAt: time.Now(),
	}
	for i := 0; i < size; i++ {
		r := scoredList[i]
		role := "member"
		if i == 0 {
			role = "lead"
		}
		team.Members = append(team.Members, Member{
			AgentID:   r.profile.ID,
			Role:      role,
			Authority: clamp01(0.5 + r.score/2),
			Score:     r.score,
		})
	}

	m.mu.Lock()
	m.teams[team.ID] = team
	m.mu.Unlock()

	m.events.Publish(componentName, bus.TeamFormed, map[string]any{
		"team":     team.ID,
		"members":  len(team.Members),
		"strategy": string(req.Strategy),
	})
	m.logger.Info("team formed",
		zap.String("team", team.ID),
		zap.Int("members", len(team.Members)),
		zap.String("strategy", string(req.Strategy)))
	return team, nil
}

// score blends capability match, inverse load, inverse normalized response
// time, and inverse error rate under the configured weights. The strategy
// shifts emphasis before weighting.
func (m *Manager) score(p registry.Profile, req FormationRequest) float64 {
	capScore := capabilityMatch(p, req.Required, req.Preferred)
	loadScore := 1.0 - clamp01(p.CurrentLoad)
	rtScore := 1.0 - clamp01(float64(p.ResponseTime)/float64(m.cfg.ResponseCeiling))
	errScore := 1.0 - clamp01(p.ErrorRate)

	w := m.cfg
	switch req.Strategy {
	case StrategyExpertise:
		capScore = clamp01(capScore * 1.25)
	case StrategyAvailability:
		loadScore = clamp01(loadScore * 1.25)
	case StrategySpecialized:
		// Proficiency on required capabilities dominates everything else.
		capScore = requiredProficiency(p, req.Required)
	}

	return w.CapabilityWeight*capScore +
		w.LoadWeight*loadScore +
		w.ResponseTimeWeight*rtScore +
		w.ErrorRateWeight*errScore
}

func capabilityMatch(p registry.Profile, required, preferred []string) float64 {
	if len(required) == 0 && len(preferred) == 0 {
		return 0.5
	}
	total := 0.0
	n := 0
	for _, cap := range required {
		if c, ok := p.Capability(cap); ok {
			total += c.Proficiency
			n++
		}
	}
	for _, cap := range preferred {
		if c, ok := p.Capability(cap); ok {
			total += c.Proficiency * 0.5
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return clamp01(total / float64(n))
}

func requiredProficiency(p registry.Profile, required []string) float64 {
	if len(required) == 0 {
		return 0
	}
	total := 0.0
	for _, cap := range required {
		if c, ok := p.Capability(cap); ok {
			total += c.Proficiency
		}
	}
	return clamp01(total / float64(len(required)))
}

// StartSession opens a session for one team executing one task.
func (m *Manager) StartSession(ctx context.Context, teamID, taskID string, sctx map[string]any) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.teams[teamID]; !ok {
		return nil, ErrTeamNotFound
	}
	s := &Session{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		TaskID:    taskID,
		Context:   sctx,
		StartedAt: time.Now(),
	}
	m.sessions[s.ID] = s

	m.events.Publish(componentName, bus.SessionStarted, map[string]any{
		"session": s.ID,
		"team":    teamID,
		"task":    taskID,
	})
	return s, nil
}

// EndSession closes a session and records its outcomes.
func (m *Manager) EndSession(sessionID string, outcomes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Outcomes = append(s.Outcomes, outcomes...)
	s.EndedAt = time.Now()

	m.events.Publish(componentName, bus.SessionEnded, map[string]any{
		"session":  s.ID,
		"outcomes": len(s.Outcomes),
	})
	return nil
}

// ShareKnowledge writes an artifact into the team's knowledge base. Only
// team members may share; the write is fanned out on the event bus.
func (m *Manager) ShareKnowledge(ctx context.Context, sessionID string, a *knowledge.Artifact) (*SharingResult, error) {
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
	if !isMember(team, a.AuthorID) {
		return nil, ErrNotTeamMember
	}

	a.TeamID = team.ID
	if err := m.knowledge.Share(ctx, a); err != nil {
		return nil, fmt.Errorf("share knowledge: %w", err)
	}

	m.appendActivity(sessionID, ActivityEntry{
		At:    time.Now(),
		Kind:  "knowledge",
		Agent: a.AuthorID,
		Detail: map[string]any{
			"artifact": a.ID,
			"kind":     a.Kind,
		},
	})
	m.events.Publish(componentName, bus.KnowledgeShared, map[string]any{
		"session":  sessionID,
		"team":     team.ID,
		"artifact": a.ID,
	})
	return &SharingResult{ArtifactID: a.ID, TeamID: team.ID, SharedAt: time.Now()}, nil
}

func isMember(team *Team, agentID string) bool {
	for _, mem := range team.Members {
		if mem.AgentID == agentID {
			return true
		}
	}
	return false
}

// appendActivity adds an immutable entry to the session log.
func (m *Manager) appendActivity(sessionID string, e ActivityEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Activity = append(s.Activity, e)
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
