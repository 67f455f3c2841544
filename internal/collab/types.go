package collab

import "time"

// Strategy names the team formation policy.
type Strategy string

const (
	StrategyExpertise    Strategy = "expertise_based"
	StrategyAvailability Strategy = "availability_based"
	StrategyBalanced     Strategy = "balanced"
	StrategySpecialized  Strategy = "specialized"
)

// Member is one agent's place in a team.
type Member struct {
	AgentID   string  `json:"agent_id"`
	Role      string  `json:"role"`
	Authority float64 `json:"authority"` // opinion weight within consensus
	Score     float64 `json:"score"`     // formation score, kept for audit
}

// Team is a reusable set of agents with a shared knowledge base.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []Member  `json:"members"`
	Strategy  Strategy  `json:"strategy"`
	Protocol  string    `json:"protocol"`
	CreatedAt time.Time `json:"created_at"`
}

// FormationRequest drives team formation.
type FormationRequest struct {
	Name      string   `json:"name"`
	Required  []string `json:"required_capabilities"`
	Excluded  []string `json:"excluded_capabilities,omitempty"`
	Preferred []string `json:"preferred_capabilities,omitempty"`
	Strategy  Strategy `json:"strategy"`
	MaxSize   int      `json:"max_size"`
}

// ActivityEntry is one immutable line in a session's activity log.
type ActivityEntry struct {
	At     time.Time      `json:"at"`
	Kind   string         `json:"kind"` // opinion, consensus, validation, knowledge
	Agent  string         `json:"agent,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Session is the runtime record of one team executing one task.
type Session struct {
	ID        string          `json:"id"`
	TeamID    string          `json:"team_id"`
	TaskID    string          `json:"task_id"`
	Context   map[string]any  `json:"context,omitempty"`
	Activity  []ActivityEntry `json:"activity"`
	Outcomes  []string        `json:"outcomes,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at,omitzero"`
}

// DecisionRequest asks a session's team to choose among options.
type DecisionRequest struct {
	Topic   string   `json:"topic"`
	Options []string `json:"options"`
}

// Opinion is one participant's position.
type Opinion struct {
	AgentID    string  `json:"agent_id"`
	Choice     string  `json:"choice"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// DecisionResult is the consensus outcome: one decision, its confidence, and
// an explicit rationale.
type DecisionResult struct {
	Decision   string    `json:"decision"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	Opinions   []Opinion `json:"opinions"`
	DecidedAt  time.Time `json:"decided_at"`
}

// SharingResult reports one knowledge share.
type SharingResult struct {
	ArtifactID string    `json:"artifact_id"`
	TeamID     string    `json:"team_id"`
	SharedAt   time.Time `json:"shared_at"`
}
