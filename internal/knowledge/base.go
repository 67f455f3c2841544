// Package knowledge stores team-shared artifacts and insights. Artifacts are
// indexed for similarity recall (Qdrant) and insights are linked into a graph
// (Neo4j); an in-memory base serves tests and degraded deployments.
package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Access controls who may read an artifact.
type Access string

const (
	AccessTeam   Access = "team"
	AccessPublic Access = "public"
)

// Artifact is one shared knowledge item.
type Artifact struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	AuthorID  string    `json:"author_id"`
	Kind      string    `json:"kind"` // finding, recommendation, observation
	Content   string    `json:"content"`
	Access    Access    `json:"access"`
	CreatedAt time.Time `json:"created_at"`
}

// Insight is a derived conclusion linked to the artifacts it came from.
type Insight struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	Statement string    `json:"statement"`
	Sources   []string  `json:"sources"` // artifact ids
	Count     int       `json:"count"`   // recurrence across sessions
	CreatedAt time.Time `json:"created_at"`
}

// Match pairs an artifact with its similarity to a query.
type Match struct {
	Artifact Artifact `json:"artifact"`
	Score    float64  `json:"score"`
}

// Base is the shared knowledge contract consumed by the collaboration
// manager. Implementations must scope reads by team.
type Base interface {
	Share(ctx context.Context, a *Artifact) error
	Recall(ctx context.Context, teamID, query string, limit int) ([]Match, error)
	RecordInsight(ctx context.Context, ins *Insight) error
	Insights(ctx context.Context, teamID string) ([]Insight, error)
}

// MemoryBase is the in-process Base used in tests and when no external
// stores are configured.
type MemoryBase struct {
	embedder Embedder
	mu       sync.RWMutex
	arts     map[string][]Artifact // team id -> artifacts
	vecs     map[string][]float32  // artifact id -> embedding
	insights map[string][]Insight  // team id -> insights
}

// NewMemoryBase creates an empty in-memory knowledge base.
func NewMemoryBase(e Embedder) *MemoryBase {
	if e == nil {
		e = NewHashEmbedder(64)
	}
	return &MemoryBase{
		embedder: e,
		arts:     make(map[string][]Artifact),
		vecs:     make(map[string][]float32),
		insights: make(map[string][]Insight),
	}
}

// Share stores the artifact and its embedding.
func (b *MemoryBase) Share(ctx context.Context, a *Artifact) error {
	if a.TeamID == "" || a.Content == "" {
		return fmt.Errorf("share: team id and content are required")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Access == "" {
		a.Access = AccessTeam
	}
	a.CreatedAt = time.Now()

	vec, err := b.embedder.Embed(ctx, a.Content)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.arts[a.TeamID] = append(b.arts[a.TeamID], *a)
	b.vecs[a.ID] = vec
	return nil
}

// Recall returns the team's artifacts most similar to the query.
func (b *MemoryBase) Recall(ctx context.Context, teamID, query string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 5
	}
	qv, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Match
	for _, a := range b.arts[teamID] {
		out = append(out, Match{Artifact: a, Score: cosine(qv, b.vecs[a.ID])})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordInsight stores or increments an insight. A repeated statement bumps
// its recurrence count instead of duplicating the node.
func (b *MemoryBase) RecordInsight(ctx context.Context, ins *Insight) error {
	if ins.TeamID == "" || ins.Statement == "" {
		return fmt.Errorf("insight: team id and statement are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(ins.Statement))
	list := b.insights[ins.TeamID]
	for i := range list {
		if strings.ToLower(strings.TrimSpace(list[i].Statement)) == key {
			list[i].Count++
			list[i].Sources = append(list[i].Sources, ins.Sources...)
			return nil
		}
	}

	if ins.ID == "" {
		ins.ID = uuid.New().String()
	}
	ins.Count = 1
	ins.CreatedAt = time.Now()
	b.insights[ins.TeamID] = append(list, *ins)
	return nil
}

// Insights returns the team's insights, most recurrent first.
func (b *MemoryBase) Insights(ctx context.Context, teamID string) ([]Insight, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := append([]Insight(nil), b.insights[teamID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
