package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// InsightGraph stores insights as Neo4j nodes linked to the artifacts they
// derive from. Recurrence counts live on the node so repeated conclusions
// are merged, not duplicated.
type InsightGraph struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewInsightGraph creates a Neo4j-backed insight graph.
func NewInsightGraph(uri, user, password string, logger *zap.Logger) (*InsightGraph, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &InsightGraph{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *InsightGraph) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (g *InsightGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Record merges the insight by team and statement, incrementing its
// recurrence count, and links it to its source artifacts.
func (g *InsightGraph) Record(ctx context.Context, ins *Insight) error {
	if ins.ID == "" {
		ins.ID = uuid.New().String()
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (i:Insight {team_id: $teamId, statement: $statement})
		 ON CREATE SET i.id = $id, i.count = 1, i.created_at = datetime()
		 ON MATCH SET i.count = i.count + 1`,
		map[string]interface{}{
			"id":        ins.ID,
			"teamId":    ins.TeamID,
			"statement": ins.Statement,
		})
	if err != nil {
		return fmt.Errorf("merge insight: %w", err)
	}

	for _, src := range ins.Sources {
		_, err := session.Run(ctx,
			`MATCH (i:Insight {team_id: $teamId, statement: $statement})
			 MERGE (a:Artifact {id: $artifactId})
			 MERGE (i)-[:DERIVED_FROM]->(a)`,
			map[string]interface{}{
				"teamId":     ins.TeamID,
				"statement":  ins.Statement,
				"artifactId": src,
			})
		if err != nil {
			return fmt.Errorf("link insight to %s: %w", src, err)
		}
	}
	return nil
}

// ByTeam returns the team's insights, most recurrent first.
func (g *InsightGraph) ByTeam(ctx context.Context, teamID string) ([]Insight, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (i:Insight {team_id: $teamId})
		 OPTIONAL MATCH (i)-[:DERIVED_FROM]->(a:Artifact)
		 RETURN i.id, i.statement, i.count, collect(a.id) AS sources
		 ORDER BY i.count DESC`,
		map[string]interface{}{"teamId": teamID})
	if err != nil {
		return nil, err
	}

	var out []Insight
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("i.id")
		statement, _ := rec.Get("i.statement")
		count, _ := rec.Get("i.count")
		sourcesRaw, _ := rec.Get("sources")

		ins := Insight{TeamID: teamID}
		if s, ok := id.(string); ok {
			ins.ID = s
		}
		if s, ok := statement.(string); ok {
			ins.Statement = s
		}
		if n, ok := count.(int64); ok {
			ins.Count = int(n)
		}
		if list, ok := sourcesRaw.([]interface{}); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					ins.Sources = append(ins.Sources, s)
				}
			}
		}
		out = append(out, ins)
	}
	return out, nil
}

// ExternalBase implements Base over the Qdrant index and the Neo4j graph.
type ExternalBase struct {
	index *VectorIndex
	graph *InsightGraph
}

// NewExternalBase composes the external stores into one Base.
func NewExternalBase(index *VectorIndex, graph *InsightGraph) *ExternalBase {
	return &ExternalBase{index: index, graph: graph}
}

// Share indexes the artifact for similarity recall.
func (b *ExternalBase) Share(ctx context.Context, a *Artifact) error {
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
	return b.index.Index(ctx, a)
}

// Recall queries the vector index scoped to the team.
func (b *ExternalBase) Recall(ctx context.Context, teamID, query string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 5
	}
	return b.index.Query(ctx, teamID, query, limit)
}

// RecordInsight merges the insight into the graph.
func (b *ExternalBase) RecordInsight(ctx context.Context, ins *Insight) error {
	if ins.TeamID == "" || ins.Statement == "" {
		return fmt.Errorf("insight: team id and statement are required")
	}
	return b.graph.Record(ctx, ins)
}

// Insights reads the team's insights from the graph.
func (b *ExternalBase) Insights(ctx context.Context, teamID string) ([]Insight, error) {
	return b.graph.ByTeam(ctx, teamID)
}
