package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/caremesh/internal/collab"
	"github.com/nidhogg/caremesh/internal/planner"
	"github.com/nidhogg/caremesh/internal/reflection"
	"github.com/nidhogg/caremesh/internal/workflow"
)

// SavePlan persists a plan, including its full step graph as JSON.
func (s *Store) SavePlan(ctx context.Context, p *planner.Plan) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	gates, err := json.Marshal(p.QualityGates)
	if err != nil {
		return fmt.Errorf("marshal quality gates: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO plans (id, goal_id, parent_plan_id, complexity, risk, steps, quality_gates, estimated_ms, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.GoalID, p.ParentPlanID, p.Complexity.Level, string(p.Risk),
		steps, gates, p.EstimatedDuration.Milliseconds(), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// SaveWorkflowResult persists a finished instance and its step results.
func (s *Store) SaveWorkflowResult(ctx context.Context, r *workflow.Result) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflow_instances (id, goal_id, plan_id, status, quality_score, elapsed_ms, iteration)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			quality_score = EXCLUDED.quality_score,
			elapsed_ms = EXCLUDED.elapsed_ms,
			iteration = EXCLUDED.iteration`,
		r.InstanceID, r.GoalID, r.PlanID, string(r.Status),
		r.QualityScore, r.Elapsed.Milliseconds(), r.Iteration,
	)
	if err != nil {
		return fmt.Errorf("save workflow instance: %w", err)
	}

	for _, sr := range r.StepResults {
		payload, err := json.Marshal(sr.Payload)
		if err != nil {
			return fmt.Errorf("marshal step payload: %w", err)
		}
		_, err = s.db.Exec(ctx, `
			INSERT INTO step_results (id, instance_id, step_id, step_name, status, score, elapsed_ms, attempts, fallback, error, error_class, payload)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)`,
			r.InstanceID, sr.StepID, sr.StepName, string(sr.Status),
			sr.Score, sr.Elapsed.Milliseconds(), sr.Attempts, sr.Fallback,
			sr.Err, string(sr.Class), payload,
		)
		if err != nil {
			return fmt.Errorf("save step result: %w", err)
		}
	}
	return nil
}

// SaveReflection persists one reflection pass.
func (s *Store) SaveReflection(ctx context.Context, r *reflection.Result) error {
	suggestions, err := json.Marshal(r.Suggestions)
	if err != nil {
		return fmt.Errorf("marshal suggestions: %w", err)
	}
	dims, err := json.Marshal(r.Dimensions)
	if err != nil {
		return fmt.Errorf("marshal dimensions: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO reflections (id, goal_id, overall_score, confidence, should_iterate, iteration, dimensions, suggestions, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)`,
		r.GoalID, r.OverallScore, r.Confidence, r.ShouldIterate,
		r.Iteration, dims, suggestions, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save reflection: %w", err)
	}
	return nil
}

// SaveSession persists a collaboration session with its activity log.
func (s *Store) SaveSession(ctx context.Context, sess *collab.Session) error {
	activity, err := json.Marshal(sess.Activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	var endedAt any
	if !sess.EndedAt.IsZero() {
		endedAt = sess.EndedAt
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO sessions (id, team_id, task_id, activity, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			activity = EXCLUDED.activity,
			ended_at = EXCLUDED.ended_at`,
		sess.ID, sess.TeamID, sess.TaskID, activity, sess.StartedAt, endedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// RecentResults returns the most recent finished instances for a goal.
func (s *Store) RecentResults(ctx context.Context, goalID string, limit int) ([]workflow.Result, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, goal_id, plan_id, status, quality_score, elapsed_ms, iteration
		FROM workflow_instances
		WHERE goal_id = $1
		ORDER BY iteration DESC
		LIMIT $2`, goalID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent results: %w", err)
	}
	defer rows.Close()

	var out []workflow.Result
	for rows.Next() {
		var r workflow.Result
		var status string
		var elapsedMS int64
		if err := rows.Scan(&r.InstanceID, &r.GoalID, &r.PlanID, &status, &r.QualityScore, &elapsedMS, &r.Iteration); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Status = workflow.Status(status)
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, r)
	}
	return out, nil
}
