package knowledge

import (
	"context"
	"testing"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(32)
	if e.Dimension() != 32 {
		t.Fatalf("dimension: %d", e.Dimension())
	}

	a, err := e.Embed(context.Background(), "elevated troponin with chest pain")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := e.Embed(context.Background(), "elevated troponin with chest pain")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("vector length: %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d: %f vs %f", i, a[i], b[i])
		}
	}

	// Case folding: the same tokens in different case embed identically.
	c, _ := e.Embed(context.Background(), "ELEVATED TROPONIN WITH CHEST PAIN")
	for i := range a {
		if a[i] != c[i] {
			t.Fatal("embedding must be case insensitive")
		}
	}

	if NewHashEmbedder(0).Dimension() != 64 {
		t.Error("zero dimension falls back to the default")
	}
}

func TestMemoryBaseScopesRecallByTeam(t *testing.T) {
	kb := NewMemoryBase(nil)
	ctx := context.Background()

	if err := kb.Share(ctx, &Artifact{TeamID: "team-a", AuthorID: "x", Content: "patient reports chest pain"}); err != nil {
		t.Fatalf("share: %v", err)
	}
	if err := kb.Share(ctx, &Artifact{TeamID: "team-b", AuthorID: "y", Content: "patient reports chest pain"}); err != nil {
		t.Fatalf("share: %v", err)
	}

	matches, err := kb.Recall(ctx, "team-a", "chest pain", 5)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("recall must be team scoped, got %d matches", len(matches))
	}
	if matches[0].Artifact.TeamID != "team-a" {
		t.Errorf("leaked artifact from %s", matches[0].Artifact.TeamID)
	}
}

func TestMemoryBaseRecallOrdersByRelevance(t *testing.T) {
	kb := NewMemoryBase(nil)
	ctx := context.Background()

	artifacts := []string{
		"chest pain radiating to the left arm",
		"routine dietary advice for hypertension",
		"chest pain worsening on exertion",
	}
	for _, content := range artifacts {
		if err := kb.Share(ctx, &Artifact{TeamID: "t", AuthorID: "a", Content: content}); err != nil {
			t.Fatalf("share: %v", err)
		}
	}

	matches, err := kb.Recall(ctx, "t", "chest pain", 2)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("limit not applied, got %d", len(matches))
	}
	for _, m := range matches {
		if m.Artifact.Content == "routine dietary advice for hypertension" {
			t.Errorf("least relevant artifact outranked a direct match")
		}
	}
	if matches[0].Score < matches[1].Score {
		t.Error("matches must be sorted best first")
	}
}

func TestShareValidatesAndDefaults(t *testing.T) {
	kb := NewMemoryBase(nil)
	ctx := context.Background()

	if err := kb.Share(ctx, &Artifact{TeamID: "t"}); err == nil {
		t.Error("content is required")
	}
	if err := kb.Share(ctx, &Artifact{Content: "x"}); err == nil {
		t.Error("team id is required")
	}

	a := &Artifact{TeamID: "t", AuthorID: "x", Content: "finding"}
	if err := kb.Share(ctx, a); err != nil {
		t.Fatalf("share: %v", err)
	}
	if a.ID == "" {
		t.Error("missing id is generated")
	}
	if a.Access != AccessTeam {
		t.Errorf("default access is team, got %s", a.Access)
	}
	if a.CreatedAt.IsZero() {
		t.Error("timestamp must be set")
	}
}

func TestRecordInsightMergesRecurrence(t *testing.T) {
	kb := NewMemoryBase(nil)
	ctx := context.Background()

	first := &Insight{TeamID: "t", Statement: "statin interaction suspected", Sources: []string{"a1"}}
	if err := kb.RecordInsight(ctx, first); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Same statement modulo case and whitespace merges into the same node.
	if err := kb.RecordInsight(ctx, &Insight{
		TeamID: "t", Statement: "  Statin interaction suspected ", Sources: []string{"a2"},
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := kb.RecordInsight(ctx, &Insight{TeamID: "t", Statement: "different conclusion"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	insights, err := kb.Insights(ctx, "t")
	if err != nil {
		t.Fatalf("insights: %v", err)
	}
	if len(insights) != 2 {
		t.Fatalf("expected 2 distinct insights, got %d", len(insights))
	}
	if insights[0].Count != 2 {
		t.Errorf("most recurrent first with merged count, got %d", insights[0].Count)
	}
	if len(insights[0].Sources) != 2 {
		t.Errorf("sources accumulate on merge, got %v", insights[0].Sources)
	}

	if err := kb.RecordInsight(ctx, &Insight{TeamID: "t"}); err == nil {
		t.Error("statement is required")
	}
}
