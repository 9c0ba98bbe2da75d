package knowledge

import (
	"context"
	"testing"

	"github.com/branchbase/branchbase/pkg/errs"
)

func newRelationEngine(t *testing.T) *RelationEngine {
	t.Helper()
	return NewRelationEngine(newTestStore(t), nil)
}

func TestRelationRewriteClosesPrior(t *testing.T) {
	e := newRelationEngine(t)
	ctx := context.Background()

	r1, err := e.Write(ctx, RelationInput{
		SourceEntity: "svc-api", RelationType: "depends_on", TargetEntity: "svc-auth",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	r2, err := e.Write(ctx, RelationInput{
		SourceEntity: "svc-api", RelationType: "depends_on", TargetEntity: "svc-auth",
		Properties: map[string]any{"via": "grpc"},
	})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if r1.ID == r2.ID {
		t.Fatal("rewrite must open a new row")
	}

	history, err := e.History(ctx, "svc-api", "svc-auth", "depends_on", "")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].ValidTo.IsZero() {
		t.Error("first generation should be closed")
	}
	if !history[1].ValidTo.IsZero() {
		t.Error("second generation should still be open")
	}
}

func TestRelationQueryTraversal(t *testing.T) {
	e := newRelationEngine(t)
	ctx := context.Background()

	edges := [][3]string{
		{"a", "calls", "b"},
		{"b", "calls", "c"},
		{"c", "calls", "d"},
		{"x", "calls", "y"},
	}
	for _, eg := range edges {
		if _, err := e.Write(ctx, RelationInput{
			SourceEntity: eg[0], RelationType: eg[1], TargetEntity: eg[2],
		}); err != nil {
			t.Fatal(err)
		}
	}

	g, err := e.Query(ctx, "a", "", 2, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	// depth 2 from a reaches b and c but not d, and never x/y
	if len(g.Edges) != 2 {
		t.Errorf("edges = %d, want 2", len(g.Edges))
	}
	for _, n := range g.Nodes {
		if n == "d" || n == "x" || n == "y" {
			t.Errorf("traversal leaked to %s", n)
		}
	}
}

func TestRelationQueryExcludesClosedEdges(t *testing.T) {
	e := newRelationEngine(t)
	ctx := context.Background()

	r, err := e.Write(ctx, RelationInput{
		SourceEntity: "a", RelationType: "owns", TargetEntity: "b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(ctx, r.ID, ""); err != nil {
		t.Fatalf("Close: %v", err)
	}

	g, err := e.Query(ctx, "a", "", 3, "")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(g.Edges) != 0 {
		t.Errorf("closed edge still traversed: %+v", g.Edges)
	}

	// closing twice has nothing left to close
	if err := e.Close(ctx, r.ID, ""); !errs.Is(err, errs.NotFound) {
		t.Errorf("second Close: got %v, want NotFound", err)
	}
}
