package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/branchbase/branchbase/internal/encoding"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func insertFactAt(t *testing.T, st *storage.Store, e provider.Embedder, text string, at time.Time) string {
	t.Helper()
	var blob any
	if e != nil {
		vec, err := e.Embed(context.Background(), text)
		if err != nil {
			t.Fatalf("Embed: %v", err)
		}
		b, err := encoding.EncodeVector(vec)
		if err != nil {
			t.Fatalf("EncodeVector: %v", err)
		}
		blob = b
	}
	id := uuid.New().String()
	_, err := st.Exec(context.Background(), `
		INSERT INTO facts
			(id, fact_text, embedding, category, confidence, status,
			 source_type, source_id, parent_id, session_id, agent_id, task_id,
			 branch_name, metadata, created_at, superseded_at, invalidated_at)
		VALUES (?, ?, ?, '', 1.0, 'active', '', '', '', '', '', '', 'main', '', ?, NULL, NULL)`,
		id, text, blob, storage.FormatTime(at))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func TestKeywordSearch(t *testing.T) {
	st := newTestStore(t)
	e := NewEngine(st, nil, nil)
	ctx := context.Background()

	want := insertFactAt(t, st, nil, "the scheduler drops jobs when the queue overflows", time.Now())
	insertFactAt(t, st, nil, "billing invoices render as pdf", time.Now())

	results, err := e.Search(ctx, Options{Query: "scheduler queue", Type: TypeKeyword})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].ID != want {
		t.Fatalf("results = %+v, want the scheduler fact first", results)
	}
	if results[0].Text == "" {
		t.Error("results should be hydrated with text")
	}
}

func TestHybridDecayPrefersRecent(t *testing.T) {
	st := newTestStore(t)
	embedder := provider.NewHashEmbedder(128)
	e := NewEngine(st, embedder, nil)
	ctx := context.Background()

	now := time.Now()
	recent := insertFactAt(t, st, embedder,
		"database connection pool tuning guidance for peak load", now.Add(-24*time.Hour))
	old := insertFactAt(t, st, embedder,
		"database connection pool tuning guidance for peak load", now.Add(-100*24*time.Hour))

	results, err := e.Search(ctx, Options{Query: "database connection pool tuning", Type: TypeHybrid})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != recent || results[1].ID != old {
		t.Errorf("order = [%s %s], want recent before old", results[0].ID, results[1].ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("decay did not separate scores: %v vs %v", results[0].Score, results[1].Score)
	}
}

func TestEmptyQueryFallsBackToRecency(t *testing.T) {
	st := newTestStore(t)
	e := NewEngine(st, nil, nil)
	ctx := context.Background()

	now := time.Now()
	older := insertFactAt(t, st, nil, "first written", now.Add(-time.Hour))
	newer := insertFactAt(t, st, nil, "second written", now)

	results, err := e.Search(ctx, Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].ID != newer || results[1].ID != older {
		t.Errorf("recency order wrong: %+v", results)
	}
}

func TestVectorModeWithoutEmbedderDegrades(t *testing.T) {
	st := newTestStore(t)
	e := NewEngine(st, nil, nil)
	ctx := context.Background()

	want := insertFactAt(t, st, nil, "kafka consumer lag monitoring", time.Now())

	results, err := e.Search(ctx, Options{Query: "kafka lag", Type: TypeVector})
	if err != nil {
		t.Fatalf("Search should degrade to keyword, got: %v", err)
	}
	if len(results) == 0 || results[0].ID != want {
		t.Errorf("degraded search missed the fact: %+v", results)
	}
}

func TestSearchScopeObservations(t *testing.T) {
	st := newTestStore(t)
	e := NewEngine(st, nil, nil)
	ctx := context.Background()

	_, err := st.Exec(ctx, `
		INSERT INTO observations
			(id, observation_type, summary, embedding, tool_name, raw_input, raw_output,
			 session_id, branch_name, metadata, created_at)
		VALUES ('o1', 'discovery', 'cache invalidation bug near expiry boundary', NULL,
			'', '', '', '', 'main', '', ?)`,
		storage.FormatTime(time.Now()))
	if err != nil {
		t.Fatalf("insert observation: %v", err)
	}

	results, err := e.Search(ctx, Options{Query: "cache invalidation", Scope: ScopeObservations, Type: TypeKeyword})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "o1" {
		t.Errorf("results = %+v", results)
	}
}

func TestSearchUnknownBranchNotFound(t *testing.T) {
	st := newTestStore(t)
	e := NewEngine(st, nil, nil)

	_, err := e.Search(context.Background(), Options{Query: "anything", BranchName: "ghost"})
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("unknown branch: got %v, want NotFound", err)
	}
}
