package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/branchbase/branchbase/internal/encoding"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"main", false},
		{"exp/a", false},
		{"task/123/agent-1", false},
		{"a.b_c-d", false},
		{"", true},
		{"/leading", true},
		{"-leading", true},
		{"has space", true},
		{"all", true},
		{"none", true},
		{"sqlite", true},
		{"temp", true},
	}
	for _, tt := range tests {
		err := ValidateBranchName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateBranchName(%q) err=%v, wantErr=%v", tt.name, err, tt.wantErr)
		}
	}
}

func TestResolveTable(t *testing.T) {
	tests := []struct {
		logical, branch, want string
	}{
		{"facts", "main", "facts"},
		{"facts", "exp/a", "facts__exp_a"},
		{"messages", "task/1", "messages__task_1"},
	}
	for _, tt := range tests {
		got, err := ResolveTable(tt.logical, tt.branch)
		if err != nil {
			t.Fatalf("ResolveTable(%s, %s): %v", tt.logical, tt.branch, err)
		}
		if got != tt.want {
			t.Errorf("ResolveTable(%s, %s) = %s, want %s", tt.logical, tt.branch, got, tt.want)
		}
	}
	if _, err := ResolveTable("nope", "main"); err == nil {
		t.Error("ResolveTable with unknown logical table should fail")
	}
}

func TestForkIsolation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	insertFact(t, st, "main", "f1", "the sky is blue", time.Now())

	if err := st.ForkTables(ctx, "main", "exp/a"); err != nil {
		t.Fatalf("ForkTables: %v", err)
	}

	insertFact(t, st, "exp/a", "f2", "water boils at 100", time.Now())

	mainRows, err := st.ReadRows(ctx, "facts", "main", "")
	if err != nil {
		t.Fatalf("ReadRows main: %v", err)
	}
	if len(mainRows) != 1 {
		t.Fatalf("main has %d facts, want 1", len(mainRows))
	}

	expRows, err := st.ReadRows(ctx, "facts", "exp/a", "")
	if err != nil {
		t.Fatalf("ReadRows exp/a: %v", err)
	}
	if len(expRows) != 2 {
		t.Fatalf("exp/a has %d facts, want 2", len(expRows))
	}
	for _, row := range expRows {
		if row["branch_name"] != "exp/a" {
			t.Errorf("forked row carries branch_name %v", row["branch_name"])
		}
	}
}

func TestReadAsOfRewindsSupersession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	insertFact(t, st, "main", "f1", "old version", base)

	// supersede f1 half an hour later
	later := base.Add(30 * time.Minute)
	if _, err := st.Exec(ctx,
		"UPDATE facts SET status = 'superseded', superseded_at = ? WHERE id = 'f1'",
		FormatTime(later)); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	// as-of before the supersession, f1 is active again
	rows, err := st.ReadAsOf(ctx, "facts", "main", base.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("ReadAsOf: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0]["status"] != "active" {
		t.Errorf("status = %v, want active before the supersession point", rows[0]["status"])
	}

	// as-of after the supersession, the flip is visible
	rows, err = st.ReadAsOf(ctx, "facts", "main", later.Add(time.Minute))
	if err != nil {
		t.Fatalf("ReadAsOf: %v", err)
	}
	if rows[0]["status"] != "superseded" {
		t.Errorf("status = %v, want superseded after the supersession point", rows[0]["status"])
	}
}

func TestMergeTablesPolicies(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	insertFact(t, st, "main", "shared", "original", time.Now())
	if err := st.ForkTables(ctx, "main", "exp/b"); err != nil {
		t.Fatalf("ForkTables: %v", err)
	}

	// diverge the shared row on the fork and add a new one
	if _, err := st.Exec(ctx,
		"UPDATE facts__exp_b SET fact_text = 'changed' WHERE id = 'shared'"); err != nil {
		t.Fatalf("update: %v", err)
	}
	insertFact(t, st, "exp/b", "fresh", "brand new", time.Now())

	res, err := st.MergeTables(ctx, "facts", "exp/b", "main", ConflictSkip)
	if err != nil {
		t.Fatalf("MergeTables skip: %v", err)
	}
	if len(res.Copied) != 1 || res.Copied[0] != "fresh" {
		t.Errorf("Copied = %v, want [fresh]", res.Copied)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "shared" {
		t.Errorf("Skipped = %v, want [shared]", res.Skipped)
	}

	var text string
	if err := st.QueryRow(ctx, "SELECT fact_text FROM facts WHERE id = 'shared'").Scan(&text); err != nil {
		t.Fatalf("query: %v", err)
	}
	if text != "original" {
		t.Errorf("skip policy overwrote the target row: %q", text)
	}

	res, err = st.MergeTables(ctx, "facts", "exp/b", "main", ConflictAccept)
	if err != nil {
		t.Fatalf("MergeTables accept: %v", err)
	}
	if len(res.Overwritten) != 1 {
		t.Errorf("Overwritten = %v, want [shared]", res.Overwritten)
	}
	if err := st.QueryRow(ctx, "SELECT fact_text FROM facts WHERE id = 'shared'").Scan(&text); err != nil {
		t.Fatalf("query: %v", err)
	}
	if text != "changed" {
		t.Errorf("accept policy kept the target row: %q", text)
	}
}

func TestFulltextSearch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	insertFact(t, st, "main", "f1", "postgres connection pooling with pgbouncer", time.Now())
	insertFact(t, st, "main", "f2", "redis cache eviction policy", time.Now())

	hits, err := st.FulltextSearch(ctx, "facts", "main", "postgres pooling", 10, "")
	if err != nil {
		t.Fatalf("FulltextSearch: %v", err)
	}
	if len(hits) == 0 || hits[0].ID != "f1" {
		t.Fatalf("hits = %+v, want f1 first", hits)
	}
}

func TestVectorSearch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	insertFactVec(t, st, "main", "v1", "a", []float32{1, 0, 0, 0}, time.Now())
	insertFactVec(t, st, "main", "v2", "b", []float32{0, 1, 0, 0}, time.Now())
	insertFactVec(t, st, "main", "v3", "c", []float32{0.9, 0.1, 0, 0}, time.Now())

	hits, err := st.VectorSearch(ctx, "facts", "main", []float32{1, 0, 0, 0}, 2, "")
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != "v1" || hits[1].ID != "v3" {
		t.Errorf("order = [%s %s], want [v1 v3]", hits[0].ID, hits[1].ID)
	}
}

func insertFact(t *testing.T, st *Store, branch, id, text string, at time.Time) {
	t.Helper()
	insertFactVec(t, st, branch, id, text, nil, at)
}

func insertFactVec(t *testing.T, st *Store, branch, id, text string, vec []float32, at time.Time) {
	t.Helper()
	physical, err := ResolveTable("facts", branch)
	if err != nil {
		t.Fatalf("ResolveTable: %v", err)
	}
	var blob any
	if vec != nil {
		b, err := encoding.EncodeVector(vec)
		if err != nil {
			t.Fatalf("EncodeVector: %v", err)
		}
		blob = b
	}
	_, err = st.Exec(context.Background(), `
		INSERT INTO `+physical+`
			(id, fact_text, embedding, category, confidence, status,
			 source_type, source_id, parent_id, session_id, agent_id, task_id,
			 branch_name, metadata, created_at, superseded_at, invalidated_at)
		VALUES (?, ?, ?, '', 1.0, 'active', '', '', '', '', '', '', ?, '', ?, NULL, NULL)`,
		id, text, blob, branch, FormatTime(at))
	if err != nil {
		t.Fatalf("insert fact %s: %v", id, err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("identical vectors: %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors: %v", got)
	}
	if got := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Errorf("mismatched dims should score 0, got %v", got)
	}
}
