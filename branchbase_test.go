package branchbase

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/branchbase/branchbase/pkg/knowledge"
	"github.com/branchbase/branchbase/pkg/merge"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/search"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	db, err := Open(context.Background(), cfg,
		WithEmbedder(provider.NewHashEmbedder(cfg.Dimensions)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAssemblesEngines(t *testing.T) {
	db := openTestDB(t)

	if db.Branches() == nil || db.Snapshots() == nil || db.Templates() == nil ||
		db.Facts() == nil || db.Observations() == nil || db.Relations() == nil ||
		db.Conversations() == nil || db.Replays() == nil || db.SemanticDiff() == nil ||
		db.Search() == nil || db.Merge() == nil || db.Tasks() == nil ||
		db.Consolidation() == nil || db.Scores() == nil {
		t.Fatal("an engine accessor returned nil")
	}

	// main exists from the start
	b, err := db.Branches().Get(context.Background(), "main")
	if err != nil {
		t.Fatalf("main branch: %v", err)
	}
	if b.Status != "active" {
		t.Errorf("main status = %s", b.Status)
	}
}

func TestEndToEndBranchWriteSearchMerge(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Branches().Create(ctx, "exp/a", "main", "alternate approach"); err != nil {
		t.Fatalf("Create branch: %v", err)
	}
	f, err := db.Facts().Write(ctx, knowledge.FactInput{
		FactText:   "the nightly sync job needs an exclusive advisory lock",
		Category:   "infra",
		BranchName: "exp/a",
	})
	if err != nil {
		t.Fatalf("Write fact: %v", err)
	}

	// the fork's write is invisible on main
	results, err := db.Search().Search(ctx, search.Options{Query: "advisory lock"})
	if err != nil {
		t.Fatalf("Search main: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("main sees fork data: %+v", results)
	}

	results, err = db.Search().Search(ctx, search.Options{Query: "advisory lock", BranchName: "exp/a"})
	if err != nil {
		t.Fatalf("Search exp/a: %v", err)
	}
	if len(results) != 1 || results[0].ID != f.ID {
		t.Fatalf("fork search = %+v", results)
	}

	// merging lands the fact on main
	if _, err := db.Merge().Merge(ctx, "exp/a", "main", merge.Options{Strategy: merge.StrategyAuto}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	results, err = db.Search().Search(ctx, search.Options{Query: "advisory lock"})
	if err != nil {
		t.Fatalf("Search after merge: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("merged fact not searchable on main: %+v", results)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := Config{Path: "x.db"}.withDefaults()
	if cfg.Dimensions != 256 || cfg.LogLevel != "info" || cfg.MaxInflightEmbeds != 16 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.WriteDeadline <= 0 || cfg.MergeDeadline <= 0 {
		t.Error("deadlines not defaulted")
	}
}

// clockEmbedder records the deadline of each embedding context.
type clockEmbedder struct {
	inner    provider.Embedder
	deadline time.Time
	ok       bool
}

func (c *clockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.deadline, c.ok = ctx.Deadline()
	return c.inner.Embed(ctx, text)
}

func (c *clockEmbedder) Dimensions() int { return c.inner.Dimensions() }

func TestOpenThreadsDeadlines(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	cfg.WriteDeadline = 33 * time.Minute

	capture := &clockEmbedder{inner: provider.NewHashEmbedder(cfg.Dimensions)}
	db, err := Open(context.Background(), cfg, WithEmbedder(capture))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	before := time.Now()
	if _, err := db.Facts().Write(context.Background(), knowledge.FactInput{
		FactText: "the configured write deadline reaches the engines",
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !capture.ok {
		t.Fatal("write context carried no deadline")
	}
	if got := capture.deadline.Sub(before); got < 32*time.Minute || got > 34*time.Minute {
		t.Errorf("deadline %v from now, want about 33m", got)
	}
}

func TestOpenEnforcesDimensions(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "test.db"))
	cfg.Dimensions = 128

	// the embedder disagrees with the configured dimensionality
	db, err := Open(context.Background(), cfg, WithEmbedder(provider.NewHashEmbedder(64)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	f, err := db.Facts().Write(ctx, knowledge.FactInput{FactText: "mismatched vector falls back to no embedding"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := db.Facts().Get(ctx, f.ID, "main")
	if err != nil {
		t.Fatal(err)
	}
	if got.Embedding != nil {
		t.Error("mismatched vector was stored")
	}
	if got.Metadata["embedding_pending"] != true {
		t.Errorf("metadata = %+v, want embedding_pending", got.Metadata)
	}
}
