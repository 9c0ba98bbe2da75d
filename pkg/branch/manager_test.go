package branch

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(st, nil), st
}

func writeFact(t *testing.T, st *storage.Store, branch, text string) string {
	t.Helper()
	physical, err := storage.ResolveTable("facts", branch)
	if err != nil {
		t.Fatalf("ResolveTable: %v", err)
	}
	id := uuid.New().String()
	_, err = st.Exec(context.Background(), `
		INSERT INTO `+physical+`
			(id, fact_text, embedding, category, confidence, status,
			 source_type, source_id, parent_id, session_id, agent_id, task_id,
			 branch_name, metadata, created_at, superseded_at, invalidated_at)
		VALUES (?, ?, NULL, '', 1.0, 'active', '', '', '', '', '', '', ?, '', ?, NULL, NULL)`,
		id, text, branch, storage.FormatTime(time.Now()))
	if err != nil {
		t.Fatalf("insert fact: %v", err)
	}
	return id
}

func countFacts(t *testing.T, st *storage.Store, branch string) int {
	t.Helper()
	rows, err := st.ReadRows(context.Background(), "facts", branch, "")
	if err != nil {
		t.Fatalf("ReadRows %s: %v", branch, err)
	}
	return len(rows)
}

func TestCreateForksParentData(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	writeFact(t, st, "main", "shared knowledge")

	b, err := m.Create(ctx, "exp/a", "main", "experiment")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Parent != "main" || b.Status != StatusActive {
		t.Errorf("branch = %+v", b)
	}

	// fork sees the parent's data; later writes stay isolated
	if got := countFacts(t, st, "exp/a"); got != 1 {
		t.Fatalf("fork has %d facts, want 1", got)
	}
	writeFact(t, st, "exp/a", "experimental finding")
	if got := countFacts(t, st, "main"); got != 1 {
		t.Errorf("main has %d facts after fork write, want 1", got)
	}
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "all", "main", ""); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("reserved name: got %v, want InvalidArgument", err)
	}
	if _, err := m.Create(ctx, "exp/a", "ghost", ""); !errs.Is(err, errs.NotFound) {
		t.Errorf("missing parent: got %v, want NotFound", err)
	}

	if _, err := m.Create(ctx, "exp/a", "main", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, "exp/a", "main", ""); !errs.Is(err, errs.AlreadyExists) {
		t.Errorf("duplicate: got %v, want AlreadyExists", err)
	}
	// distinct name that sanitizes to the same physical suffix
	if _, err := m.Create(ctx, "exp.a", "main", ""); !errs.Is(err, errs.AlreadyExists) {
		t.Errorf("sanitized clash: got %v, want AlreadyExists", err)
	}
}

func TestArchive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Archive(ctx, storage.MainBranch); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("archiving main: got %v, want InvalidArgument", err)
	}

	if _, err := m.Create(ctx, "exp/a", "main", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Archive(ctx, "exp/a"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	b, err := m.Get(ctx, "exp/a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.Status != StatusArchived {
		t.Errorf("status = %s, want archived", b.Status)
	}

	// archived branches cannot parent new forks
	if _, err := m.Create(ctx, "exp/b", "exp/a", ""); !errs.Is(err, errs.PreconditionFailed) {
		t.Errorf("fork from archived: got %v, want PreconditionFailed", err)
	}
}

func TestIsAncestor(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "a", "main", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, "a/b", "a", ""); err != nil {
		t.Fatal(err)
	}

	ok, err := m.IsAncestor(ctx, "main", "a/b")
	if err != nil || !ok {
		t.Errorf("main ancestor of a/b = %v, %v", ok, err)
	}
	ok, err = m.IsAncestor(ctx, "a/b", "main")
	if err != nil || ok {
		t.Errorf("a/b ancestor of main = %v, %v", ok, err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	m, st := newTestManager(t)
	sm := NewSnapshotManager(st, m, nil)
	ctx := context.Background()

	writeFact(t, st, "main", "known before snapshot")

	snap, err := sm.Create(ctx, "main", "before-x", false)
	if err != nil {
		t.Fatalf("snapshot Create: %v", err)
	}
	if !snap.HasPayload {
		t.Error("payload snapshot should carry a payload")
	}

	writeFact(t, st, "main", "fact X arrives later")

	restored, err := sm.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !strings.HasPrefix(restored.Name, "main_restored_") {
		t.Errorf("restored branch name = %q", restored.Name)
	}

	if got := countFacts(t, st, restored.Name); got != 1 {
		t.Errorf("restored branch has %d facts, want 1 (pre-snapshot only)", got)
	}
	// the original branch is untouched
	if got := countFacts(t, st, "main"); got != 2 {
		t.Errorf("main has %d facts, want 2", got)
	}
}

func TestNativeSnapshotRestore(t *testing.T) {
	m, st := newTestManager(t)
	sm := NewSnapshotManager(st, m, nil)
	ctx := context.Background()

	writeFact(t, st, "main", "early era")

	snap, err := sm.Create(ctx, "main", "", true)
	if err != nil {
		t.Fatalf("snapshot Create: %v", err)
	}
	if snap.HasPayload {
		t.Error("native snapshot should not copy a payload")
	}

	time.Sleep(10 * time.Millisecond)
	writeFact(t, st, "main", "late era")

	restored, err := sm.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := countFacts(t, st, restored.Name); got != 1 {
		t.Errorf("restored branch has %d facts, want 1", got)
	}
}

func TestTemplateRegisterAndInstantiate(t *testing.T) {
	m, st := newTestManager(t)
	sm := NewSnapshotManager(st, m, nil)
	te := NewTemplateEngine(st, m, sm, nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, "golden", "main", "curated knowledge"); err != nil {
		t.Fatal(err)
	}
	writeFact(t, st, "golden", "always check the retry budget first")

	tpl, err := te.Register(ctx, "code-review", "golden", "review playbook",
		[]string{"review"}, []string{"golang"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if tpl.Version != 1 {
		t.Errorf("version = %d, want 1", tpl.Version)
	}

	// re-registering bumps the version
	tpl2, err := te.Register(ctx, "code-review", "golden", "", nil, nil)
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if tpl2.Version != 2 {
		t.Errorf("version = %d, want 2", tpl2.Version)
	}

	b, err := te.Instantiate(ctx, "code-review", "task/review-1", "")
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if got := countFacts(t, st, b.Name); got != 1 {
		t.Errorf("instantiated branch has %d facts, want 1", got)
	}
}
