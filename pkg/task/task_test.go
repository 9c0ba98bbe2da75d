package task

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/branchbase/branchbase/pkg/branch"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	branches := branch.NewManager(st, nil)
	return NewEngine(st, branches, nil), st
}

func TestCreateTaskForksBranch(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	tk, err := e.Create(ctx, "migrate the billing schema", "migration", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(tk.CreatedBranch, "task/") {
		t.Errorf("branch = %q, want task/ prefix", tk.CreatedBranch)
	}
	if tk.Status != StatusOpen {
		t.Errorf("status = %s, want open", tk.Status)
	}

	branches := branch.NewManager(st, nil)
	if _, err := branches.Get(ctx, tk.CreatedBranch); err != nil {
		t.Errorf("task branch missing from registry: %v", err)
	}

	if _, err := e.Create(ctx, "", "", ""); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("empty objective: got %v, want InvalidArgument", err)
	}
}

func TestJoinAndLeave(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	tk, err := e.Create(ctx, "profile the slow dashboard queries", "", "")
	if err != nil {
		t.Fatal(err)
	}

	a, err := e.Join(ctx, tk.ID, "agent-1", "profiler")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if a.AssignedBranch != tk.CreatedBranch+"/agent-1" {
		t.Errorf("agent branch = %q", a.AssignedBranch)
	}

	// joining twice while attached fails
	if _, err := e.Join(ctx, tk.ID, "agent-1", ""); !errs.Is(err, errs.AlreadyExists) {
		t.Errorf("double join: got %v, want AlreadyExists", err)
	}

	// joining moved the task to running
	got, err := e.Get(ctx, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}

	// completing with an attached agent is refused
	if err := e.Complete(ctx, tk.ID); !errs.Is(err, errs.PreconditionFailed) {
		t.Errorf("Complete with attached agent: got %v, want PreconditionFailed", err)
	}

	if err := e.Leave(ctx, tk.ID, "agent-1", "indexes were the culprit"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	// leaving twice has nothing to close
	if err := e.Leave(ctx, tk.ID, "agent-1", ""); !errs.Is(err, errs.NotFound) {
		t.Errorf("double leave: got %v, want NotFound", err)
	}

	// the handoff summary is recorded
	var summary string
	if err := st.QueryRow(ctx,
		"SELECT summary FROM handoff_records WHERE task_id = ? AND agent_id = ?",
		tk.ID, "agent-1").Scan(&summary); err != nil {
		t.Fatalf("handoff record: %v", err)
	}
	if summary != "indexes were the culprit" {
		t.Errorf("summary = %q", summary)
	}

	if err := e.Complete(ctx, tk.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// finished tasks refuse new agents
	if _, err := e.Join(ctx, tk.ID, "agent-2", ""); !errs.Is(err, errs.PreconditionFailed) {
		t.Errorf("join finished task: got %v, want PreconditionFailed", err)
	}
}

func TestStatusAggregatesAgents(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	tk, err := e.Create(ctx, "stabilize the flaky suite", "", "")
	if err != nil {
		t.Fatal(err)
	}
	a, err := e.Join(ctx, tk.ID, "agent-1", "fixer")
	if err != nil {
		t.Fatal(err)
	}

	physical, err := storage.ResolveTable("facts", a.AssignedBranch)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Exec(ctx, `
		INSERT INTO `+physical+`
			(id, fact_text, embedding, category, confidence, status,
			 source_type, source_id, parent_id, session_id, agent_id, task_id,
			 branch_name, metadata, created_at, superseded_at, invalidated_at)
		VALUES ('pf1', 'the retry helper masks assertion failures', NULL, '', 1.0, 'active',
			'', '', '', '', 'agent-1', ?, ?, '', ?, NULL, NULL)`,
		tk.ID, a.AssignedBranch, storage.FormatTime(tk.CreatedAt)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	report, err := e.Status(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(report.Agents) != 1 {
		t.Fatalf("agents = %d, want 1", len(report.Agents))
	}
	ag := report.Agents[0]
	if !ag.Active || ag.AgentID != "agent-1" {
		t.Errorf("agent = %+v", ag)
	}
	if ag.RowCounts["facts"] != 1 {
		t.Errorf("fact count = %d, want 1", ag.RowCounts["facts"])
	}
}

func TestListByStatus(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	t1, err := e.Create(ctx, "first", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Create(ctx, "second", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := e.Cancel(ctx, t1.ID); err != nil {
		t.Fatal(err)
	}

	open, err := e.List(ctx, StatusOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].Objective != "second" {
		t.Errorf("open tasks = %+v", open)
	}
	all, err := e.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all tasks = %d, want 2", len(all))
	}
}
