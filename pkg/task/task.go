// Package task coordinates multi-agent work: each task owns a branch,
// each joining agent gets a private branch forked from it, and agents
// leave a handoff summary when they detach.
package task

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/pkg/branch"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Task statuses.
const (
	StatusOpen      = "open"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusCancelled = "cancelled"
)

// DefaultWriteDeadline bounds task mutations when the caller has no
// deadline of its own.
const DefaultWriteDeadline = 5 * time.Second

// Task is a unit of multi-agent work anchored to its own branch.
type Task struct {
	ID            string
	Objective     string
	Type          string
	Status        string
	CreatedBranch string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Assignment records one agent's participation in a task.
type Assignment struct {
	ID             string
	TaskID         string
	AgentID        string
	AssignedBranch string
	Role           string
	JoinedAt       time.Time
	LeftAt         time.Time // zero while the agent is attached
}

// AgentProgress is one agent's standing within a task status report.
type AgentProgress struct {
	AgentID        string
	AssignedBranch string
	Role           string
	Active         bool
	RowCounts      map[string]int // logical table -> row count on the agent branch
}

// StatusReport aggregates a task and its agents.
type StatusReport struct {
	Task   *Task
	Agents []AgentProgress
}

// Engine manages tasks and their agent branches.
type Engine struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	branches *branch.Manager
	deadline time.Duration
}

// NewEngine returns a task engine.
func NewEngine(st *storage.Store, branches *branch.Manager, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{st: st, log: log, branches: branches, deadline: DefaultWriteDeadline}
}

// SetDeadline overrides the default write deadline. Zero keeps the
// current value.
func (e *Engine) SetDeadline(d time.Duration) {
	if d > 0 {
		e.deadline = d
	}
}

// Create registers a task and forks its branch task/<id> from parent
// (main when empty). The task id doubles as the branch suffix.
func (e *Engine) Create(ctx context.Context, objective, taskType, parent string) (*Task, error) {
	const op = "task.create"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if objective == "" {
		return nil, errs.E(errs.InvalidArgument, op, "objective is required")
	}
	if parent == "" {
		parent = storage.MainBranch
	}

	id := uuid.New().String()
	branchName := "task/" + id
	if _, err := e.branches.Create(ctx, branchName, parent, "task: "+objective); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Task{
		ID:            id,
		Objective:     objective,
		Type:          taskType,
		Status:        StatusOpen,
		CreatedBranch: branchName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := e.st.Exec(ctx, `
		INSERT INTO tasks (task_id, objective, type, status, created_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Objective, t.Type, t.Status, t.CreatedBranch,
		storage.FormatTime(now), storage.FormatTime(now)); err != nil {
		// keep the registry consistent when the task row fails
		if derr := e.branches.Archive(ctx, branchName); derr != nil {
			e.log.Warnw("task branch cleanup failed", "branch", branchName, "error", derr)
		}
		return nil, err
	}

	e.log.Infow("task created", "task", t.ID, "branch", branchName)
	return t, nil
}

// Join attaches an agent to a task: it forks a private branch
// task/<id>/<agent> from the task branch and records the assignment.
// Joining a task an agent is already attached to fails AlreadyExists.
func (e *Engine) Join(ctx context.Context, taskID, agentID, role string) (*Assignment, error) {
	const op = "task.join"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if agentID == "" {
		return nil, errs.E(errs.InvalidArgument, op, "agent id is required")
	}
	t, err := e.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDone || t.Status == StatusCancelled {
		return nil, errs.E(errs.PreconditionFailed, op, "task %q is %s", taskID, t.Status)
	}

	var existing int
	if err := e.st.QueryRow(ctx, `
		SELECT COUNT(*) FROM task_agents
		WHERE task_id = ? AND agent_id = ? AND left_at IS NULL`,
		taskID, agentID).Scan(&existing); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	if existing > 0 {
		return nil, errs.E(errs.AlreadyExists, op, "agent %q already joined task %q", agentID, taskID)
	}

	agentBranch := t.CreatedBranch + "/" + agentID
	if _, err := e.branches.Create(ctx, agentBranch, t.CreatedBranch, "agent "+agentID+" on task "+taskID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a := &Assignment{
		ID:             uuid.New().String(),
		TaskID:         taskID,
		AgentID:        agentID,
		AssignedBranch: agentBranch,
		Role:           role,
		JoinedAt:       now,
	}
	if _, err := e.st.Exec(ctx, `
		INSERT INTO task_agents (id, task_id, agent_id, assigned_branch, role, joined_at, left_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		a.ID, a.TaskID, a.AgentID, a.AssignedBranch, a.Role, storage.FormatTime(now)); err != nil {
		if derr := e.branches.Archive(ctx, agentBranch); derr != nil {
			e.log.Warnw("agent branch cleanup failed", "branch", agentBranch, "error", derr)
		}
		return nil, err
	}

	if err := e.setStatus(ctx, taskID, StatusRunning); err != nil {
		return nil, err
	}
	e.log.Infow("agent joined", "task", taskID, "agent", agentID, "branch", agentBranch)
	return a, nil
}

// Leave detaches an agent: the assignment is closed and a handoff
// record with the agent's summary is written for whoever picks the
// work up. The agent branch stays in place for merging.
func (e *Engine) Leave(ctx context.Context, taskID, agentID, summary string) error {
	const op = "task.leave"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	var assignedBranch string
	err := e.st.QueryRow(ctx, `
		SELECT assigned_branch FROM task_agents
		WHERE task_id = ? AND agent_id = ? AND left_at IS NULL`,
		taskID, agentID).Scan(&assignedBranch)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.E(errs.NotFound, op, "agent %q is not attached to task %q", agentID, taskID)
	}
	if err != nil {
		return errs.Wrap(errs.Unavailable, op, err)
	}

	now := storage.FormatTime(time.Now())
	if _, err := e.st.Exec(ctx, `
		UPDATE task_agents SET left_at = ?
		WHERE task_id = ? AND agent_id = ? AND left_at IS NULL`,
		now, taskID, agentID); err != nil {
		return err
	}
	if _, err := e.st.Exec(ctx, `
		INSERT INTO handoff_records (id, task_id, agent_id, assigned_branch, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), taskID, agentID, assignedBranch, summary, now); err != nil {
		return err
	}

	e.log.Infow("agent left", "task", taskID, "agent", agentID)
	return nil
}

// Complete closes a task. Open assignments are rejected so no agent is
// silently orphaned.
func (e *Engine) Complete(ctx context.Context, taskID string) error {
	const op = "task.complete"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	var open int
	if err := e.st.QueryRow(ctx,
		"SELECT COUNT(*) FROM task_agents WHERE task_id = ? AND left_at IS NULL",
		taskID).Scan(&open); err != nil {
		return errs.Wrap(errs.Unavailable, op, err)
	}
	if open > 0 {
		return errs.E(errs.PreconditionFailed, op, "task %q still has %d attached agents", taskID, open)
	}
	return e.setStatus(ctx, taskID, StatusDone)
}

// Cancel marks a task cancelled regardless of attached agents.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	return e.setStatus(ctx, taskID, StatusCancelled)
}

func (e *Engine) setStatus(ctx context.Context, taskID, status string) error {
	const op = "task.set_status"

	res, err := e.st.Exec(ctx,
		"UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?",
		status, storage.FormatTime(time.Now()), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, op, "task %q not found", taskID)
	}
	return nil
}

// Get loads one task.
func (e *Engine) Get(ctx context.Context, taskID string) (*Task, error) {
	const op = "task.get"

	row := e.st.QueryRow(ctx, `
		SELECT task_id, objective, type, status, created_branch, created_at, updated_at
		FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, op, "task %q not found", taskID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return t, nil
}

// List returns tasks, optionally filtered by status, newest first.
func (e *Engine) List(ctx context.Context, status string) ([]*Task, error) {
	const op = "task.list"

	q := "SELECT task_id, objective, type, status, created_branch, created_at, updated_at FROM tasks"
	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status)
	}
	q += " ORDER BY created_at DESC, task_id"

	rows, err := e.st.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

// Agents returns all assignments of a task, including closed ones.
func (e *Engine) Agents(ctx context.Context, taskID string) ([]*Assignment, error) {
	const op = "task.agents"

	rows, err := e.st.Query(ctx, `
		SELECT id, task_id, agent_id, assigned_branch, role, joined_at, left_at
		FROM task_agents WHERE task_id = ? ORDER BY joined_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Assignment
	for rows.Next() {
		var a Assignment
		var joinedAt string
		var leftAt sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AgentID, &a.AssignedBranch,
			&a.Role, &joinedAt, &leftAt); err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		if t, err := storage.ParseTime(joinedAt); err == nil {
			a.JoinedAt = t
		}
		a.LeftAt = storage.ScanTime(leftAt)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

// Status aggregates per-agent progress from each agent branch's row
// counts.
func (e *Engine) Status(ctx context.Context, taskID string) (*StatusReport, error) {
	t, err := e.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	assignments, err := e.Agents(ctx, taskID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{Task: t}
	for _, a := range assignments {
		p := AgentProgress{
			AgentID:        a.AgentID,
			AssignedBranch: a.AssignedBranch,
			Role:           a.Role,
			Active:         a.LeftAt.IsZero(),
		}
		counts, err := e.branches.Stats(ctx, a.AssignedBranch)
		if err == nil {
			p.RowCounts = counts
		} else if errs.KindOf(err) != errs.NotFound {
			return nil, err
		}
		report.Agents = append(report.Agents, p)
	}
	sort.Slice(report.Agents, func(i, j int) bool {
		return report.Agents[i].AgentID < report.Agents[j].AgentID
	})
	return report, nil
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Objective, &t.Type, &t.Status,
		&t.CreatedBranch, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if ts, err := storage.ParseTime(createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := storage.ParseTime(updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}
