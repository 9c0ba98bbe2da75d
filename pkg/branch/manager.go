// Package branch implements the branch registry and lifecycle, the
// snapshot manager, and branch templates.
//
// A branch is a named, isolated view of the five branched tables. The
// registry is a single unbranched table; registry writes are serialized
// by a process-wide lock while list/get stay lock-free.
package branch

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/internal/encoding"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Branch statuses.
const (
	StatusActive   = "active"
	StatusMerged   = "merged"
	StatusArchived = "archived"
)

// DefaultWriteDeadline bounds registry writes when the caller has none.
const DefaultWriteDeadline = 5 * time.Second

// Branch is one registry row.
type Branch struct {
	Name          string
	Parent        string
	Description   string
	Status        string
	ForkedAt      time.Time
	MergedAt      time.Time
	MergeStrategy string
	Metadata      map[string]any
	CreatedAt     time.Time
}

// Manager owns the branch registry and physical fork lifecycle.
type Manager struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	deadline time.Duration

	mu sync.Mutex // serializes registry writes
}

// NewManager returns a branch manager over the store.
func NewManager(st *storage.Store, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{st: st, log: log, deadline: DefaultWriteDeadline}
}

// SetDeadline overrides the default write deadline. Zero keeps the
// current value.
func (m *Manager) SetDeadline(d time.Duration) {
	if d > 0 {
		m.deadline = d
	}
}

// EnsureMain guarantees the main branch registry row and tables exist.
// Open already seeds them; this re-checks for externally created files.
func (m *Manager) EnsureMain(ctx context.Context) error {
	_, err := m.Get(ctx, storage.MainBranch)
	return err
}

// forkFunc populates a new branch's tables from its parent.
type forkFunc func(ctx context.Context, parent, child string) error

// Create forks a new branch from parent. The registry insert and the
// physical table fork are atomic: substrate failure rolls the registry
// row back.
func (m *Manager) Create(ctx context.Context, name, parent, description string) (*Branch, error) {
	return m.create(ctx, name, parent, description, m.st.ForkTables)
}

// create is the shared branch-creation path; fork decides how the new
// tables are populated (full fork, as-of fork, payload insert).
func (m *Manager) create(ctx context.Context, name, parent, description string, fork forkFunc) (*Branch, error) {
	const op = "branch.create"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, m.deadline)
	defer cancel()

	if err := storage.ValidateBranchName(name); err != nil {
		return nil, err
	}
	if parent == "" {
		parent = storage.MainBranch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, err := m.get(ctx, name); err == nil && existing != nil {
		return nil, errs.E(errs.AlreadyExists, op, "branch %q already exists", name)
	}
	// two names may sanitize to the same physical suffix
	if clash, err := m.sanitizedClash(ctx, name); err != nil {
		return nil, err
	} else if clash != "" {
		return nil, errs.E(errs.AlreadyExists, op, "branch %q collides with %q on physical naming", name, clash)
	}

	p, err := m.get(ctx, parent)
	if err != nil {
		return nil, errs.E(errs.NotFound, op, "parent branch %q not found", parent)
	}
	if p.Status == StatusArchived {
		return nil, errs.E(errs.PreconditionFailed, op, "parent branch %q is archived", parent)
	}

	now := time.Now().UTC()
	meta, err := encoding.EncodeMetadata(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	if _, err := m.st.Exec(ctx, `
		INSERT INTO branch_registry
			(branch_name, parent_branch, description, status, forked_at, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, parent, description, StatusActive,
		storage.FormatTime(now), meta, storage.FormatTime(now)); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}

	if err := fork(ctx, parent, name); err != nil {
		if _, derr := m.st.Exec(ctx, "DELETE FROM branch_registry WHERE branch_name = ?", name); derr != nil {
			m.log.Errorw("registry rollback failed", "branch", name, "error", derr)
		}
		if derr := m.st.DropBranchTables(ctx, name); derr != nil {
			m.log.Errorw("table rollback failed", "branch", name, "error", derr)
		}
		return nil, err
	}

	m.log.Infow("branch created", "branch", name, "parent", parent)
	return &Branch{
		Name:        name,
		Parent:      parent,
		Description: description,
		Status:      StatusActive,
		ForkedAt:    now,
		CreatedAt:   now,
	}, nil
}

// sanitizedClash reports an existing branch whose physical suffix
// equals name's, or "" if none.
func (m *Manager) sanitizedClash(ctx context.Context, name string) (string, error) {
	want := storage.SanitizeBranch(name)
	all, err := m.List(ctx, "")
	if err != nil {
		return "", err
	}
	for _, b := range all {
		if b.Name != name && storage.SanitizeBranch(b.Name) == want {
			return b.Name, nil
		}
	}
	return "", nil
}

// Get loads one branch.
func (m *Manager) Get(ctx context.Context, name string) (*Branch, error) {
	return m.get(ctx, name)
}

func (m *Manager) get(ctx context.Context, name string) (*Branch, error) {
	const op = "branch.get"

	row := m.st.QueryRow(ctx, `
		SELECT branch_name, parent_branch, description, status,
		       forked_at, merged_at, merge_strategy, metadata, created_at
		FROM branch_registry WHERE branch_name = ?`, name)

	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, op, "branch %q not found", name)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return b, nil
}

// List returns branches, optionally filtered by status, ordered by
// creation time.
func (m *Manager) List(ctx context.Context, status string) ([]*Branch, error) {
	const op = "branch.list"

	q := `SELECT branch_name, parent_branch, description, status,
	             forked_at, merged_at, merge_strategy, metadata, created_at
	      FROM branch_registry`
	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status)
	}
	q += " ORDER BY created_at, branch_name"

	rows, err := m.st.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

// Switch validates that the branch exists and is usable and returns
// its canonical name. It mutates nothing; the caller carries the
// active branch in its own context.
func (m *Manager) Switch(ctx context.Context, name string) (string, error) {
	const op = "branch.switch"

	b, err := m.get(ctx, name)
	if err != nil {
		return "", err
	}
	if b.Status == StatusArchived {
		return "", errs.E(errs.PreconditionFailed, op, "branch %q is archived", name)
	}
	return b.Name, nil
}

// Archive marks a branch archived. Rows are kept; main is refused.
func (m *Manager) Archive(ctx context.Context, name string) error {
	const op = "branch.archive"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, m.deadline)
	defer cancel()

	if name == storage.MainBranch {
		return errs.E(errs.PreconditionFailed, op, "main cannot be archived")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.get(ctx, name); err != nil {
		return err
	}
	_, err := m.st.Exec(ctx,
		"UPDATE branch_registry SET status = ? WHERE branch_name = ?",
		StatusArchived, name)
	return err
}

// SetMerged records a completed merge on the source branch.
func (m *Manager) SetMerged(ctx context.Context, name, strategy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.st.Exec(ctx, `
		UPDATE branch_registry
		SET status = ?, merged_at = ?, merge_strategy = ?
		WHERE branch_name = ?`,
		StatusMerged, storage.FormatTime(time.Now()), strategy, name)
	return err
}

// IsAncestor walks the parent chain of name looking for ancestor.
func (m *Manager) IsAncestor(ctx context.Context, ancestor, name string) (bool, error) {
	seen := make(map[string]bool)
	cur := name
	for cur != "" {
		if seen[cur] {
			return false, errs.E(errs.Internal, "branch.is_ancestor", "parent cycle at %q", cur)
		}
		seen[cur] = true
		b, err := m.get(ctx, cur)
		if err != nil {
			return false, err
		}
		if b.Parent == ancestor {
			return true, nil
		}
		cur = b.Parent
	}
	return false, nil
}

// Stats counts rows per branched table for one branch.
func (m *Manager) Stats(ctx context.Context, name string) (map[string]int, error) {
	if _, err := m.get(ctx, name); err != nil {
		return nil, err
	}

	stats := make(map[string]int, len(storage.BranchedTables))
	for _, logical := range storage.BranchedTables {
		physical, err := storage.ResolveTable(logical, name)
		if err != nil {
			return nil, err
		}
		var n int
		if err := m.st.QueryRow(ctx, "SELECT COUNT(*) FROM "+physical).Scan(&n); err != nil {
			return nil, errs.Wrap(errs.Unavailable, "branch.stats", err)
		}
		stats[logical] = n
	}
	return stats, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBranch(sc scanner) (*Branch, error) {
	var b Branch
	var forkedAt, createdAt string
	var mergedAt sql.NullString
	var meta string
	if err := sc.Scan(&b.Name, &b.Parent, &b.Description, &b.Status,
		&forkedAt, &mergedAt, &b.MergeStrategy, &meta, &createdAt); err != nil {
		return nil, err
	}
	if t, err := storage.ParseTime(forkedAt); err == nil {
		b.ForkedAt = t
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		b.CreatedAt = t
	}
	b.MergedAt = storage.ScanTime(mergedAt)
	if md, err := encoding.DecodeMetadata(meta); err == nil {
		b.Metadata = md
	}
	return &b, nil
}
