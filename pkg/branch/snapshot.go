package branch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Snapshot is a read-only marker of a branch's state: either a
// point-in-time anchor (native) or a serialized row payload.
type Snapshot struct {
	ID         string
	BranchName string
	Label      string
	Native     bool
	CapturedAt time.Time
	CreatedAt  time.Time
	HasPayload bool
}

// SnapshotManager captures and restores branch snapshots. Restore
// always lands in a fresh branch; the original is never mutated.
type SnapshotManager struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	branches *Manager
	deadline time.Duration
}

// NewSnapshotManager returns a snapshot manager.
func NewSnapshotManager(st *storage.Store, branches *Manager, log *zap.SugaredLogger) *SnapshotManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SnapshotManager{st: st, log: log, branches: branches, deadline: DefaultWriteDeadline}
}

// SetDeadline overrides the default write deadline. Zero keeps the
// current value.
func (sm *SnapshotManager) SetDeadline(d time.Duration) {
	if d > 0 {
		sm.deadline = d
	}
}

// payload is the serialized form of a non-native snapshot: all rows of
// the five branched tables, keyed by logical table name.
type payload map[string][]map[string]any

// Create captures a snapshot of branch. native records a timestamp
// anchor only; otherwise live rows are materialized into a portable
// payload.
func (sm *SnapshotManager) Create(ctx context.Context, branchName, label string, native bool) (*Snapshot, error) {
	const op = "snapshot.create"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, sm.deadline)
	defer cancel()

	if _, err := sm.branches.Get(ctx, branchName); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snap := &Snapshot{
		ID:         uuid.New().String(),
		BranchName: branchName,
		Label:      label,
		Native:     native,
		CapturedAt: now,
		CreatedAt:  now,
	}

	var payloadCol any
	if !native {
		pl := make(payload, len(storage.BranchedTables))
		for _, logical := range storage.BranchedTables {
			rows, err := sm.st.ReadRows(ctx, logical, branchName, "")
			if err != nil {
				return nil, err
			}
			pl[logical] = rows
		}
		data, err := json.Marshal(pl)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		payloadCol = string(data)
		snap.HasPayload = true
	}

	nativeCol := 0
	if native {
		nativeCol = 1
	}
	if _, err := sm.st.Exec(ctx, `
		INSERT INTO snapshots (id, branch_name, label, native, captured_at, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, branchName, label, nativeCol,
		storage.FormatTime(now), payloadCol, storage.FormatTime(now)); err != nil {
		return nil, err
	}

	sm.log.Infow("snapshot captured", "snapshot", snap.ID, "branch", branchName, "native", native)
	return snap, nil
}

// List returns snapshots, optionally filtered by branch, newest first.
func (sm *SnapshotManager) List(ctx context.Context, branchName string) ([]*Snapshot, error) {
	const op = "snapshot.list"

	q := `SELECT id, branch_name, label, native, captured_at, created_at,
	             payload IS NOT NULL
	      FROM snapshots`
	var args []any
	if branchName != "" {
		q += " WHERE branch_name = ?"
		args = append(args, branchName)
	}
	q += " ORDER BY created_at DESC, id"

	rows, err := sm.st.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var s Snapshot
		var native, hasPayload int
		var capturedAt, createdAt string
		if err := rows.Scan(&s.ID, &s.BranchName, &s.Label, &native,
			&capturedAt, &createdAt, &hasPayload); err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		s.Native = native == 1
		s.HasPayload = hasPayload == 1
		if t, err := storage.ParseTime(capturedAt); err == nil {
			s.CapturedAt = t
		}
		if t, err := storage.ParseTime(createdAt); err == nil {
			s.CreatedAt = t
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

// Restore materializes a snapshot into a new branch named
// {branch}_restored_{ts}. Native snapshots re-fork the source branch
// as of the captured timestamp; payload snapshots insert the stored
// rows into empty tables.
func (sm *SnapshotManager) Restore(ctx context.Context, snapshotID string) (*Branch, error) {
	const op = "snapshot.restore"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, sm.deadline)
	defer cancel()

	var branchName string
	var native int
	var capturedAt string
	var payloadCol sql.NullString
	err := sm.st.QueryRow(ctx,
		"SELECT branch_name, native, captured_at, payload FROM snapshots WHERE id = ?",
		snapshotID).Scan(&branchName, &native, &capturedAt, &payloadCol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, op, "snapshot %q not found", snapshotID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}

	captured, err := storage.ParseTime(capturedAt)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}

	newName := fmt.Sprintf("%s_restored_%s", branchName, captured.Format("20060102150405"))
	desc := fmt.Sprintf("restored from snapshot %s", snapshotID)

	if native == 1 {
		return sm.branches.create(ctx, newName, branchName, desc,
			func(ctx context.Context, parent, child string) error {
				return sm.st.ForkTablesAsOf(ctx, parent, child, captured)
			})
	}

	var pl payload
	if !payloadCol.Valid {
		return nil, errs.E(errs.Internal, op, "snapshot %q has no payload", snapshotID)
	}
	if err := json.Unmarshal([]byte(payloadCol.String), &pl); err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}

	return sm.branches.create(ctx, newName, branchName, desc,
		func(ctx context.Context, _, child string) error {
			if err := sm.st.CreateBranchTables(ctx, child); err != nil {
				return err
			}
			for _, logical := range storage.BranchedTables {
				rows := pl[logical]
				for _, row := range rows {
					row["branch_name"] = child
				}
				if err := sm.st.InsertRows(ctx, logical, child, rows); err != nil {
					return err
				}
			}
			return nil
		})
}
