package branch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Template is a branch registered for reuse. Registration captures a
// payload snapshot so instantiation is stable even if the source
// branch keeps moving.
type Template struct {
	Name                string
	SourceBranch        string
	Version             int
	ApplicableTaskTypes []string
	Tags                []string
	Description         string
	SnapshotID          string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TemplateEngine registers branches as templates and instantiates them
// into new branches.
type TemplateEngine struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	branches *Manager
	snaps    *SnapshotManager
}

// NewTemplateEngine returns a template engine.
func NewTemplateEngine(st *storage.Store, branches *Manager, snaps *SnapshotManager, log *zap.SugaredLogger) *TemplateEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TemplateEngine{st: st, log: log, branches: branches, snaps: snaps}
}

// Register records sourceBranch as a reusable template. Re-registering
// the same name bumps the version and re-captures the snapshot.
func (te *TemplateEngine) Register(ctx context.Context, name, sourceBranch, description string, taskTypes, tags []string) (*Template, error) {
	const op = "template.register"

	if name == "" {
		return nil, errs.E(errs.InvalidArgument, op, "template name is required")
	}
	if _, err := te.branches.Get(ctx, sourceBranch); err != nil {
		return nil, err
	}

	snap, err := te.snaps.Create(ctx, sourceBranch, "template:"+name, false)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	nowCol := storage.FormatTime(now)
	version := 1

	var existingVersion int
	err = te.st.QueryRow(ctx,
		"SELECT version FROM template_branches WHERE name = ?", name).Scan(&existingVersion)
	switch {
	case err == nil:
		version = existingVersion + 1
		if _, err := te.st.Exec(ctx, `
			UPDATE template_branches
			SET source_branch = ?, version = ?, applicable_task_types = ?, tags = ?,
			    description = ?, snapshot_id = ?, updated_at = ?
			WHERE name = ?`,
			sourceBranch, version, strings.Join(taskTypes, ","), strings.Join(tags, ","),
			description, snap.ID, nowCol, name); err != nil {
			return nil, err
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := te.st.Exec(ctx, `
			INSERT INTO template_branches
				(name, source_branch, version, applicable_task_types, tags,
				 description, snapshot_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			name, sourceBranch, version, strings.Join(taskTypes, ","), strings.Join(tags, ","),
			description, snap.ID, nowCol, nowCol); err != nil {
			return nil, err
		}
	default:
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}

	if err := te.writeBundle(ctx, name, version, sourceBranch); err != nil {
		return nil, err
	}

	te.log.Infow("template registered", "template", name, "version", version, "source", sourceBranch)
	return &Template{
		Name:                name,
		SourceBranch:        sourceBranch,
		Version:             version,
		ApplicableTaskTypes: taskTypes,
		Tags:                tags,
		Description:         description,
		SnapshotID:          snap.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// writeBundle exports the template's active facts as a knowledge
// bundle row keyed by template version.
func (te *TemplateEngine) writeBundle(ctx context.Context, name string, version int, sourceBranch string) error {
	const op = "template.bundle"

	rows, err := te.st.ReadRows(ctx, "facts", sourceBranch, "status = 'active'")
	if err != nil {
		return err
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	_, err = te.st.Exec(ctx, `
		INSERT INTO knowledge_bundles (id, template_name, version, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), name, version, string(data),
		storage.FormatTime(time.Now()))
	return err
}

// Get loads one template.
func (te *TemplateEngine) Get(ctx context.Context, name string) (*Template, error) {
	const op = "template.get"

	row := te.st.QueryRow(ctx, `
		SELECT name, source_branch, version, applicable_task_types, tags,
		       description, snapshot_id, created_at, updated_at
		FROM template_branches WHERE name = ?`, name)

	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, op, "template %q not found", name)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return t, nil
}

// List returns all templates ordered by name.
func (te *TemplateEngine) List(ctx context.Context) ([]*Template, error) {
	const op = "template.list"

	rows, err := te.st.Query(ctx, `
		SELECT name, source_branch, version, applicable_task_types, tags,
		       description, snapshot_id, created_at, updated_at
		FROM template_branches ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
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

// Instantiate creates targetBranch from the template's captured
// snapshot. taskID, when set, is stamped into the branch description.
func (te *TemplateEngine) Instantiate(ctx context.Context, name, targetBranch, taskID string) (*Branch, error) {
	t, err := te.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	desc := "from template " + name
	if taskID != "" {
		desc += " for task " + taskID
	}

	var pl sql.NullString
	err = te.st.QueryRow(ctx,
		"SELECT payload FROM snapshots WHERE id = ?", t.SnapshotID).Scan(&pl)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !pl.Valid) {
		return nil, errs.E(errs.Internal, "template.instantiate", "template %q snapshot payload missing", name)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "template.instantiate", err)
	}

	var payloadRows payload
	if err := json.Unmarshal([]byte(pl.String), &payloadRows); err != nil {
		return nil, errs.Wrap(errs.Internal, "template.instantiate", err)
	}

	return te.branches.create(ctx, targetBranch, t.SourceBranch, desc,
		func(ctx context.Context, _, child string) error {
			if err := te.st.CreateBranchTables(ctx, child); err != nil {
				return err
			}
			for _, logical := range storage.BranchedTables {
				rows := payloadRows[logical]
				for _, row := range rows {
					row["branch_name"] = child
				}
				if err := te.st.InsertRows(ctx, logical, child, rows); err != nil {
					return err
				}
			}
			return nil
		})
}

func scanTemplate(sc scanner) (*Template, error) {
	var t Template
	var taskTypes, tags, createdAt, updatedAt string
	if err := sc.Scan(&t.Name, &t.SourceBranch, &t.Version, &taskTypes, &tags,
		&t.Description, &t.SnapshotID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.ApplicableTaskTypes = splitCSV(taskTypes)
	t.Tags = splitCSV(tags)
	if ts, err := storage.ParseTime(createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := storage.ParseTime(updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
