// Package knowledge implements the evidence engines: facts with a
// supersession lifecycle, append-only observations, a temporal entity
// relation graph, consolidation of observations into facts, and
// numeric scoring.
package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/internal/encoding"
	"github.com/branchbase/branchbase/internal/locks"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Fact statuses.
const (
	FactActive      = "active"
	FactSuperseded  = "superseded"
	FactInvalidated = "invalidated"
)

// DedupeThreshold is the cosine similarity at which a new fact
// supersedes an existing one instead of inserting fresh.
const DedupeThreshold = 0.92

// DefaultWriteDeadline bounds single-row writes when the caller has none.
const DefaultWriteDeadline = 5 * time.Second

// Fact is a durable, embedding-indexed statement.
type Fact struct {
	ID            string
	FactText      string
	Embedding     []float32
	Category      string
	Confidence    float64
	Status        string
	SourceType    string
	SourceID      string
	ParentID      string
	SessionID     string
	AgentID       string
	TaskID        string
	BranchName    string
	Metadata      map[string]any
	CreatedAt     time.Time
	SupersededAt  time.Time
	InvalidatedAt time.Time
}

// FactInput is the write surface of the fact engine.
type FactInput struct {
	FactText   string
	Category   string
	Confidence float64 // 0 means the default of 1.0
	SourceType string
	SourceID   string
	SessionID  string
	AgentID    string
	TaskID     string
	BranchName string // defaults to main
	Metadata   map[string]any
}

// FactFilter narrows List.
type FactFilter struct {
	Category  string
	SessionID string
	TaskID    string
	Status    string // defaults to active
	Limit     int    // defaults to 50
	Offset    int
}

// FactEngine writes, supersedes and invalidates facts. Supersession is
// serialized per branch so the parent chain stays consistent under
// concurrent writers.
type FactEngine struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	embedder provider.Embedder
	branchMu *locks.KeyedMutex
	deadline time.Duration
}

// NewFactEngine returns a fact engine. embedder may be nil; facts are
// then written without embeddings and flagged in metadata.
func NewFactEngine(st *storage.Store, embedder provider.Embedder, branchMu *locks.KeyedMutex, log *zap.SugaredLogger) *FactEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if branchMu == nil {
		branchMu = locks.NewKeyedMutex()
	}
	return &FactEngine{st: st, log: log, embedder: embedder, branchMu: branchMu, deadline: DefaultWriteDeadline}
}

// SetDeadline overrides the default write deadline. Zero keeps the
// current value.
func (e *FactEngine) SetDeadline(d time.Duration) {
	if d > 0 {
		e.deadline = d
	}
}

// requireBranch checks registry existence, returning NotFound otherwise.
func requireBranch(ctx context.Context, st *storage.Store, op, branch string) error {
	var status string
	err := st.QueryRow(ctx,
		"SELECT status FROM branch_registry WHERE branch_name = ?", branch).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.E(errs.NotFound, op, "branch %q not found", branch)
	}
	if err != nil {
		return errs.Wrap(errs.Unavailable, op, err)
	}
	return nil
}

// Write inserts a fact, first checking the branch for a near-duplicate.
// A best match at or above DedupeThreshold is superseded: its status
// flips, the new fact's parent_id points at it, and confidence is the
// max of both.
func (e *FactEngine) Write(ctx context.Context, in FactInput) (*Fact, error) {
	const op = "fact.write"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if in.FactText == "" {
		return nil, errs.E(errs.InvalidArgument, op, "fact_text is required")
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return nil, errs.E(errs.InvalidArgument, op, "confidence %v out of [0,1]", in.Confidence)
	}
	if in.Confidence == 0 {
		in.Confidence = 1.0
	}
	if in.BranchName == "" {
		in.BranchName = storage.MainBranch
	}
	if err := requireBranch(ctx, e.st, op, in.BranchName); err != nil {
		return nil, err
	}

	meta := make(map[string]any, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		meta[k] = v
	}

	var vec []float32
	if e.embedder != nil {
		v, err := e.embedder.Embed(ctx, in.FactText)
		if err != nil {
			// embedding failure degrades, never blocks the write
			e.log.Warnw("embedding failed, writing fact without vector",
				"branch", in.BranchName, "error", err)
			meta["embedding_pending"] = true
		} else {
			vec = v
		}
	} else {
		meta["embedding_pending"] = true
	}

	unlock := e.branchMu.Lock("fact:" + in.BranchName)
	defer unlock()

	fact := &Fact{
		ID:         uuid.New().String(),
		FactText:   in.FactText,
		Embedding:  vec,
		Category:   in.Category,
		Confidence: in.Confidence,
		Status:     FactActive,
		SourceType: in.SourceType,
		SourceID:   in.SourceID,
		SessionID:  in.SessionID,
		AgentID:    in.AgentID,
		TaskID:     in.TaskID,
		BranchName: in.BranchName,
		Metadata:   meta,
		CreatedAt:  time.Now().UTC(),
	}

	if vec != nil {
		prior, err := e.bestMatch(ctx, in.BranchName, vec)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			if err := e.supersede(ctx, prior, fact); err != nil {
				return nil, err
			}
		}
	}

	if err := e.insert(ctx, fact); err != nil {
		return nil, err
	}
	if err := e.st.EnsureSession(ctx, in.SessionID, in.BranchName); err != nil {
		return nil, err
	}
	return fact, nil
}

// bestMatch returns the closest active fact at or above the dedupe
// threshold, or nil.
func (e *FactEngine) bestMatch(ctx context.Context, branch string, vec []float32) (*Fact, error) {
	hits, err := e.st.VectorSearch(ctx, "facts", branch, vec, 3, "status = ?", FactActive)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 || hits[0].Score < DedupeThreshold {
		return nil, nil
	}
	return e.Get(ctx, hits[0].ID, branch)
}

// supersede flips prior to superseded and chains next onto it.
func (e *FactEngine) supersede(ctx context.Context, prior, next *Fact) error {
	const op = "fact.supersede"

	physical, err := storage.ResolveTable("facts", prior.BranchName)
	if err != nil {
		return err
	}

	now := storage.FormatTime(time.Now())
	res, err := e.st.Exec(ctx,
		"UPDATE "+physical+" SET status = ?, superseded_at = ? WHERE id = ? AND status = ?",
		FactSuperseded, now, prior.ID, FactActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.PreconditionFailed, op, "fact %s is no longer active", prior.ID)
	}

	next.ParentID = prior.ID
	if prior.Confidence > next.Confidence {
		next.Confidence = prior.Confidence
	}
	e.log.Debugw("fact superseded", "prior", prior.ID, "next", next.ID, "branch", prior.BranchName)
	return nil
}

// insert writes the fact row.
func (e *FactEngine) insert(ctx context.Context, f *Fact) error {
	const op = "fact.insert"

	physical, err := storage.ResolveTable("facts", f.BranchName)
	if err != nil {
		return err
	}

	var blob any
	if f.Embedding != nil {
		b, err := encoding.EncodeVector(f.Embedding)
		if err != nil {
			return errs.Wrap(errs.Internal, op, err)
		}
		blob = b
	}
	meta, err := encoding.EncodeMetadata(f.Metadata)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}

	_, err = e.st.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(id, fact_text, embedding, category, confidence, status,
			 source_type, source_id, parent_id, session_id, agent_id, task_id,
			 branch_name, metadata, created_at, superseded_at, invalidated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`, physical),
		f.ID, f.FactText, blob, f.Category, f.Confidence, f.Status,
		f.SourceType, f.SourceID, f.ParentID, f.SessionID, f.AgentID, f.TaskID,
		f.BranchName, meta, storage.FormatTime(f.CreatedAt))
	return err
}

// Invalidate is terminal and idempotent.
func (e *FactEngine) Invalidate(ctx context.Context, id, branch, reason string) error {
	const op = "fact.invalidate"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if branch == "" {
		branch = storage.MainBranch
	}
	f, err := e.Get(ctx, id, branch)
	if err != nil {
		return err
	}
	if f.Status == FactInvalidated {
		return nil
	}

	physical, err := storage.ResolveTable("facts", branch)
	if err != nil {
		return err
	}

	meta := f.Metadata
	if reason != "" {
		if meta == nil {
			meta = make(map[string]any, 1)
		}
		meta["invalidation_reason"] = reason
	}
	metaCol, err := encoding.EncodeMetadata(meta)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}

	_, err = e.st.Exec(ctx,
		"UPDATE "+physical+" SET status = ?, invalidated_at = ?, metadata = ? WHERE id = ?",
		FactInvalidated, storage.FormatTime(time.Now()), metaCol, id)
	return err
}

// Get loads one fact by id on a branch.
func (e *FactEngine) Get(ctx context.Context, id, branch string) (*Fact, error) {
	const op = "fact.get"

	if branch == "" {
		branch = storage.MainBranch
	}
	physical, err := storage.ResolveTable("facts", branch)
	if err != nil {
		return nil, err
	}

	row := e.st.QueryRow(ctx, factColumns+" FROM "+physical+" WHERE id = ?", id)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, op, "fact %q not found on branch %q", id, branch)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return f, nil
}

// List returns facts newest first, active by default.
func (e *FactEngine) List(ctx context.Context, branch string, filter FactFilter) ([]*Fact, error) {
	const op = "fact.list"

	if branch == "" {
		branch = storage.MainBranch
	}
	physical, err := storage.ResolveTable("facts", branch)
	if err != nil {
		return nil, err
	}

	if filter.Status == "" {
		filter.Status = FactActive
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	q := factColumns + " FROM " + physical + " WHERE status = ?"
	args := []any{filter.Status}
	if filter.Category != "" {
		q += " AND category = ?"
		args = append(args, filter.Category)
	}
	if filter.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.TaskID != "" {
		q += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}
	q += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := e.st.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

// Chain walks the supersession chain from a fact back to its root.
func (e *FactEngine) Chain(ctx context.Context, id, branch string) ([]*Fact, error) {
	var chain []*Fact
	seen := make(map[string]bool)
	cur := id
	for cur != "" {
		if seen[cur] {
			return nil, errs.E(errs.Internal, "fact.chain", "supersession cycle at %s", cur)
		}
		seen[cur] = true
		f, err := e.Get(ctx, cur, branch)
		if err != nil {
			return nil, err
		}
		chain = append(chain, f)
		cur = f.ParentID
	}
	return chain, nil
}

const factColumns = `SELECT id, fact_text, embedding, category, confidence, status,
	source_type, source_id, parent_id, session_id, agent_id, task_id,
	branch_name, metadata, created_at, superseded_at, invalidated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanFact(sc scanner) (*Fact, error) {
	var f Fact
	var blob []byte
	var meta, createdAt string
	var supersededAt, invalidatedAt sql.NullString
	if err := sc.Scan(&f.ID, &f.FactText, &blob, &f.Category, &f.Confidence, &f.Status,
		&f.SourceType, &f.SourceID, &f.ParentID, &f.SessionID, &f.AgentID, &f.TaskID,
		&f.BranchName, &meta, &createdAt, &supersededAt, &invalidatedAt); err != nil {
		return nil, err
	}
	if len(blob) > 0 {
		if vec, err := encoding.DecodeVector(blob); err == nil {
			f.Embedding = vec
		}
	}
	if md, err := encoding.DecodeMetadata(meta); err == nil {
		f.Metadata = md
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		f.CreatedAt = t
	}
	f.SupersededAt = storage.ScanTime(supersededAt)
	f.InvalidatedAt = storage.ScanTime(invalidatedAt)
	return &f, nil
}
