package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/internal/encoding"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/storage"
)

// MaxTraversalNodes caps breadth-first relation queries.
const MaxTraversalNodes = 500

// DefaultQueryDeadline bounds graph traversals when the caller has none.
const DefaultQueryDeadline = 15 * time.Second

// Relation is one edge of the entity graph with a validity interval.
// valid_to zero means currently valid.
type Relation struct {
	ID           string
	SourceEntity string
	TargetEntity string
	RelationType string
	Properties   map[string]any
	Confidence   float64
	ValidFrom    time.Time
	ValidTo      time.Time
	SessionID    string
	BranchName   string
	CreatedAt    time.Time
}

// RelationInput is the write surface.
type RelationInput struct {
	SourceEntity string
	TargetEntity string
	RelationType string
	Properties   map[string]any
	Confidence   float64
	SessionID    string
	BranchName   string
}

// Graph is the result of a traversal.
type Graph struct {
	Nodes []string
	Edges []*Relation
}

// RelationEngine writes and queries the temporal entity graph.
// Re-writing an open edge closes the existing row and opens a new one,
// keeping a history per (source, target, type).
type RelationEngine struct {
	st            *storage.Store
	log           *zap.SugaredLogger
	writeDeadline time.Duration
	queryDeadline time.Duration
}

// NewRelationEngine returns a relation engine.
func NewRelationEngine(st *storage.Store, log *zap.SugaredLogger) *RelationEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RelationEngine{
		st:            st,
		log:           log,
		writeDeadline: DefaultWriteDeadline,
		queryDeadline: DefaultQueryDeadline,
	}
}

// SetDeadline overrides the default write deadline. Zero keeps the
// current value.
func (e *RelationEngine) SetDeadline(d time.Duration) {
	if d > 0 {
		e.writeDeadline = d
	}
}

// SetQueryDeadline overrides the default traversal deadline. Zero keeps
// the current value.
func (e *RelationEngine) SetQueryDeadline(d time.Duration) {
	if d > 0 {
		e.queryDeadline = d
	}
}

// Write opens an edge, closing any open edge with the same
// (source, target, type) on the branch first.
func (e *RelationEngine) Write(ctx context.Context, in RelationInput) (*Relation, error) {
	const op = "relation.write"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.writeDeadline)
	defer cancel()

	if in.SourceEntity == "" || in.TargetEntity == "" || in.RelationType == "" {
		return nil, errs.E(errs.InvalidArgument, op, "source, target and type are required")
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

	physical, err := storage.ResolveTable("relations", in.BranchName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	nowCol := storage.FormatTime(now)

	if _, err := e.st.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET valid_to = ?
		WHERE source_entity = ? AND target_entity = ? AND relation_type = ?
		  AND valid_to IS NULL`, physical),
		nowCol, in.SourceEntity, in.TargetEntity, in.RelationType); err != nil {
		return nil, err
	}

	rel := &Relation{
		ID:           uuid.New().String(),
		SourceEntity: in.SourceEntity,
		TargetEntity: in.TargetEntity,
		RelationType: in.RelationType,
		Properties:   in.Properties,
		Confidence:   in.Confidence,
		ValidFrom:    now,
		SessionID:    in.SessionID,
		BranchName:   in.BranchName,
		CreatedAt:    now,
	}

	props, err := encoding.EncodeMetadata(in.Properties)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}

	if _, err := e.st.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(id, source_entity, target_entity, relation_type, properties,
			 confidence, valid_from, valid_to, session_id, branch_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`, physical),
		rel.ID, rel.SourceEntity, rel.TargetEntity, rel.RelationType, props,
		rel.Confidence, nowCol, rel.SessionID, rel.BranchName, nowCol); err != nil {
		return nil, err
	}
	if err := e.st.EnsureSession(ctx, in.SessionID, in.BranchName); err != nil {
		return nil, err
	}
	return rel, nil
}

// Close sets valid_to on an open relation by id.
func (e *RelationEngine) Close(ctx context.Context, id, branch string) error {
	const op = "relation.close"

	if branch == "" {
		branch = storage.MainBranch
	}
	physical, err := storage.ResolveTable("relations", branch)
	if err != nil {
		return err
	}

	res, err := e.st.Exec(ctx,
		"UPDATE "+physical+" SET valid_to = ? WHERE id = ? AND valid_to IS NULL",
		storage.FormatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, op, "open relation %q not found on branch %q", id, branch)
	}
	return nil
}

// Query traverses currently-valid edges breadth-first from entity, up
// to depth hops, bounded by MaxTraversalNodes.
func (e *RelationEngine) Query(ctx context.Context, entity, relationType string, depth int, branch string) (*Graph, error) {
	const op = "relation.query"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.queryDeadline)
	defer cancel()

	if entity == "" {
		return nil, errs.E(errs.InvalidArgument, op, "entity is required")
	}
	if depth <= 0 {
		depth = 1
	}
	if branch == "" {
		branch = storage.MainBranch
	}
	if err := requireBranch(ctx, e.st, op, branch); err != nil {
		return nil, err
	}

	g := &Graph{}
	visited := map[string]bool{entity: true}
	seenEdge := make(map[string]bool)
	frontier := []string{entity}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			edges, err := e.edgesAt(ctx, node, relationType, branch)
			if err != nil {
				return nil, err
			}
			for _, rel := range edges {
				if seenEdge[rel.ID] {
					continue
				}
				seenEdge[rel.ID] = true
				g.Edges = append(g.Edges, rel)

				for _, peer := range []string{rel.SourceEntity, rel.TargetEntity} {
					if !visited[peer] {
						if len(visited) >= MaxTraversalNodes {
							continue
						}
						visited[peer] = true
						next = append(next, peer)
					}
				}
			}
		}
		frontier = next
	}

	g.Nodes = make([]string, 0, len(visited))
	for n := range visited {
		g.Nodes = append(g.Nodes, n)
	}
	sort.Strings(g.Nodes)
	return g, nil
}

// edgesAt returns the open edges touching one node.
func (e *RelationEngine) edgesAt(ctx context.Context, node, relationType, branch string) ([]*Relation, error) {
	const op = "relation.edges_at"

	physical, err := storage.ResolveTable("relations", branch)
	if err != nil {
		return nil, err
	}

	q := relColumns + " FROM " + physical +
		" WHERE (source_entity = ? OR target_entity = ?) AND valid_to IS NULL"
	args := []any{node, node}
	if relationType != "" {
		q += " AND relation_type = ?"
		args = append(args, relationType)
	}
	q += " ORDER BY created_at, id"

	rows, err := e.st.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Relation
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

// History returns every generation of one edge, oldest first.
func (e *RelationEngine) History(ctx context.Context, source, target, relationType, branch string) ([]*Relation, error) {
	const op = "relation.history"

	if branch == "" {
		branch = storage.MainBranch
	}
	physical, err := storage.ResolveTable("relations", branch)
	if err != nil {
		return nil, err
	}

	rows, err := e.st.Query(ctx,
		relColumns+" FROM "+physical+
			" WHERE source_entity = ? AND target_entity = ? AND relation_type = ?"+
			" ORDER BY valid_from, id",
		source, target, relationType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Relation
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

const relColumns = `SELECT id, source_entity, target_entity, relation_type, properties,
	confidence, valid_from, valid_to, session_id, branch_name, created_at`

func scanRelation(sc scanner) (*Relation, error) {
	var r Relation
	var props, validFrom, createdAt string
	var validTo sql.NullString
	if err := sc.Scan(&r.ID, &r.SourceEntity, &r.TargetEntity, &r.RelationType, &props,
		&r.Confidence, &validFrom, &validTo, &r.SessionID, &r.BranchName, &createdAt); err != nil {
		return nil, err
	}
	if p, err := encoding.DecodeMetadata(props); err == nil {
		r.Properties = p
	}
	if t, err := storage.ParseTime(validFrom); err == nil {
		r.ValidFrom = t
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		r.CreatedAt = t
	}
	r.ValidTo = storage.ScanTime(validTo)
	return &r, nil
}
