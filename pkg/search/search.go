// Package search implements keyword, vector and hybrid retrieval over
// the branched tables, with temporal decay in hybrid mode.
package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Search types.
type Type string

const (
	TypeKeyword Type = "keyword"
	TypeVector  Type = "vector"
	TypeHybrid  Type = "hybrid"
)

// Scopes name the searchable tables.
const (
	ScopeFacts        = "facts"
	ScopeObservations = "observations"
	ScopeMessages     = "messages"
)

// Hybrid fusion weights and decay constant.
const (
	bm25Weight    = 0.6
	cosineWeight  = 0.4
	decayHalfDays = 30.0
)

// DefaultLimit and MaxLimit bound result sizes.
const (
	DefaultLimit          = 10
	MaxLimit              = 100
	DefaultSearchDeadline = 15 * time.Second
)

// Options parameterizes one search.
type Options struct {
	Query      string
	BranchName string // defaults to main
	Type       Type   // defaults to hybrid
	Scope      string // defaults to facts
	Category   string // facts only, exact match
	After      time.Time
	Before     time.Time
	Limit      int
}

// Result is one scored row.
type Result struct {
	ID        string
	Scope     string
	Text      string
	Score     float64
	BM25      float64 // normalized, hybrid and keyword modes
	Cosine    float64 // normalized, hybrid and vector modes
	CreatedAt time.Time
}

// Engine runs searches. The embedder is optional; vector and hybrid
// modes degrade to keyword scoring without it.
type Engine struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	embedder provider.Embedder
	deadline time.Duration

	noEmbedderOnce sync.Once
}

// NewEngine returns a search engine.
func NewEngine(st *storage.Store, embedder provider.Embedder, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{st: st, log: log, embedder: embedder, deadline: DefaultSearchDeadline}
}

// SetDeadline overrides the default search deadline. Zero keeps the
// current value.
func (e *Engine) SetDeadline(d time.Duration) {
	if d > 0 {
		e.deadline = d
	}
}

// requireBranch checks registry existence, returning NotFound otherwise.
func (e *Engine) requireBranch(ctx context.Context, op, branch string) error {
	var status string
	err := e.st.QueryRow(ctx,
		"SELECT status FROM branch_registry WHERE branch_name = ?", branch).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.E(errs.NotFound, op, "branch %q not found", branch)
	}
	if err != nil {
		return errs.Wrap(errs.Unavailable, op, err)
	}
	return nil
}

// Search runs one query. An empty query returns top-N by recency,
// skipping scoring.
func (e *Engine) Search(ctx context.Context, opts Options) ([]Result, error) {
	const op = "search.search"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if opts.BranchName == "" {
		opts.BranchName = storage.MainBranch
	}
	if err := e.requireBranch(ctx, op, opts.BranchName); err != nil {
		return nil, err
	}
	if opts.Scope == "" {
		opts.Scope = ScopeFacts
	}
	switch opts.Scope {
	case ScopeFacts, ScopeObservations, ScopeMessages:
	default:
		return nil, errs.E(errs.InvalidArgument, op, "unknown scope %q", opts.Scope)
	}
	if opts.Type == "" {
		opts.Type = TypeHybrid
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Limit > MaxLimit {
		opts.Limit = MaxLimit
	}

	if strings.TrimSpace(opts.Query) == "" {
		return e.recency(ctx, opts)
	}

	switch opts.Type {
	case TypeKeyword:
		return e.keyword(ctx, opts)
	case TypeVector:
		return e.vector(ctx, opts)
	case TypeHybrid:
		return e.hybrid(ctx, opts)
	default:
		return nil, errs.E(errs.InvalidArgument, op, "unknown search type %q", opts.Type)
	}
}

// filter builds the scope's where clause: active facts only, optional
// category, optional time range. Applied before ranking.
func (e *Engine) filter(opts Options) (string, []any) {
	var conds []string
	var args []any

	if opts.Scope == ScopeFacts {
		conds = append(conds, "status = 'active'")
		if opts.Category != "" {
			conds = append(conds, "category = ?")
			args = append(args, opts.Category)
		}
	}
	if !opts.After.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, storage.FormatTime(opts.After))
	}
	if !opts.Before.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, storage.FormatTime(opts.Before))
	}
	return strings.Join(conds, " AND "), args
}

// textField names the scope's display/text column.
func textField(scope string) string {
	switch scope {
	case ScopeObservations:
		return "summary"
	case ScopeMessages:
		return "content"
	default:
		return "fact_text"
	}
}

// recency is the empty-query path.
func (e *Engine) recency(ctx context.Context, opts Options) ([]Result, error) {
	const op = "search.recency"

	physical, err := storage.ResolveTable(opts.Scope, opts.BranchName)
	if err != nil {
		return nil, err
	}

	where, args := e.filter(opts)
	q := fmt.Sprintf("SELECT id, %s, created_at FROM %s", textField(opts.Scope), physical)
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := e.st.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Text, &createdAt); err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		r.Scope = opts.Scope
		if t, err := storage.ParseTime(createdAt); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

func (e *Engine) keyword(ctx context.Context, opts Options) ([]Result, error) {
	where, args := e.filter(opts)
	hits, err := e.st.FulltextSearch(ctx, opts.Scope, opts.BranchName, opts.Query, opts.Limit, where, args...)
	if err != nil {
		return nil, err
	}

	results, err := e.hydrate(ctx, opts, hits)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].BM25 = hits[i].Score
		results[i].Score = hits[i].Score
	}
	return results, nil
}

func (e *Engine) vector(ctx context.Context, opts Options) ([]Result, error) {
	if e.embedder == nil {
		e.warnNoEmbedder()
		return e.keyword(ctx, opts)
	}

	qvec, err := e.embedder.Embed(ctx, opts.Query)
	if err != nil {
		e.log.Warnw("query embedding failed, degrading to keyword", "error", err)
		return e.keyword(ctx, opts)
	}

	where, args := e.filter(opts)
	hits, err := e.st.VectorSearch(ctx, opts.Scope, opts.BranchName, qvec, opts.Limit, where, args...)
	if err != nil {
		return nil, err
	}

	results, err := e.hydrate(ctx, opts, hits)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Cosine = hits[i].Score
		results[i].Score = hits[i].Score
	}
	return results, nil
}

// hybrid fuses normalized BM25 and cosine scores, applies temporal
// decay, and tie-breaks by recency then id.
func (e *Engine) hybrid(ctx context.Context, opts Options) ([]Result, error) {
	where, args := e.filter(opts)

	// over-fetch both channels so fusion has enough candidates
	fetchK := opts.Limit * 4
	if fetchK < 20 {
		fetchK = 20
	}

	textHits, err := e.st.FulltextSearch(ctx, opts.Scope, opts.BranchName, opts.Query, fetchK, where, args...)
	if err != nil {
		return nil, err
	}

	var vecHits []storage.Hit
	if e.embedder != nil {
		qvec, err := e.embedder.Embed(ctx, opts.Query)
		if err != nil {
			e.log.Warnw("query embedding failed, hybrid degrades to text channel", "error", err)
		} else {
			vecHits, err = e.st.VectorSearch(ctx, opts.Scope, opts.BranchName, qvec, fetchK, where, args...)
			if err != nil {
				return nil, err
			}
		}
	} else {
		e.warnNoEmbedder()
	}

	// normalize each channel to [0,1] by its top score; when one
	// channel is empty the other is used unmodified
	bm25Norm := normalize(textHits)
	cosNorm := normalize(vecHits)

	type fused struct {
		bm25, cos float64
	}
	scores := make(map[string]*fused, len(bm25Norm)+len(cosNorm))
	for id, s := range bm25Norm {
		scores[id] = &fused{bm25: s}
	}
	for id, s := range cosNorm {
		if f, ok := scores[id]; ok {
			f.cos = s
		} else {
			scores[id] = &fused{cos: s}
		}
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	meta, err := e.fetchMeta(ctx, opts, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []Result
	for _, id := range ids {
		m, ok := meta[id]
		if !ok {
			continue
		}
		f := scores[id]

		var final float64
		switch {
		case len(bm25Norm) == 0:
			final = f.cos
		case len(cosNorm) == 0:
			final = f.bm25
		default:
			final = bm25Weight*f.bm25 + cosineWeight*f.cos
		}

		ageDays := now.Sub(m.createdAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		final *= math.Exp(-ageDays / decayHalfDays)

		out = append(out, Result{
			ID:        id,
			Scope:     opts.Scope,
			Text:      m.text,
			Score:     final,
			BM25:      f.bm25,
			Cosine:    f.cos,
			CreatedAt: m.createdAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func normalize(hits []storage.Hit) map[string]float64 {
	if len(hits) == 0 {
		return nil
	}
	top := hits[0].Score
	for _, h := range hits {
		if h.Score > top {
			top = h.Score
		}
	}
	out := make(map[string]float64, len(hits))
	if top <= 0 {
		for _, h := range hits {
			out[h.ID] = 0
		}
		return out
	}
	for _, h := range hits {
		out[h.ID] = h.Score / top
	}
	return out
}

type rowMeta struct {
	text      string
	createdAt time.Time
}

// fetchMeta loads text and creation time for a set of ids.
func (e *Engine) fetchMeta(ctx context.Context, opts Options, ids []string) (map[string]rowMeta, error) {
	const op = "search.fetch_meta"

	if len(ids) == 0 {
		return nil, nil
	}
	physical, err := storage.ResolveTable(opts.Scope, opts.BranchName)
	if err != nil {
		return nil, err
	}

	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := e.st.Query(ctx, fmt.Sprintf(
		"SELECT id, %s, created_at FROM %s WHERE id IN (%s)",
		textField(opts.Scope), physical, marks), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]rowMeta, len(ids))
	for rows.Next() {
		var id, text, createdAt string
		if err := rows.Scan(&id, &text, &createdAt); err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		m := rowMeta{text: text}
		if t, err := storage.ParseTime(createdAt); err == nil {
			m.createdAt = t
		}
		out[id] = m
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

// hydrate turns substrate hits into results, preserving hit order.
func (e *Engine) hydrate(ctx context.Context, opts Options, hits []storage.Hit) ([]Result, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	meta, err := e.fetchMeta(ctx, opts, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		m := meta[h.ID]
		out = append(out, Result{
			ID:        h.ID,
			Scope:     opts.Scope,
			Text:      m.text,
			CreatedAt: m.createdAt,
		})
	}
	return out, nil
}

func (e *Engine) warnNoEmbedder() {
	e.noEmbedderOnce.Do(func() {
		e.log.Warnw("no embedder configured, vector scoring degraded to keyword")
	})
}
