package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/branchbase/branchbase/internal/encoding"
	"github.com/branchbase/branchbase/pkg/errs"
)

// Hit is one scored row; Score semantics depend on the producing call
// (positive-is-better BM25 or cosine similarity).
type Hit struct {
	ID    string
	Score float64
}

// FulltextSearch scores rows of a branched table against the query
// using BM25 over the table's indexed text column. Scores are
// positive-is-better (negated bm25). The optional where clause filters
// on base-table columns. Falls back to a table scan with in-memory
// BM25 when FTS5 is unavailable.
func (s *Store) FulltextSearch(ctx context.Context, logical, branch, query string, limit int, where string, args ...any) ([]Hit, error) {
	field, ok := ftsFields[logical]
	if !ok {
		return nil, errs.E(errs.InvalidArgument, "storage.fulltext_search", "table %q has no text index", logical)
	}

	match := buildMatchQuery(query)
	if match == "" {
		return nil, nil
	}

	if !s.ftsEnabled {
		s.warnNoFTS()
		return s.scanBM25(ctx, logical, branch, field, query, limit, where, args...)
	}

	physical, err := ResolveTable(logical, branch)
	if err != nil {
		return nil, err
	}
	fts := physical + "_fts"

	q := fmt.Sprintf(`
		SELECT %s.id, -bm25(%s) AS score
		FROM %s
		JOIN %s ON %s.rowid = %s.rowid
		WHERE %s MATCH ?`,
		physical, fts, fts, physical, physical, fts, fts)
	qargs := []any{match}
	if where != "" {
		q += " AND " + where
		qargs = append(qargs, args...)
	}
	q += " ORDER BY score DESC LIMIT ?"
	qargs = append(qargs, limit)

	rows, err := s.Query(ctx, q, qargs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, errs.Wrap(errs.Internal, "storage.fulltext_search", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "storage.fulltext_search", err)
	}
	return hits, nil
}

// buildMatchQuery quotes each token so user input cannot break FTS5
// query syntax; tokens are OR-ed.
func buildMatchQuery(query string) string {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

// scanBM25 is the degraded full-text path: fetch candidate rows and
// score them with Okapi BM25 in memory.
func (s *Store) scanBM25(ctx context.Context, logical, branch, field, query string, limit int, where string, args ...any) ([]Hit, error) {
	physical, err := ResolveTable(logical, branch)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf("SELECT id, %s FROM %s", field, physical)
	if where != "" {
		q += " WHERE " + where
	}

	rows, err := s.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type doc struct {
		id     string
		tokens []string
	}
	var docs []doc
	var totalLen int
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, errs.Wrap(errs.Internal, "storage.scan_bm25", err)
		}
		toks := tokenize(text)
		docs = append(docs, doc{id: id, tokens: toks})
		totalLen += len(toks)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "storage.scan_bm25", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	const k1, b = 1.2, 0.75
	avgLen := float64(totalLen) / float64(len(docs))
	if avgLen == 0 {
		avgLen = 1
	}

	queryTokens := tokenize(query)
	df := make(map[string]int)
	for _, d := range docs {
		seen := make(map[string]bool)
		for _, t := range d.tokens {
			seen[t] = true
		}
		for _, qt := range queryTokens {
			if seen[qt] {
				df[qt]++
			}
		}
	}

	n := float64(len(docs))
	var hits []Hit
	for _, d := range docs {
		tf := make(map[string]int)
		for _, t := range d.tokens {
			tf[t]++
		}
		var score float64
		for _, qt := range queryTokens {
			f := float64(tf[qt])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[qt])+0.5)/(float64(df[qt])+0.5))
			score += idf * (f * (k1 + 1)) / (f + k1*(1-b+b*float64(len(d.tokens))/avgLen))
		}
		if score > 0 {
			hits = append(hits, Hit{ID: d.id, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// VectorSearch scores rows of a branched table against the query
// vector by cosine similarity over a linear scan of stored embeddings.
func (s *Store) VectorSearch(ctx context.Context, logical, branch string, queryVec []float32, k int, where string, args ...any) ([]Hit, error) {
	physical, err := ResolveTable(logical, branch)
	if err != nil {
		return nil, err
	}
	if len(queryVec) == 0 {
		return nil, nil
	}

	q := "SELECT id, embedding FROM " + physical + " WHERE embedding IS NOT NULL"
	if where != "" {
		q += " AND " + where
	}

	rows, err := s.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, errs.Wrap(errs.Internal, "storage.vector_search", err)
		}
		vec, err := encoding.DecodeVector(blob)
		if err != nil {
			continue // skip undecodable rows rather than failing the search
		}
		if len(vec) != len(queryVec) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: CosineSimilarity(queryVec, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, "storage.vector_search", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
