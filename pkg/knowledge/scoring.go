package knowledge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Score is one recorded measurement for a target along a dimension.
type Score struct {
	ID          string
	TargetType  string
	TargetID    string
	Scorer      string
	Dimension   string
	Value       float64
	Explanation string
	CreatedAt   time.Time
}

// DimensionSummary aggregates scores per dimension.
type DimensionSummary struct {
	Dimension string
	Avg       float64
	Min       float64
	Max       float64
	Count     int
}

// ScoringEngine records scores and aggregates them. An optional judge
// can produce comparative scores.
type ScoringEngine struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	judge    provider.Judge
	deadline time.Duration
}

// NewScoringEngine returns a scoring engine; judge may be nil.
func NewScoringEngine(st *storage.Store, judge provider.Judge, log *zap.SugaredLogger) *ScoringEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ScoringEngine{st: st, log: log, judge: judge, deadline: DefaultWriteDeadline}
}

// SetDeadline overrides the default write deadline. Zero keeps the
// current value.
func (e *ScoringEngine) SetDeadline(d time.Duration) {
	if d > 0 {
		e.deadline = d
	}
}

// Record stores one score. Value must be in [0,1].
func (e *ScoringEngine) Record(ctx context.Context, targetType, targetID, scorer, dimension string, value float64, explanation string) (*Score, error) {
	const op = "score.record"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if targetType == "" || targetID == "" || dimension == "" {
		return nil, errs.E(errs.InvalidArgument, op, "target_type, target_id and dimension are required")
	}
	if value < 0 || value > 1 {
		return nil, errs.E(errs.InvalidArgument, op, "value %v out of [0,1]", value)
	}

	s := &Score{
		ID:          uuid.New().String(),
		TargetType:  targetType,
		TargetID:    targetID,
		Scorer:      scorer,
		Dimension:   dimension,
		Value:       value,
		Explanation: explanation,
		CreatedAt:   time.Now().UTC(),
	}

	if _, err := e.st.Exec(ctx, `
		INSERT INTO scores (id, target_type, target_id, scorer, dimension, value, explanation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TargetType, s.TargetID, s.Scorer, s.Dimension, s.Value, s.Explanation,
		storage.FormatTime(s.CreatedAt)); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordJudged compares candidate against reference via the judge and
// records the verdict as a score: keep_source 1.0, keep_both 0.5,
// keep_target 0.0.
func (e *ScoringEngine) RecordJudged(ctx context.Context, targetType, targetID, dimension, candidate, reference string) (*Score, error) {
	const op = "score.record_judged"

	if e.judge == nil {
		return nil, errs.E(errs.PreconditionFailed, op, "no judge configured")
	}

	verdict, err := e.judge.Compare(ctx, candidate, reference, dimension)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}

	var value float64
	switch verdict {
	case provider.KeepSource:
		value = 1.0
	case provider.KeepBoth:
		value = 0.5
	case provider.KeepTarget:
		value = 0.0
	default:
		return nil, errs.E(errs.Internal, op, "unexpected verdict %q", verdict)
	}

	return e.Record(ctx, targetType, targetID, "judge", dimension, value, "verdict: "+string(verdict))
}

// Summary aggregates a target's scores per dimension.
func (e *ScoringEngine) Summary(ctx context.Context, targetType, targetID string) ([]DimensionSummary, error) {
	const op = "score.summary"

	rows, err := e.st.Query(ctx, `
		SELECT dimension, AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM scores WHERE target_type = ? AND target_id = ?
		GROUP BY dimension ORDER BY dimension`, targetType, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DimensionSummary
	for rows.Next() {
		var d DimensionSummary
		if err := rows.Scan(&d.Dimension, &d.Avg, &d.Min, &d.Max, &d.Count); err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}
