package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/storage"
)

// DefaultConsolidationDeadline bounds a consolidation run.
const DefaultConsolidationDeadline = 120 * time.Second

// DefaultConsolidationWindow is scanned when no prior run exists.
const DefaultConsolidationWindow = 24 * time.Hour

// Candidate is one fact candidate extracted from observations.
type Candidate struct {
	FactText   string
	Category   string
	Confidence float64
	SessionID  string
	SourceID   string // originating observation id
}

// Extractor turns a batch of observations into fact candidates. The
// default is a heuristic; a judge-backed extractor can be plugged in.
type Extractor interface {
	Extract(ctx context.Context, obs []*Observation) ([]Candidate, error)
}

// ConsolidationReport summarizes one run.
type ConsolidationReport struct {
	ID                    string
	BranchName            string
	ObservationsProcessed int
	FactsCreated          int
	FactsUpdated          int
	FactsDeduplicated     int
	YieldRate             float64
	WindowStart           time.Time
	WindowEnd             time.Time
	CreatedAt             time.Time
}

// ConsolidationEngine folds recent observations into facts via the
// extractor and the fact engine's dedupe path.
type ConsolidationEngine struct {
	st        *storage.Store
	log       *zap.SugaredLogger
	obs       *ObservationEngine
	facts     *FactEngine
	extractor Extractor
	deadline  time.Duration
}

// NewConsolidationEngine returns a consolidation engine. A nil
// extractor falls back to the heuristic.
func NewConsolidationEngine(st *storage.Store, obs *ObservationEngine, facts *FactEngine, extractor Extractor, log *zap.SugaredLogger) *ConsolidationEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if extractor == nil {
		extractor = HeuristicExtractor{}
	}
	return &ConsolidationEngine{
		st:        st,
		log:       log,
		obs:       obs,
		facts:     facts,
		extractor: extractor,
		deadline:  DefaultConsolidationDeadline,
	}
}

// SetDeadline overrides the default run deadline. Zero keeps the
// current value.
func (e *ConsolidationEngine) SetDeadline(d time.Duration) {
	if d > 0 {
		e.deadline = d
	}
}

// Run consolidates the window ending now. A zero window continues from
// the previous run's end (or DefaultConsolidationWindow back on the
// first run). The report row is persisted.
func (e *ConsolidationEngine) Run(ctx context.Context, branch string, window time.Duration) (*ConsolidationReport, error) {
	const op = "consolidation.run"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if branch == "" {
		branch = storage.MainBranch
	}
	if err := requireBranch(ctx, e.st, op, branch); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var start time.Time
	if window > 0 {
		start = now.Add(-window)
	} else {
		last, err := e.LastRun(ctx, branch)
		switch {
		case err == nil:
			start = last.WindowEnd
		case errs.Is(err, errs.NotFound):
			start = now.Add(-DefaultConsolidationWindow)
		default:
			return nil, err
		}
	}

	observations, err := e.obs.ListWindow(ctx, branch, start, now, 0)
	if err != nil {
		return nil, err
	}

	report := &ConsolidationReport{
		ID:                    uuid.New().String(),
		BranchName:            branch,
		ObservationsProcessed: len(observations),
		WindowStart:           start,
		WindowEnd:             now,
		CreatedAt:             now,
	}

	if len(observations) > 0 {
		// group per session so extractors see coherent batches
		for _, batch := range groupBySession(observations) {
			candidates, err := e.extractor.Extract(ctx, batch)
			if err != nil {
				return nil, errs.Wrap(errs.Internal, op, err)
			}
			for _, c := range candidates {
				if err := e.fold(ctx, branch, c, report); err != nil {
					return nil, err
				}
			}
		}
		if report.ObservationsProcessed > 0 {
			report.YieldRate = float64(report.FactsCreated) / float64(report.ObservationsProcessed)
		}
	}

	if _, err := e.st.Exec(ctx, `
		INSERT INTO consolidation_history
			(id, branch_name, observations_processed, facts_created, facts_updated,
			 facts_deduplicated, yield_rate, window_start, window_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, branch, report.ObservationsProcessed, report.FactsCreated,
		report.FactsUpdated, report.FactsDeduplicated, report.YieldRate,
		storage.FormatTime(start), storage.FormatTime(now), storage.FormatTime(now)); err != nil {
		return nil, err
	}

	e.log.Infow("consolidation complete", "branch", branch,
		"processed", report.ObservationsProcessed, "created", report.FactsCreated,
		"updated", report.FactsUpdated, "deduplicated", report.FactsDeduplicated)
	return report, nil
}

// fold writes one candidate through the fact engine, classifying the
// outcome: an exact active duplicate counts deduplicated, a
// supersession counts updated, a fresh row counts created.
func (e *ConsolidationEngine) fold(ctx context.Context, branch string, c Candidate, report *ConsolidationReport) error {
	physical, err := storage.ResolveTable("facts", branch)
	if err != nil {
		return err
	}

	var existing string
	err = e.st.QueryRow(ctx,
		"SELECT id FROM "+physical+" WHERE fact_text = ? AND status = ? LIMIT 1",
		c.FactText, FactActive).Scan(&existing)
	if err == nil {
		report.FactsDeduplicated++
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.Unavailable, "consolidation.fold", err)
	}

	fact, err := e.facts.Write(ctx, FactInput{
		FactText:   c.FactText,
		Category:   c.Category,
		Confidence: c.Confidence,
		SourceType: "observation",
		SourceID:   c.SourceID,
		SessionID:  c.SessionID,
		BranchName: branch,
	})
	if err != nil {
		return err
	}
	if fact.ParentID != "" {
		report.FactsUpdated++
	} else {
		report.FactsCreated++
	}
	return nil
}

// LastRun returns the most recent report for a branch.
func (e *ConsolidationEngine) LastRun(ctx context.Context, branch string) (*ConsolidationReport, error) {
	const op = "consolidation.last_run"

	row := e.st.QueryRow(ctx, `
		SELECT id, branch_name, observations_processed, facts_created, facts_updated,
		       facts_deduplicated, yield_rate, window_start, window_end, created_at
		FROM consolidation_history WHERE branch_name = ?
		ORDER BY created_at DESC, id LIMIT 1`, branch)

	var r ConsolidationReport
	var ws, we, ca string
	err := row.Scan(&r.ID, &r.BranchName, &r.ObservationsProcessed, &r.FactsCreated,
		&r.FactsUpdated, &r.FactsDeduplicated, &r.YieldRate, &ws, &we, &ca)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, op, "no consolidation runs on branch %q", branch)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	if t, err := storage.ParseTime(ws); err == nil {
		r.WindowStart = t
	}
	if t, err := storage.ParseTime(we); err == nil {
		r.WindowEnd = t
	}
	if t, err := storage.ParseTime(ca); err == nil {
		r.CreatedAt = t
	}
	return &r, nil
}

func groupBySession(obs []*Observation) [][]*Observation {
	bySession := make(map[string][]*Observation)
	var order []string
	for _, o := range obs {
		if _, ok := bySession[o.SessionID]; !ok {
			order = append(order, o.SessionID)
		}
		bySession[o.SessionID] = append(bySession[o.SessionID], o)
	}
	out := make([][]*Observation, 0, len(order))
	for _, s := range order {
		out = append(out, bySession[s])
	}
	return out
}

// HeuristicExtractor promotes discovery, insight and decision
// observations directly: the summary becomes the fact text, the
// observation type the category. Tool-use and error records stay raw.
type HeuristicExtractor struct{}

// Extract implements Extractor.
func (HeuristicExtractor) Extract(_ context.Context, obs []*Observation) ([]Candidate, error) {
	var out []Candidate
	for _, o := range obs {
		switch o.ObservationType {
		case ObsDiscovery, ObsInsight, ObsDecision:
		default:
			continue
		}
		text := strings.TrimSpace(o.Summary)
		if text == "" {
			continue
		}
		out = append(out, Candidate{
			FactText:   text,
			Category:   o.ObservationType,
			Confidence: 0.8,
			SessionID:  o.SessionID,
			SourceID:   o.ID,
		})
	}
	return out, nil
}
