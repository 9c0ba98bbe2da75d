// Package merge implements branch diff and the four merge strategies:
// native row-level merge, cherry-pick by id, squash, and auto with
// judge-backed conflict resolution.
package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/internal/locks"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Strategy selects merge behavior; it is explicit, never inferred.
type Strategy string

const (
	StrategyNative     Strategy = "native"
	StrategyCherryPick Strategy = "cherry_pick"
	StrategySquash     Strategy = "squash"
	StrategyAuto       Strategy = "auto"
)

// DefaultMergeDeadline bounds a merge when the caller has none.
const DefaultMergeDeadline = 60 * time.Second

// Conflict is one pair of active facts descending from a shared
// ancestor with differing content.
type Conflict struct {
	RootID     string
	SourceID   string
	TargetID   string
	SourceText string
	TargetText string
}

// Diff is the semantic branch diff over facts.
type Diff struct {
	New       []string // active in source, absent from target, conflict-free
	Modified  []string // target rows whose parent chain reaches a source row
	Conflicts []Conflict
}

// ItemOutcome records one per-item merge decision.
type ItemOutcome struct {
	Table  string `json:"table"`
	ID     string `json:"id"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Result is a completed merge with its history row.
type Result struct {
	ID                 string
	SourceBranch       string
	TargetBranch       string
	Strategy           Strategy
	ItemsMerged        []ItemOutcome
	ItemsRejected      []ItemOutcome
	ConflictResolution string
	MergedBy           string
	CreatedAt          time.Time
}

// Options parameterizes one merge.
type Options struct {
	Strategy       Strategy
	Items          []string               // cherry_pick: explicit fact ids
	ConflictPolicy storage.ConflictPolicy // native: skip (default) or accept
	UseJudge       bool                   // auto: resolve conflicts via the judge
	KeepSource     bool                   // do not mark the source branch merged
	Actor          string                 // recorded as merged_by for manual merges
}

// Engine merges branches. Merges acquire a pair lock in lexical order
// so opposite-direction merges cannot deadlock.
type Engine struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	judge    provider.Judge
	pairMu   *locks.KeyedMutex
	deadline time.Duration
}

// NewEngine returns a merge engine; judge may be nil.
func NewEngine(st *storage.Store, judge provider.Judge, pairMu *locks.KeyedMutex, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if pairMu == nil {
		pairMu = locks.NewKeyedMutex()
	}
	return &Engine{st: st, log: log, judge: judge, pairMu: pairMu, deadline: DefaultMergeDeadline}
}

// SetDeadline overrides the default merge deadline. Zero keeps the
// current value.
func (e *Engine) SetDeadline(d time.Duration) {
	if d > 0 {
		e.deadline = d
	}
}

// factRow is the slice of a fact row the merge logic needs, plus the
// full generic row for copying.
type factRow struct {
	id         string
	text       string
	confidence float64
	parentID   string
	status     string
	row        map[string]any
}

func loadFacts(ctx context.Context, st *storage.Store, branch string) (map[string]*factRow, error) {
	rows, err := st.ReadRows(ctx, "facts", branch, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*factRow, len(rows))
	for _, row := range rows {
		fr := &factRow{row: row}
		fr.id, _ = row["id"].(string)
		fr.text, _ = row["fact_text"].(string)
		fr.parentID, _ = row["parent_id"].(string)
		fr.status, _ = row["status"].(string)
		switch v := row["confidence"].(type) {
		case float64:
			fr.confidence = v
		case int64:
			fr.confidence = float64(v)
		}
		out[fr.id] = fr
	}
	return out, nil
}

// rootOf walks a fact's parent chain to its chain root within one side.
func rootOf(side map[string]*factRow, f *factRow) string {
	seen := map[string]bool{}
	cur := f
	for cur.parentID != "" && !seen[cur.id] {
		seen[cur.id] = true
		parent, ok := side[cur.parentID]
		if !ok {
			// chain crosses the fork point; the dangling parent id is
			// still a stable root key shared by both sides
			return cur.parentID
		}
		cur = parent
	}
	return cur.id
}

// ComputeDiff diffs facts between two branches: new rows, modified
// chains, and conflicting chains.
func (e *Engine) ComputeDiff(ctx context.Context, source, target string) (*Diff, error) {
	src, err := loadFacts(ctx, e.st, source)
	if err != nil {
		return nil, err
	}
	dst, err := loadFacts(ctx, e.st, target)
	if err != nil {
		return nil, err
	}
	return computeDiff(src, dst), nil
}

func computeDiff(src, dst map[string]*factRow) *Diff {
	d := &Diff{}

	// active rows per chain root, each side
	srcActive := activeByRoot(src)
	dstActive := activeByRoot(dst)

	conflictRoots := map[string]bool{}
	for root, sf := range srcActive {
		tf, ok := dstActive[root]
		if !ok {
			continue
		}
		if sf.id == tf.id {
			continue
		}
		if sf.text != tf.text || sf.confidence != tf.confidence {
			conflictRoots[root] = true
			d.Conflicts = append(d.Conflicts, Conflict{
				RootID:     root,
				SourceID:   sf.id,
				TargetID:   tf.id,
				SourceText: sf.text,
				TargetText: tf.text,
			})
		}
	}

	for id, f := range src {
		if f.status != "active" {
			continue
		}
		if _, ok := dst[id]; ok {
			continue
		}
		if conflictRoots[rootOf(src, f)] {
			continue
		}
		d.New = append(d.New, id)
	}

	for id, f := range dst {
		if f.status != "active" {
			continue
		}
		if chainReaches(dst, f, src) {
			d.Modified = append(d.Modified, id)
		}
	}

	sort.Strings(d.New)
	sort.Strings(d.Modified)
	sort.Slice(d.Conflicts, func(i, j int) bool { return d.Conflicts[i].RootID < d.Conflicts[j].RootID })
	return d
}

// activeByRoot maps each chain root to its active fact (at most one by
// the supersession invariant).
func activeByRoot(side map[string]*factRow) map[string]*factRow {
	out := map[string]*factRow{}
	for _, f := range side {
		if f.status == "active" {
			out[rootOf(side, f)] = f
		}
	}
	return out
}

// chainReaches reports whether f's ancestor chain includes any id
// present on the other side.
func chainReaches(side map[string]*factRow, f *factRow, other map[string]*factRow) bool {
	seen := map[string]bool{}
	cur := f
	for cur.parentID != "" && !seen[cur.id] {
		seen[cur.id] = true
		if _, ok := other[cur.parentID]; ok {
			return true
		}
		parent, ok := side[cur.parentID]
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

// Merge merges source into target under the selected strategy and
// writes the history row. Partial-success strategies report per-item
// outcomes instead of failing the call.
func (e *Engine) Merge(ctx context.Context, source, target string, opts Options) (*Result, error) {
	const op = "merge.merge"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if source == target {
		return nil, errs.E(errs.InvalidArgument, op, "cannot merge a branch into itself")
	}
	switch opts.Strategy {
	case StrategyNative, StrategyCherryPick, StrategySquash, StrategyAuto:
	default:
		return nil, errs.E(errs.InvalidArgument, op, "unknown strategy %q", opts.Strategy)
	}
	if opts.Strategy == StrategyNative && opts.UseJudge {
		return nil, errs.E(errs.InvalidArgument, op,
			"native merge and judge conflict resolution are mutually exclusive")
	}
	if opts.UseJudge && e.judge == nil {
		return nil, errs.E(errs.PreconditionFailed, op, "judge requested but not configured")
	}
	if opts.Strategy == StrategyNative && opts.ConflictPolicy == "" {
		opts.ConflictPolicy = storage.ConflictSkip
	}

	srcStatus, err := e.branchStatus(ctx, source)
	if err != nil {
		return nil, err
	}
	if _, err := e.branchStatus(ctx, target); err != nil {
		return nil, err
	}
	if target == storage.MainBranch && srcStatus != "active" {
		return nil, errs.E(errs.PreconditionFailed, op,
			"merging into main requires an active source branch, %q is %s", source, srcStatus)
	}

	unlock := e.pairMu.LockPair("merge:"+source, "merge:"+target)
	defer unlock()

	res := &Result{
		ID:           uuid.New().String(),
		SourceBranch: source,
		TargetBranch: target,
		Strategy:     opts.Strategy,
		MergedBy:     "auto",
		CreatedAt:    time.Now().UTC(),
	}
	if opts.Actor != "" {
		res.MergedBy = "manual"
	}

	switch opts.Strategy {
	case StrategyNative:
		err = e.mergeNative(ctx, source, target, opts, res)
	case StrategyCherryPick:
		err = e.mergeCherryPick(ctx, source, target, opts, res)
	case StrategySquash:
		err = e.mergeSquash(ctx, source, target, res)
	case StrategyAuto:
		err = e.mergeAuto(ctx, source, target, opts, res)
	}
	if err != nil {
		return nil, err
	}

	if err := e.writeHistory(ctx, res); err != nil {
		return nil, err
	}

	if !opts.KeepSource && len(res.ItemsRejected) == 0 && source != storage.MainBranch {
		if _, err := e.st.Exec(ctx, `
			UPDATE branch_registry SET status = 'merged', merged_at = ?, merge_strategy = ?
			WHERE branch_name = ?`,
			storage.FormatTime(time.Now()), string(opts.Strategy), source); err != nil {
			return nil, err
		}
	}

	e.log.Infow("merge complete", "source", source, "target", target,
		"strategy", opts.Strategy, "merged", len(res.ItemsMerged), "rejected", len(res.ItemsRejected))
	return res, nil
}

func (e *Engine) branchStatus(ctx context.Context, branch string) (string, error) {
	const op = "merge.branch_status"

	var status string
	err := e.st.QueryRow(ctx,
		"SELECT status FROM branch_registry WHERE branch_name = ?", branch).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.E(errs.NotFound, op, "branch %q not found", branch)
	}
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, op, err)
	}
	return status, nil
}

// mergeNative hands off to the substrate's row-level merge for all
// five branched tables.
func (e *Engine) mergeNative(ctx context.Context, source, target string, opts Options, res *Result) error {
	res.ConflictResolution = "substrate:" + string(opts.ConflictPolicy)
	for _, logical := range storage.BranchedTables {
		mr, err := e.st.MergeTables(ctx, logical, source, target, opts.ConflictPolicy)
		if err != nil {
			return err
		}
		for _, id := range mr.Copied {
			res.ItemsMerged = append(res.ItemsMerged, ItemOutcome{Table: logical, ID: id, Action: "copied"})
		}
		for _, id := range mr.Overwritten {
			res.ItemsMerged = append(res.ItemsMerged, ItemOutcome{Table: logical, ID: id, Action: "overwritten"})
		}
		for _, id := range mr.Skipped {
			res.ItemsRejected = append(res.ItemsRejected, ItemOutcome{Table: logical, ID: id, Action: "skipped", Reason: "conflict policy"})
		}
	}
	return nil
}

// mergeCherryPick copies the caller's explicit fact ids; missing ids
// land in the rejected list with the rest still applied.
func (e *Engine) mergeCherryPick(ctx context.Context, source, target string, opts Options, res *Result) error {
	const op = "merge.cherry_pick"

	if len(opts.Items) == 0 {
		return errs.E(errs.InvalidArgument, op, "cherry_pick requires explicit item ids")
	}

	src, err := loadFacts(ctx, e.st, source)
	if err != nil {
		return err
	}
	dst, err := loadFacts(ctx, e.st, target)
	if err != nil {
		return err
	}

	res.ConflictResolution = "explicit"
	var toInsert []map[string]any
	for _, id := range opts.Items {
		f, ok := src[id]
		if !ok {
			res.ItemsRejected = append(res.ItemsRejected, ItemOutcome{Table: "facts", ID: id, Action: "skipped", Reason: "not found on source"})
			continue
		}
		if _, ok := dst[id]; ok {
			res.ItemsRejected = append(res.ItemsRejected, ItemOutcome{Table: "facts", ID: id, Action: "skipped", Reason: "already on target"})
			continue
		}
		row := cloneRow(f.row)
		row["branch_name"] = target
		toInsert = append(toInsert, row)
		res.ItemsMerged = append(res.ItemsMerged, ItemOutcome{Table: "facts", ID: id, Action: "copied"})
	}
	return e.st.InsertRows(ctx, "facts", target, toInsert)
}

// mergeSquash copies all new source rows as one generation tagged with
// a shared merge marker; nothing is superseded.
func (e *Engine) mergeSquash(ctx context.Context, source, target string, res *Result) error {
	src, err := loadFacts(ctx, e.st, source)
	if err != nil {
		return err
	}
	dst, err := loadFacts(ctx, e.st, target)
	if err != nil {
		return err
	}

	res.ConflictResolution = "squash:" + res.ID
	var toInsert []map[string]any
	for id, f := range src {
		if f.status != "active" {
			continue
		}
		if _, ok := dst[id]; ok {
			continue
		}
		row := cloneRow(f.row)
		row["branch_name"] = target
		row["parent_id"] = ""
		row["metadata"] = stampMetadata(row["metadata"], "merge_squash", res.ID)
		toInsert = append(toInsert, row)
		res.ItemsMerged = append(res.ItemsMerged, ItemOutcome{Table: "facts", ID: id, Action: "squashed"})
	}
	sort.Slice(res.ItemsMerged, func(i, j int) bool { return res.ItemsMerged[i].ID < res.ItemsMerged[j].ID })
	return e.st.InsertRows(ctx, "facts", target, toInsert)
}

// mergeAuto copies non-conflicting new rows and resolves conflicts via
// the judge when present; otherwise conflicts are rejected untouched.
func (e *Engine) mergeAuto(ctx context.Context, source, target string, opts Options, res *Result) error {
	src, err := loadFacts(ctx, e.st, source)
	if err != nil {
		return err
	}
	dst, err := loadFacts(ctx, e.st, target)
	if err != nil {
		return err
	}
	diff := computeDiff(src, dst)

	var toInsert []map[string]any
	for _, id := range diff.New {
		row := cloneRow(src[id].row)
		row["branch_name"] = target
		if _, ok := dst[src[id].parentID]; src[id].parentID != "" && !ok {
			// parent never reached the target; start a fresh chain
			row["parent_id"] = ""
		}
		toInsert = append(toInsert, row)
		res.ItemsMerged = append(res.ItemsMerged, ItemOutcome{Table: "facts", ID: id, Action: "copied"})
	}
	if err := e.st.InsertRows(ctx, "facts", target, toInsert); err != nil {
		return err
	}

	if !opts.UseJudge {
		for _, c := range diff.Conflicts {
			res.ItemsRejected = append(res.ItemsRejected, ItemOutcome{
				Table: "facts", ID: c.SourceID, Action: "rejected", Reason: "conflict with " + c.TargetID,
			})
		}
		if len(diff.Conflicts) > 0 {
			res.ConflictResolution = "unresolved"
		} else {
			res.ConflictResolution = "none"
		}
		return nil
	}

	res.ConflictResolution = "judge"
	res.MergedBy = "judge"
	for _, c := range diff.Conflicts {
		verdict, err := e.judge.Compare(ctx, c.SourceText, c.TargetText, "prefer the more accurate and current fact")
		if err != nil {
			res.ItemsRejected = append(res.ItemsRejected, ItemOutcome{
				Table: "facts", ID: c.SourceID, Action: "rejected", Reason: "judge unavailable",
			})
			continue
		}
		if err := e.applyVerdict(ctx, target, src[c.SourceID], dst[c.TargetID], verdict, res); err != nil {
			return err
		}
	}
	return nil
}

// applyVerdict carries out one judge decision on the target branch.
func (e *Engine) applyVerdict(ctx context.Context, target string, sf, tf *factRow, verdict provider.Verdict, res *Result) error {
	physical, err := storage.ResolveTable("facts", target)
	if err != nil {
		return err
	}

	switch verdict {
	case provider.KeepTarget:
		res.ItemsRejected = append(res.ItemsRejected, ItemOutcome{
			Table: "facts", ID: sf.id, Action: "rejected", Reason: "judge kept target",
		})
		return nil

	case provider.KeepSource:
		// supersede the target's active fact with the source row
		now := storage.FormatTime(time.Now())
		if _, err := e.st.Exec(ctx,
			"UPDATE "+physical+" SET status = 'superseded', superseded_at = ? WHERE id = ? AND status = 'active'",
			now, tf.id); err != nil {
			return err
		}
		row := cloneRow(sf.row)
		row["branch_name"] = target
		row["parent_id"] = tf.id
		if err := e.st.InsertRows(ctx, "facts", target, []map[string]any{row}); err != nil {
			return err
		}
		res.ItemsMerged = append(res.ItemsMerged, ItemOutcome{Table: "facts", ID: sf.id, Action: "replaced " + tf.id})
		return nil

	case provider.KeepBoth:
		row := cloneRow(sf.row)
		row["branch_name"] = target
		row["parent_id"] = "" // fresh chain keeps the one-active invariant
		if err := e.st.InsertRows(ctx, "facts", target, []map[string]any{row}); err != nil {
			return err
		}
		res.ItemsMerged = append(res.ItemsMerged, ItemOutcome{Table: "facts", ID: sf.id, Action: "copied alongside " + tf.id})
		return nil

	default:
		return errs.E(errs.Internal, "merge.apply_verdict", "unexpected verdict %q", verdict)
	}
}

func (e *Engine) writeHistory(ctx context.Context, res *Result) error {
	const op = "merge.write_history"

	merged, err := json.Marshal(res.ItemsMerged)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	rejected, err := json.Marshal(res.ItemsRejected)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}

	_, err = e.st.Exec(ctx, `
		INSERT INTO merge_history
			(id, source_branch, target_branch, strategy, items_merged,
			 items_rejected, conflict_resolution, merged_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.SourceBranch, res.TargetBranch, string(res.Strategy),
		string(merged), string(rejected), res.ConflictResolution, res.MergedBy,
		storage.FormatTime(res.CreatedAt))
	return err
}

// History returns merges touching a branch, newest first.
func (e *Engine) History(ctx context.Context, branch string) ([]*Result, error) {
	const op = "merge.history"

	rows, err := e.st.Query(ctx, `
		SELECT id, source_branch, target_branch, strategy, items_merged,
		       items_rejected, conflict_resolution, merged_by, created_at
		FROM merge_history
		WHERE source_branch = ? OR target_branch = ?
		ORDER BY created_at DESC, id`, branch, branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Result
	for rows.Next() {
		var r Result
		var strategy, merged, rejected, createdAt string
		if err := rows.Scan(&r.ID, &r.SourceBranch, &r.TargetBranch, &strategy,
			&merged, &rejected, &r.ConflictResolution, &r.MergedBy, &createdAt); err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		r.Strategy = Strategy(strategy)
		if merged != "" {
			if err := json.Unmarshal([]byte(merged), &r.ItemsMerged); err != nil {
				return nil, errs.Wrap(errs.Internal, op, err)
			}
		}
		if rejected != "" {
			if err := json.Unmarshal([]byte(rejected), &r.ItemsRejected); err != nil {
				return nil, errs.Wrap(errs.Internal, op, err)
			}
		}
		if t, err := storage.ParseTime(createdAt); err == nil {
			r.CreatedAt = t
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// stampMetadata adds one key to a JSON metadata column value.
func stampMetadata(v any, key, value string) string {
	meta := map[string]any{}
	if s, ok := v.(string); ok && s != "" {
		_ = json.Unmarshal([]byte(s), &meta)
	}
	meta[key] = value
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Sprintf(`{"%s":%q}`, key, value)
	}
	return string(data)
}
