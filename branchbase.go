package branchbase

import (
	"context"

	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/locks"
	"github.com/branchbase/branchbase/internal/logging"
	"github.com/branchbase/branchbase/pkg/branch"
	"github.com/branchbase/branchbase/pkg/convo"
	"github.com/branchbase/branchbase/pkg/knowledge"
	"github.com/branchbase/branchbase/pkg/merge"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/search"
	"github.com/branchbase/branchbase/pkg/storage"
	"github.com/branchbase/branchbase/pkg/task"
)

// DB is the assembled store: one SQLite file plus the engines that
// operate on it. It is safe for concurrent use.
type DB struct {
	cfg Config
	st  *storage.Store
	log *zap.SugaredLogger

	branches  *branch.Manager
	snapshots *branch.SnapshotManager
	templates *branch.TemplateEngine

	facts        *knowledge.FactEngine
	observations *knowledge.ObservationEngine
	relations    *knowledge.RelationEngine
	consolidator *knowledge.ConsolidationEngine
	scores       *knowledge.ScoringEngine

	conversations *convo.Engine
	replays       *convo.ReplayEngine
	semanticDiff  *convo.SemanticDiffEngine

	searcher *search.Engine
	merger   *merge.Engine
	tasks    *task.Engine
}

// Option customizes a DB at Open time.
type Option func(*options)

type options struct {
	embedder  provider.Embedder
	judge     provider.Judge
	extractor knowledge.Extractor
	log       *zap.SugaredLogger
}

// WithEmbedder wires an embedding provider. Without one, writes store
// no vectors and search degrades to keyword-only.
func WithEmbedder(e provider.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithJudge wires an LLM judge for merge conflict resolution and
// judged scoring.
func WithJudge(j provider.Judge) Option {
	return func(o *options) { o.judge = j }
}

// WithExtractor replaces the heuristic consolidation extractor.
func WithExtractor(x knowledge.Extractor) Option {
	return func(o *options) { o.extractor = x }
}

// WithLogger replaces the logger built from Config.LogLevel.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.log = log }
}

// Open opens (creating if needed) the store at cfg.Path and assembles
// the engines.
func Open(ctx context.Context, cfg Config, opts ...Option) (*DB, error) {
	cfg = cfg.withDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		var err error
		log, err = logging.New(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
	}

	st, err := storage.Open(ctx, cfg.Path, log)
	if err != nil {
		return nil, err
	}

	embedder := provider.Bounded(provider.Validated(o.embedder, cfg.Dimensions), cfg.MaxInflightEmbeds)

	factMu := locks.NewKeyedMutex()
	convMu := locks.NewKeyedMutex()
	mergeMu := locks.NewKeyedMutex()

	db := &DB{cfg: cfg, st: st, log: log}
	db.branches = branch.NewManager(st, log)
	db.snapshots = branch.NewSnapshotManager(st, db.branches, log)
	db.templates = branch.NewTemplateEngine(st, db.branches, db.snapshots, log)

	db.facts = knowledge.NewFactEngine(st, embedder, factMu, log)
	db.observations = knowledge.NewObservationEngine(st, embedder, log)
	db.relations = knowledge.NewRelationEngine(st, log)
	db.consolidator = knowledge.NewConsolidationEngine(st, db.observations, db.facts, o.extractor, log)
	db.scores = knowledge.NewScoringEngine(st, o.judge, log)

	db.conversations = convo.NewEngine(st, embedder, convMu, log)
	db.semanticDiff = convo.NewSemanticDiffEngine(db.conversations, embedder, log)
	db.replays = convo.NewReplayEngine(st, db.conversations, db.semanticDiff, log)

	db.searcher = search.NewEngine(st, embedder, log)
	db.merger = merge.NewEngine(st, o.judge, mergeMu, log)
	db.tasks = task.NewEngine(st, db.branches, log)

	db.branches.SetDeadline(cfg.WriteDeadline)
	db.snapshots.SetDeadline(cfg.WriteDeadline)
	db.facts.SetDeadline(cfg.WriteDeadline)
	db.observations.SetDeadline(cfg.WriteDeadline)
	db.relations.SetDeadline(cfg.WriteDeadline)
	db.relations.SetQueryDeadline(cfg.SearchDeadline)
	db.scores.SetDeadline(cfg.WriteDeadline)
	db.consolidator.SetDeadline(cfg.ConsolidationDeadline)
	db.conversations.SetDeadline(cfg.WriteDeadline)
	db.replays.SetDeadline(cfg.WriteDeadline)
	db.semanticDiff.SetDeadline(cfg.SearchDeadline)
	db.searcher.SetDeadline(cfg.SearchDeadline)
	db.merger.SetDeadline(cfg.MergeDeadline)
	db.tasks.SetDeadline(cfg.WriteDeadline)

	if err := db.branches.EnsureMain(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying database.
func (db *DB) Close() error {
	return db.st.Close()
}

// Store exposes the substrate for advanced callers and tests.
func (db *DB) Store() *storage.Store { return db.st }

// Config returns the effective configuration.
func (db *DB) Config() Config { return db.cfg }

func (db *DB) Branches() *branch.Manager                     { return db.branches }
func (db *DB) Snapshots() *branch.SnapshotManager            { return db.snapshots }
func (db *DB) Templates() *branch.TemplateEngine             { return db.templates }
func (db *DB) Facts() *knowledge.FactEngine                  { return db.facts }
func (db *DB) Observations() *knowledge.ObservationEngine    { return db.observations }
func (db *DB) Relations() *knowledge.RelationEngine          { return db.relations }
func (db *DB) Consolidation() *knowledge.ConsolidationEngine { return db.consolidator }
func (db *DB) Scores() *knowledge.ScoringEngine              { return db.scores }
func (db *DB) Conversations() *convo.Engine                  { return db.conversations }
func (db *DB) Replays() *convo.ReplayEngine                  { return db.replays }
func (db *DB) SemanticDiff() *convo.SemanticDiffEngine       { return db.semanticDiff }
func (db *DB) Search() *search.Engine                        { return db.searcher }
func (db *DB) Merge() *merge.Engine                          { return db.merger }
func (db *DB) Tasks() *task.Engine                           { return db.tasks }
