package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Replay statuses.
const (
	ReplayPending  = "pending"
	ReplayRunning  = "running"
	ReplayComplete = "complete"
)

// ReplayConfig is the configuration a client drives the re-execution
// with. The engine records it; it never invokes a model.
type ReplayConfig struct {
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	ToolFilter   []string `json:"tool_filter,omitempty"`
	ExtraContext string   `json:"extra_context,omitempty"`
}

// Replay is a persisted replay descriptor.
type Replay struct {
	ID                   string
	ConversationID       string // the cloned conversation being re-driven
	SourceConversationID string
	PivotMessageID       string
	Config               ReplayConfig
	Status               string
	BranchName           string
	CreatedAt            time.Time
	CompletedAt          time.Time
}

// ReplayEngine clones conversations for re-execution and diffs the
// outcome against the original.
type ReplayEngine struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	conv     *Engine
	sem      *SemanticDiffEngine
	deadline time.Duration
}

// NewReplayEngine returns a replay engine. sem may be nil, in which
// case SemanticDiff is unavailable.
func NewReplayEngine(st *storage.Store, conv *Engine, sem *SemanticDiffEngine, log *zap.SugaredLogger) *ReplayEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ReplayEngine{st: st, log: log, conv: conv, sem: sem, deadline: DefaultWriteDeadline}
}

// SetDeadline overrides the default write deadline. Zero keeps the
// current value.
func (re *ReplayEngine) SetDeadline(d time.Duration) {
	if d > 0 {
		re.deadline = d
	}
}

// Replay clones the source conversation up to the pivot into a new
// conversation and records a pending descriptor carrying cfg.
func (re *ReplayEngine) Replay(ctx context.Context, conversationID, fromMessageID string, cfg ReplayConfig, branch, title string) (*Replay, error) {
	const op = "replay.create"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, re.deadline)
	defer cancel()

	if title == "" {
		title = "replay of " + conversationID
	}
	clone, err := re.conv.Fork(ctx, conversationID, fromMessageID, title, branch)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	r := &Replay{
		ID:                   uuid.New().String(),
		ConversationID:       clone.ID,
		SourceConversationID: conversationID,
		PivotMessageID:       fromMessageID,
		Config:               cfg,
		Status:               ReplayPending,
		BranchName:           clone.BranchName,
		CreatedAt:            now,
	}

	cfgCol, err := json.Marshal(cfg)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, op, err)
	}
	if _, err := re.st.Exec(ctx, `
		INSERT INTO replays
			(id, conversation_id, source_conversation_id, pivot_message_id,
			 config, status, branch_name, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.ConversationID, r.SourceConversationID, r.PivotMessageID,
		string(cfgCol), r.Status, r.BranchName, storage.FormatTime(now)); err != nil {
		return nil, err
	}

	re.log.Infow("replay created", "replay", r.ID, "source", conversationID, "clone", clone.ID)
	return r, nil
}

// Get loads one replay descriptor.
func (re *ReplayEngine) Get(ctx context.Context, id string) (*Replay, error) {
	const op = "replay.get"

	row := re.st.QueryRow(ctx, `
		SELECT id, conversation_id, source_conversation_id, pivot_message_id,
		       config, status, branch_name, created_at, completed_at
		FROM replays WHERE id = ?`, id)

	var r Replay
	var cfg, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&r.ID, &r.ConversationID, &r.SourceConversationID, &r.PivotMessageID,
		&cfg, &r.Status, &r.BranchName, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, op, "replay %q not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &r.Config); err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		r.CreatedAt = t
	}
	r.CompletedAt = storage.ScanTime(completedAt)
	return &r, nil
}

// Start transitions a replay to running.
func (re *ReplayEngine) Start(ctx context.Context, id string) error {
	return re.setStatus(ctx, id, ReplayPending, ReplayRunning)
}

// Complete marks a replay finished. Idempotent.
func (re *ReplayEngine) Complete(ctx context.Context, id string) error {
	const op = "replay.complete"

	r, err := re.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == ReplayComplete {
		return nil
	}
	_, err = re.st.Exec(ctx,
		"UPDATE replays SET status = ?, completed_at = ? WHERE id = ?",
		ReplayComplete, storage.FormatTime(time.Now()), id)
	return err
}

func (re *ReplayEngine) setStatus(ctx context.Context, id, from, to string) error {
	const op = "replay.set_status"

	res, err := re.st.Exec(ctx,
		"UPDATE replays SET status = ? WHERE id = ? AND status = ?", to, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.PreconditionFailed, op, "replay %q is not %s", id, from)
	}
	return nil
}

// Diff compares the replay's conversation to its source structurally.
func (re *ReplayEngine) Diff(ctx context.Context, id string) (*ConversationDiff, error) {
	r, err := re.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	src, srcBranch, err := re.conv.findConversation(ctx, r.SourceConversationID, r.BranchName)
	if err != nil {
		return nil, err
	}
	return re.conv.Diff(ctx, src.ID, srcBranch, r.ConversationID, r.BranchName)
}

// SemanticDiff compares the replay's conversation to its source along
// actions, reasoning and outcomes.
func (re *ReplayEngine) SemanticDiff(ctx context.Context, id string) (*SemanticDiff, error) {
	const op = "replay.semantic_diff"

	if re.sem == nil {
		return nil, errs.E(errs.PreconditionFailed, op, "no semantic diff engine configured")
	}
	r, err := re.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	src, srcBranch, err := re.conv.findConversation(ctx, r.SourceConversationID, r.BranchName)
	if err != nil {
		return nil, err
	}
	return re.sem.Compare(ctx, src.ID, srcBranch, r.ConversationID, r.BranchName)
}
