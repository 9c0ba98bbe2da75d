// Package convo implements conversation and message persistence with
// strictly ordered, gap-free sequence numbers, conversation forking,
// cherry-pick, replay descriptors, and conversation diffing.
package convo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
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

// Conversation statuses.
const (
	ConvActive    = "active"
	ConvForked    = "forked"
	ConvCompleted = "completed"
	ConvArchived  = "archived"
)

// DefaultWriteDeadline bounds single-row writes when the caller has
// none; DefaultCompareDeadline bounds semantic comparisons.
const (
	DefaultWriteDeadline   = 5 * time.Second
	DefaultCompareDeadline = 15 * time.Second
)

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
	"tool":      true,
}

// Conversation is a chat history container.
type Conversation struct {
	ID                   string
	SessionID            string
	AgentID              string
	TaskID               string
	BranchName           string
	Title                string
	ParentConversationID string
	ForkPointMessageID   string
	Status               string
	MessageCount         int
	TotalTokens          int
	Model                string
	Metadata             map[string]any
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ToolCall is one tool invocation recorded on a message.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    string         `json:"output,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Message is one turn of a conversation.
type Message struct {
	ID             string
	ConversationID string
	SessionID      string
	AgentID        string
	Role           string
	Content        string
	Thinking       string
	ToolCalls      []ToolCall
	TokenCount     int
	Model          string
	SequenceNum    int
	BranchName     string
	Embedding      []float32
	CreatedAt      time.Time
}

// ConversationInput is the create surface.
type ConversationInput struct {
	SessionID  string
	AgentID    string
	TaskID     string
	BranchName string
	Title      string
	Model      string
	Metadata   map[string]any
}

// MessageInput is the append surface.
type MessageInput struct {
	ConversationID string
	Role           string
	Content        string
	Thinking       string
	ToolCalls      []ToolCall
	TokenCount     int // 0 means estimate by word count
	Model          string
	SessionID      string
	AgentID        string
	BranchName     string // must equal the conversation's branch when set
}

// Engine persists conversations and messages. Appends to one
// conversation are serialized by a per-conversation lock so sequence
// numbers equal append order with no gaps.
type Engine struct {
	st       *storage.Store
	log      *zap.SugaredLogger
	embedder provider.Embedder
	convMu   *locks.KeyedMutex
	deadline time.Duration
}

// NewEngine returns a conversation engine. embedder may be nil.
func NewEngine(st *storage.Store, embedder provider.Embedder, convMu *locks.KeyedMutex, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if convMu == nil {
		convMu = locks.NewKeyedMutex()
	}
	return &Engine{st: st, log: log, embedder: embedder, convMu: convMu, deadline: DefaultWriteDeadline}
}

// SetDeadline overrides the default write deadline. Zero keeps the
// current value.
func (e *Engine) SetDeadline(d time.Duration) {
	if d > 0 {
		e.deadline = d
	}
}

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

// CreateConversation inserts an empty conversation.
func (e *Engine) CreateConversation(ctx context.Context, in ConversationInput) (*Conversation, error) {
	const op = "conversation.create"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if in.BranchName == "" {
		in.BranchName = storage.MainBranch
	}
	if err := e.requireBranch(ctx, op, in.BranchName); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:         uuid.New().String(),
		SessionID:  in.SessionID,
		AgentID:    in.AgentID,
		TaskID:     in.TaskID,
		BranchName: in.BranchName,
		Title:      in.Title,
		Status:     ConvActive,
		Model:      in.Model,
		Metadata:   in.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.insertConversation(ctx, conv); err != nil {
		return nil, err
	}
	if err := e.st.EnsureSession(ctx, in.SessionID, in.BranchName); err != nil {
		return nil, err
	}
	return conv, nil
}

func (e *Engine) insertConversation(ctx context.Context, c *Conversation) error {
	const op = "conversation.insert"

	physical, err := storage.ResolveTable("conversations", c.BranchName)
	if err != nil {
		return err
	}
	meta, err := encoding.EncodeMetadata(c.Metadata)
	if err != nil {
		return errs.Wrap(errs.Internal, op, err)
	}
	_, err = e.st.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(id, session_id, agent_id, task_id, branch_name, title,
			 parent_conversation_id, fork_point_message_id, status,
			 message_count, total_tokens, model, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, physical),
		c.ID, c.SessionID, c.AgentID, c.TaskID, c.BranchName, c.Title,
		c.ParentConversationID, c.ForkPointMessageID, c.Status,
		c.MessageCount, c.TotalTokens, c.Model, meta,
		storage.FormatTime(c.CreatedAt), storage.FormatTime(c.UpdatedAt))
	return err
}

// GetConversation loads one conversation by id on a branch.
func (e *Engine) GetConversation(ctx context.Context, id, branch string) (*Conversation, error) {
	const op = "conversation.get"

	if branch == "" {
		branch = storage.MainBranch
	}
	if err := e.requireBranch(ctx, op, branch); err != nil {
		return nil, err
	}
	physical, err := storage.ResolveTable("conversations", branch)
	if err != nil {
		return nil, err
	}

	row := e.st.QueryRow(ctx, convColumns+" FROM "+physical+" WHERE id = ?", id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, op, "conversation %q not found on branch %q", id, branch)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return c, nil
}

// ListConversations returns a branch's conversations newest first.
func (e *Engine) ListConversations(ctx context.Context, branch, sessionID string, limit int) ([]*Conversation, error) {
	const op = "conversation.list"

	if branch == "" {
		branch = storage.MainBranch
	}
	if err := e.requireBranch(ctx, op, branch); err != nil {
		return nil, err
	}
	physical, err := storage.ResolveTable("conversations", branch)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	q := convColumns + " FROM " + physical
	var args []any
	if sessionID != "" {
		q += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := e.st.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

// AppendMessage appends one message with the next sequence number and
// refreshes the conversation's counters.
func (e *Engine) AppendMessage(ctx context.Context, in MessageInput) (*Message, error) {
	const op = "message.append"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if !validRoles[in.Role] {
		return nil, errs.E(errs.InvalidArgument, op, "unknown role %q", in.Role)
	}
	if in.BranchName == "" {
		in.BranchName = storage.MainBranch
	}

	conv, err := e.GetConversation(ctx, in.ConversationID, in.BranchName)
	if err != nil {
		return nil, err
	}
	if conv.BranchName != in.BranchName {
		return nil, errs.E(errs.InvalidArgument, op,
			"message branch %q does not match conversation branch %q", in.BranchName, conv.BranchName)
	}
	if conv.Status == ConvArchived {
		return nil, errs.E(errs.PreconditionFailed, op, "conversation %s is archived", conv.ID)
	}

	tokens := in.TokenCount
	if tokens == 0 {
		tokens = estimateTokens(in.Content, in.Thinking)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: in.ConversationID,
		SessionID:      in.SessionID,
		AgentID:        in.AgentID,
		Role:           in.Role,
		Content:        in.Content,
		Thinking:       in.Thinking,
		ToolCalls:      in.ToolCalls,
		TokenCount:     tokens,
		Model:          in.Model,
		BranchName:     in.BranchName,
		CreatedAt:      time.Now().UTC(),
	}

	if e.embedder != nil && in.Content != "" {
		if vec, err := e.embedder.Embed(ctx, in.Content); err != nil {
			e.log.Debugw("message embedding skipped", "error", err)
		} else {
			msg.Embedding = vec
		}
	}

	unlock := e.convMu.Lock("conv:" + in.ConversationID)
	defer unlock()

	physical, err := storage.ResolveTable("messages", in.BranchName)
	if err != nil {
		return nil, err
	}

	var maxSeq sql.NullInt64
	if err := e.st.QueryRow(ctx,
		"SELECT MAX(sequence_num) FROM "+physical+" WHERE conversation_id = ?",
		in.ConversationID).Scan(&maxSeq); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	msg.SequenceNum = int(maxSeq.Int64) + 1

	if err := e.insertMessage(ctx, msg); err != nil {
		return nil, err
	}

	convPhys, err := storage.ResolveTable("conversations", in.BranchName)
	if err != nil {
		return nil, err
	}
	if _, err := e.st.Exec(ctx,
		"UPDATE "+convPhys+
			" SET message_count = message_count + 1, total_tokens = total_tokens + ?, updated_at = ? WHERE id = ?",
		tokens, storage.FormatTime(time.Now()), in.ConversationID); err != nil {
		return nil, err
	}
	if err := e.st.EnsureSession(ctx, in.SessionID, in.BranchName); err != nil {
		return nil, err
	}
	return msg, nil
}

func (e *Engine) insertMessage(ctx context.Context, m *Message) error {
	const op = "message.insert"

	physical, err := storage.ResolveTable("messages", m.BranchName)
	if err != nil {
		return err
	}

	toolCalls := ""
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return errs.Wrap(errs.Internal, op, err)
		}
		toolCalls = string(data)
	}

	var blob any
	if m.Embedding != nil {
		b, err := encoding.EncodeVector(m.Embedding)
		if err != nil {
			return errs.Wrap(errs.Internal, op, err)
		}
		blob = b
	}

	_, err = e.st.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(id, conversation_id, session_id, agent_id, role, content, thinking,
			 tool_calls, token_count, model, sequence_num, branch_name, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, physical),
		m.ID, m.ConversationID, m.SessionID, m.AgentID, m.Role, m.Content, m.Thinking,
		toolCalls, m.TokenCount, m.Model, m.SequenceNum, m.BranchName, blob,
		storage.FormatTime(m.CreatedAt))
	return err
}

// Messages returns a conversation's messages in sequence order.
func (e *Engine) Messages(ctx context.Context, conversationID, branch string) ([]*Message, error) {
	const op = "message.list"

	if branch == "" {
		branch = storage.MainBranch
	}
	if err := e.requireBranch(ctx, op, branch); err != nil {
		return nil, err
	}
	physical, err := storage.ResolveTable("messages", branch)
	if err != nil {
		return nil, err
	}

	rows, err := e.st.Query(ctx,
		msgColumns+" FROM "+physical+" WHERE conversation_id = ? ORDER BY sequence_num",
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, op, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return out, nil
}

// GetMessage loads one message.
func (e *Engine) GetMessage(ctx context.Context, id, branch string) (*Message, error) {
	const op = "message.get"

	if branch == "" {
		branch = storage.MainBranch
	}
	if err := e.requireBranch(ctx, op, branch); err != nil {
		return nil, err
	}
	physical, err := storage.ResolveTable("messages", branch)
	if err != nil {
		return nil, err
	}

	row := e.st.QueryRow(ctx, msgColumns+" FROM "+physical+" WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.E(errs.NotFound, op, "message %q not found on branch %q", id, branch)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, op, err)
	}
	return m, nil
}

// Fork clones parent up to and including the pivot message into a new
// conversation on targetBranch (parent's branch when empty). Copied
// messages get new ids and keep their sequence numbers; the parent is
// untouched.
func (e *Engine) Fork(ctx context.Context, parentID, messageID, title, targetBranch string) (*Conversation, error) {
	const op = "conversation.fork"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	// the pivot determines the source branch when ambiguous; parent
	// conversations live on exactly one branch
	parent, srcBranch, err := e.findConversation(ctx, parentID, targetBranch)
	if err != nil {
		return nil, err
	}
	if targetBranch == "" {
		targetBranch = srcBranch
	}
	if err := e.requireBranch(ctx, op, targetBranch); err != nil {
		return nil, err
	}

	pivot, err := e.GetMessage(ctx, messageID, srcBranch)
	if err != nil {
		return nil, err
	}
	if pivot.ConversationID != parentID {
		return nil, errs.E(errs.InvalidArgument, op,
			"message %s does not belong to conversation %s", messageID, parentID)
	}

	msgs, err := e.Messages(ctx, parentID, srcBranch)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	child := &Conversation{
		ID:                   uuid.New().String(),
		SessionID:            parent.SessionID,
		AgentID:              parent.AgentID,
		TaskID:               parent.TaskID,
		BranchName:           targetBranch,
		Title:                title,
		ParentConversationID: parentID,
		ForkPointMessageID:   messageID,
		Status:               ConvForked,
		Model:                parent.Model,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if child.Title == "" {
		child.Title = parent.Title
	}

	for _, m := range msgs {
		if m.SequenceNum > pivot.SequenceNum {
			continue
		}
		child.MessageCount++
		child.TotalTokens += m.TokenCount
	}

	if err := e.insertConversation(ctx, child); err != nil {
		return nil, err
	}

	for _, m := range msgs {
		if m.SequenceNum > pivot.SequenceNum {
			continue
		}
		clone := *m
		clone.ID = uuid.New().String()
		clone.ConversationID = child.ID
		clone.BranchName = targetBranch
		clone.CreatedAt = now
		if err := e.insertMessage(ctx, &clone); err != nil {
			return nil, err
		}
	}

	e.log.Infow("conversation forked", "parent", parentID, "child", child.ID,
		"pivot_seq", pivot.SequenceNum, "branch", targetBranch)
	return child, nil
}

// findConversation resolves a conversation by id, preferring the hinted
// branch and falling back to main.
func (e *Engine) findConversation(ctx context.Context, id, hint string) (*Conversation, string, error) {
	if hint != "" {
		if c, err := e.GetConversation(ctx, id, hint); err == nil {
			return c, hint, nil
		}
	}
	c, err := e.GetConversation(ctx, id, storage.MainBranch)
	if err != nil {
		return nil, "", err
	}
	return c, storage.MainBranch, nil
}

// SetStatus transitions a conversation's status.
func (e *Engine) SetStatus(ctx context.Context, id, branch, status string) error {
	const op = "conversation.set_status"

	switch status {
	case ConvActive, ConvForked, ConvCompleted, ConvArchived:
	default:
		return errs.E(errs.InvalidArgument, op, "unknown status %q", status)
	}
	if branch == "" {
		branch = storage.MainBranch
	}
	physical, err := storage.ResolveTable("conversations", branch)
	if err != nil {
		return err
	}
	res, err := e.st.Exec(ctx,
		"UPDATE "+physical+" SET status = ?, updated_at = ? WHERE id = ?",
		status, storage.FormatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.E(errs.NotFound, op, "conversation %q not found on branch %q", id, branch)
	}
	return nil
}

// estimateTokens is a cheap word-count heuristic used when the client
// does not supply a token count.
func estimateTokens(content, thinking string) int {
	return len(strings.Fields(content)) + len(strings.Fields(thinking))
}

const convColumns = `SELECT id, session_id, agent_id, task_id, branch_name, title,
	parent_conversation_id, fork_point_message_id, status,
	message_count, total_tokens, model, metadata, created_at, updated_at`

const msgColumns = `SELECT id, conversation_id, session_id, agent_id, role, content, thinking,
	tool_calls, token_count, model, sequence_num, branch_name, embedding, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (*Conversation, error) {
	var c Conversation
	var meta, createdAt, updatedAt string
	if err := sc.Scan(&c.ID, &c.SessionID, &c.AgentID, &c.TaskID, &c.BranchName, &c.Title,
		&c.ParentConversationID, &c.ForkPointMessageID, &c.Status,
		&c.MessageCount, &c.TotalTokens, &c.Model, &meta, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if md, err := encoding.DecodeMetadata(meta); err == nil {
		c.Metadata = md
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		c.CreatedAt = t
	}
	if t, err := storage.ParseTime(updatedAt); err == nil {
		c.UpdatedAt = t
	}
	return &c, nil
}

func scanMessage(sc scanner) (*Message, error) {
	var m Message
	var toolCalls, createdAt string
	var blob []byte
	if err := sc.Scan(&m.ID, &m.ConversationID, &m.SessionID, &m.AgentID, &m.Role,
		&m.Content, &m.Thinking, &toolCalls, &m.TokenCount, &m.Model,
		&m.SequenceNum, &m.BranchName, &blob, &createdAt); err != nil {
		return nil, err
	}
	if toolCalls != "" {
		if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
			return nil, err
		}
	}
	if len(blob) > 0 {
		if vec, err := encoding.DecodeVector(blob); err == nil {
			m.Embedding = vec
		}
	}
	if t, err := storage.ParseTime(createdAt); err == nil {
		m.CreatedAt = t
	}
	return &m, nil
}
