package convo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/pkg/errs"
)

// CherryPickResult reports a partial-success cherry-pick.
type CherryPickResult struct {
	Conversation *Conversation
	Picked       []string // message ids copied, in input order
	Missing      []string // requested ids that were not found
}

// CherryPick copies the selected messages of a conversation into a new
// conversation, renumbered 1..N in input order. Missing ids do not fail
// the call; they are reported in the result.
func (e *Engine) CherryPick(ctx context.Context, conversationID string, messageIDs []string, newTitle, targetBranch string) (*CherryPickResult, error) {
	const op = "cherrypick.pick"

	ctx, cancel := ctxutil.EnsureDeadline(ctx, e.deadline)
	defer cancel()

	if len(messageIDs) == 0 {
		return nil, errs.E(errs.InvalidArgument, op, "message_ids is required")
	}

	source, srcBranch, err := e.findConversation(ctx, conversationID, targetBranch)
	if err != nil {
		return nil, err
	}
	if targetBranch == "" {
		targetBranch = srcBranch
	}
	if err := e.requireBranch(ctx, op, targetBranch); err != nil {
		return nil, err
	}

	msgs, err := e.Messages(ctx, conversationID, srcBranch)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	res := &CherryPickResult{}
	var selected []*Message
	for _, id := range messageIDs {
		m, ok := byID[id]
		if !ok {
			res.Missing = append(res.Missing, id)
			continue
		}
		selected = append(selected, m)
		res.Picked = append(res.Picked, id)
	}
	if len(selected) == 0 {
		return nil, errs.E(errs.NotFound, op, "none of the %d requested messages exist", len(messageIDs))
	}

	now := time.Now().UTC()
	title := newTitle
	if title == "" {
		title = source.Title
	}
	child := &Conversation{
		ID:         uuid.New().String(),
		SessionID:  source.SessionID,
		AgentID:    source.AgentID,
		TaskID:     source.TaskID,
		BranchName: targetBranch,
		Title:      title,
		Status:     ConvActive,
		Model:      source.Model,
		Metadata:   map[string]any{"cherry_picked_from": conversationID},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, m := range selected {
		child.MessageCount++
		child.TotalTokens += m.TokenCount
	}

	if err := e.insertConversation(ctx, child); err != nil {
		return nil, err
	}
	for i, m := range selected {
		clone := *m
		clone.ID = uuid.New().String()
		clone.ConversationID = child.ID
		clone.BranchName = targetBranch
		clone.SequenceNum = i + 1
		clone.CreatedAt = now
		if err := e.insertMessage(ctx, &clone); err != nil {
			return nil, err
		}
	}

	res.Conversation = child
	e.log.Infow("cherry-pick complete", "source", conversationID, "child", child.ID,
		"picked", len(res.Picked), "missing", len(res.Missing))
	return res, nil
}
