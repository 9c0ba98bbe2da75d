package convo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, provider.NewHashEmbedder(64), nil, nil), st
}

func seedConversation(t *testing.T, e *Engine, n int) (*Conversation, []*Message) {
	t.Helper()
	ctx := context.Background()
	c, err := e.CreateConversation(ctx, ConversationInput{Title: "seed", SessionID: "s1"})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	msgs := make([]*Message, 0, n)
	for i := 1; i <= n; i++ {
		role := "user"
		if i%2 == 0 {
			role = "assistant"
		}
		m, err := e.AppendMessage(ctx, MessageInput{
			ConversationID: c.ID,
			Role:           role,
			Content:        fmt.Sprintf("message number %d", i),
		})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		msgs = append(msgs, m)
	}
	return c, msgs
}

func TestAppendSequencing(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	c, msgs := seedConversation(t, e, 3)
	for i, m := range msgs {
		if m.SequenceNum != i+1 {
			t.Errorf("msg %d sequence = %d, want %d", i, m.SequenceNum, i+1)
		}
	}

	got, err := e.GetConversation(ctx, c.ID, "")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.MessageCount != 3 {
		t.Errorf("message_count = %d, want 3", got.MessageCount)
	}
	if got.TotalTokens <= 0 {
		t.Error("total_tokens should be estimated from content")
	}
}

func TestAppendValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	c, _ := seedConversation(t, e, 1)

	if _, err := e.AppendMessage(ctx, MessageInput{
		ConversationID: c.ID, Role: "narrator", Content: "x",
	}); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("bad role: got %v, want InvalidArgument", err)
	}

	if _, err := e.AppendMessage(ctx, MessageInput{
		ConversationID: c.ID, Role: "user", Content: "x", BranchName: "other",
	}); err == nil {
		t.Error("branch mismatch should be rejected")
	}

	if err := e.SetStatus(ctx, c.ID, "", ConvArchived); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if _, err := e.AppendMessage(ctx, MessageInput{
		ConversationID: c.ID, Role: "user", Content: "x",
	}); !errs.Is(err, errs.PreconditionFailed) {
		t.Errorf("append to archived: got %v, want PreconditionFailed", err)
	}
}

func TestForkAtPivot(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	parent, msgs := seedConversation(t, e, 5)

	child, err := e.Fork(ctx, parent.ID, msgs[2].ID, "what if", "")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.Status != ConvForked {
		t.Errorf("child status = %s, want forked", child.Status)
	}
	if child.ParentConversationID != parent.ID || child.ForkPointMessageID != msgs[2].ID {
		t.Errorf("fork linkage = %s/%s", child.ParentConversationID, child.ForkPointMessageID)
	}

	childMsgs, err := e.Messages(ctx, child.ID, "")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(childMsgs) != 3 {
		t.Fatalf("child has %d messages, want 3", len(childMsgs))
	}
	for i, m := range childMsgs {
		if m.SequenceNum != i+1 {
			t.Errorf("child seq[%d] = %d", i, m.SequenceNum)
		}
		if m.ID == msgs[i].ID {
			t.Error("cloned messages must get fresh ids")
		}
		if m.Content != msgs[i].Content {
			t.Errorf("content diverged at %d", i)
		}
	}

	// parent untouched
	parentMsgs, err := e.Messages(ctx, parent.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(parentMsgs) != 5 {
		t.Errorf("parent has %d messages, want 5", len(parentMsgs))
	}

	// divergent continuation stays on the child
	if _, err := e.AppendMessage(ctx, MessageInput{
		ConversationID: child.ID, Role: "assistant", Content: "alternate path",
	}); err != nil {
		t.Fatalf("append to fork: %v", err)
	}
	if got, _ := e.Messages(ctx, parent.ID, ""); len(got) != 5 {
		t.Errorf("parent grew after fork append")
	}
}

func TestForkPivotMustBelong(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, _ := seedConversation(t, e, 2)
	_, otherMsgs := seedConversation(t, e, 2)

	if _, err := e.Fork(ctx, a.ID, otherMsgs[0].ID, "", ""); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("foreign pivot: got %v, want InvalidArgument", err)
	}
}

func TestCherryPickPartial(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, msgs := seedConversation(t, e, 4)
	src, _ := e.GetConversation(ctx, msgs[0].ConversationID, "")

	res, err := e.CherryPick(ctx, src.ID,
		[]string{msgs[3].ID, "missing-id", msgs[0].ID}, "picked", "")
	if err != nil {
		t.Fatalf("CherryPick: %v", err)
	}
	if len(res.Picked) != 2 || len(res.Missing) != 1 {
		t.Fatalf("picked=%d missing=%d, want 2/1", len(res.Picked), len(res.Missing))
	}

	picked, err := e.Messages(ctx, res.Conversation.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	// renumbered in input order
	if picked[0].Content != msgs[3].Content || picked[1].Content != msgs[0].Content {
		t.Errorf("pick order = [%q %q]", picked[0].Content, picked[1].Content)
	}
	if picked[0].SequenceNum != 1 || picked[1].SequenceNum != 2 {
		t.Errorf("sequence = [%d %d], want [1 2]", picked[0].SequenceNum, picked[1].SequenceNum)
	}

	// all ids missing is a hard failure
	if _, err := e.CherryPick(ctx, src.ID, []string{"nope"}, "", ""); !errs.Is(err, errs.NotFound) {
		t.Errorf("all missing: got %v, want NotFound", err)
	}
}

func TestStructuralDiff(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	parent, msgs := seedConversation(t, e, 4)
	child, err := e.Fork(ctx, parent.ID, msgs[1].ID, "alt", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.AppendMessage(ctx, MessageInput{
		ConversationID: child.ID, Role: "user", Content: "different third message",
	}); err != nil {
		t.Fatal(err)
	}

	d, err := e.Diff(ctx, parent.ID, "", child.ID, "")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if d.SharedPrefix != 2 {
		t.Errorf("shared prefix = %d, want 2", d.SharedPrefix)
	}
	if d.MessageCountA != 4 || d.MessageCountB != 3 {
		t.Errorf("counts = %d/%d, want 4/3", d.MessageCountA, d.MessageCountB)
	}
}

func TestSemanticDiffVerdicts(t *testing.T) {
	e, _ := newTestEngine(t)
	sd := NewSemanticDiffEngine(e, provider.NewHashEmbedder(64), nil)
	ctx := context.Background()

	mk := func(tools [][]ToolCall) *Conversation {
		c, err := e.CreateConversation(ctx, ConversationInput{})
		if err != nil {
			t.Fatal(err)
		}
		for i, tc := range tools {
			if _, err := e.AppendMessage(ctx, MessageInput{
				ConversationID: c.ID,
				Role:           "assistant",
				Content:        fmt.Sprintf("step %d", i),
				ToolCalls:      tc,
			}); err != nil {
				t.Fatal(err)
			}
		}
		return c
	}

	same := [][]ToolCall{
		{{Name: "read"}}, {{Name: "edit"}}, {{Name: "test"}},
	}
	a := mk(same)
	b := mk(same)

	d, err := sd.Compare(ctx, a.ID, "", b.ID, "")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if d.Verdict != VerdictEquivalent {
		t.Errorf("identical runs verdict = %s, want equivalent", d.Verdict)
	}

	c := mk([][]ToolCall{
		{{Name: "search"}}, {{Name: "browse"}}, {{Name: "summarize"}},
	})
	d, err = sd.Compare(ctx, a.ID, "", c.ID, "")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if d.Verdict != VerdictDivergent {
		t.Errorf("disjoint tool runs verdict = %s, want divergent", d.Verdict)
	}
}

func TestReadsRejectUnknownBranch(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	c, msgs := seedConversation(t, e, 1)

	if _, err := e.GetConversation(ctx, c.ID, "ghost"); !errs.Is(err, errs.NotFound) {
		t.Errorf("GetConversation: got %v, want NotFound", err)
	}
	if _, err := e.ListConversations(ctx, "ghost", "", 0); !errs.Is(err, errs.NotFound) {
		t.Errorf("ListConversations: got %v, want NotFound", err)
	}
	if _, err := e.Messages(ctx, c.ID, "ghost"); !errs.Is(err, errs.NotFound) {
		t.Errorf("Messages: got %v, want NotFound", err)
	}
	if _, err := e.GetMessage(ctx, msgs[0].ID, "ghost"); !errs.Is(err, errs.NotFound) {
		t.Errorf("GetMessage: got %v, want NotFound", err)
	}
}
