package convo

import (
	"context"
	"testing"

	"github.com/branchbase/branchbase/pkg/errs"
	"github.com/branchbase/branchbase/pkg/provider"
)

func newReplayFixture(t *testing.T) (*Engine, *ReplayEngine) {
	t.Helper()
	e, st := newTestEngine(t)
	sd := NewSemanticDiffEngine(e, provider.NewHashEmbedder(64), nil)
	return e, NewReplayEngine(st, e, sd, nil)
}

func TestReplayLifecycle(t *testing.T) {
	e, re := newReplayFixture(t)
	ctx := context.Background()

	parent, msgs := seedConversation(t, e, 4)

	r, err := re.Replay(ctx, parent.ID, msgs[1].ID, ReplayConfig{
		Model:       "alt-model",
		Temperature: 0.2,
	}, "", "")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if r.Status != ReplayPending {
		t.Errorf("status = %s, want pending", r.Status)
	}
	if r.SourceConversationID != parent.ID || r.PivotMessageID != msgs[1].ID {
		t.Errorf("descriptor linkage = %+v", r)
	}

	// the clone holds only the prefix up to the pivot
	cloneMsgs, err := e.Messages(ctx, r.ConversationID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(cloneMsgs) != 2 {
		t.Fatalf("clone has %d messages, want 2", len(cloneMsgs))
	}

	// config round-trips through the registry
	got, err := re.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Config.Model != "alt-model" || got.Config.Temperature != 0.2 {
		t.Errorf("config = %+v", got.Config)
	}

	if err := re.Start(ctx, r.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// a second Start has no pending row to move
	if err := re.Start(ctx, r.ID); !errs.Is(err, errs.PreconditionFailed) {
		t.Errorf("double Start: got %v, want PreconditionFailed", err)
	}

	if err := re.Complete(ctx, r.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := re.Complete(ctx, r.ID); err != nil {
		t.Errorf("Complete should be idempotent, got %v", err)
	}
	got, err = re.Get(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ReplayComplete || got.CompletedAt.IsZero() {
		t.Errorf("completed descriptor = %+v", got)
	}
}

func TestReplayDiffSurfaces(t *testing.T) {
	e, re := newReplayFixture(t)
	ctx := context.Background()

	parent, msgs := seedConversation(t, e, 3)
	r, err := re.Replay(ctx, parent.ID, msgs[0].ID, ReplayConfig{}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.AppendMessage(ctx, MessageInput{
		ConversationID: r.ConversationID, Role: "assistant", Content: "a different continuation",
	}); err != nil {
		t.Fatal(err)
	}

	d, err := re.Diff(ctx, r.ID)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if d.SharedPrefix != 1 {
		t.Errorf("shared prefix = %d, want 1", d.SharedPrefix)
	}
	if d.MessageCountA != 3 || d.MessageCountB != 2 {
		t.Errorf("counts = %d/%d, want 3/2", d.MessageCountA, d.MessageCountB)
	}

	sd, err := re.SemanticDiff(ctx, r.ID)
	if err != nil {
		t.Fatalf("SemanticDiff: %v", err)
	}
	if sd.Verdict == "" {
		t.Error("semantic diff produced no verdict")
	}

	// missing descriptor
	if _, err := re.Diff(ctx, "ghost"); !errs.Is(err, errs.NotFound) {
		t.Errorf("missing replay: got %v, want NotFound", err)
	}
}
