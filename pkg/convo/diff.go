package convo

import (
	"context"
	"strings"
)

// ConversationDiff is the structural comparison of two conversations.
type ConversationDiff struct {
	ConversationA string
	ConversationB string

	MessageCountA int
	MessageCountB int
	TokensA       int
	TokensB       int

	// SharedPrefix is the number of leading messages whose
	// (role, normalized content) pairs match.
	SharedPrefix int

	ToolCallsA int
	ToolCallsB int
	ErrorsA    int
	ErrorsB    int
}

// Diff compares two conversations structurally: counts, token totals
// and the length of the shared message prefix.
func (e *Engine) Diff(ctx context.Context, aID, aBranch, bID, bBranch string) (*ConversationDiff, error) {
	msgsA, err := e.Messages(ctx, aID, aBranch)
	if err != nil {
		return nil, err
	}
	msgsB, err := e.Messages(ctx, bID, bBranch)
	if err != nil {
		return nil, err
	}

	d := &ConversationDiff{ConversationA: aID, ConversationB: bID}
	d.MessageCountA = len(msgsA)
	d.MessageCountB = len(msgsB)

	for _, m := range msgsA {
		d.TokensA += m.TokenCount
		d.ToolCallsA += len(m.ToolCalls)
		d.ErrorsA += countToolErrors(m)
	}
	for _, m := range msgsB {
		d.TokensB += m.TokenCount
		d.ToolCallsB += len(m.ToolCalls)
		d.ErrorsB += countToolErrors(m)
	}

	d.SharedPrefix = sharedPrefix(msgsA, msgsB)
	return d, nil
}

// sharedPrefix counts leading messages matching on (role, normalized
// content).
func sharedPrefix(a, b []*Message) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Role != b[i].Role || normalizeContent(a[i].Content) != normalizeContent(b[i].Content) {
			return i
		}
	}
	return n
}

// normalizeContent lowercases and collapses whitespace so cosmetic
// differences do not count as divergence.
func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// countToolErrors counts tool calls whose output indicates failure.
func countToolErrors(m *Message) int {
	n := 0
	for _, tc := range m.ToolCalls {
		if tc.IsError || strings.Contains(strings.ToLower(tc.Output), "error") {
			n++
		}
	}
	return n
}

// toolSequence flattens a conversation's tool-call names in order.
func toolSequence(msgs []*Message) []string {
	var out []string
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			out = append(out, tc.Name)
		}
	}
	return out
}
