package convo

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/branchbase/branchbase/internal/ctxutil"
	"github.com/branchbase/branchbase/pkg/provider"
	"github.com/branchbase/branchbase/pkg/storage"
)

// Verdicts of a semantic comparison.
const (
	VerdictEquivalent = "equivalent"
	VerdictPartial    = "partial"
	VerdictDivergent  = "divergent"
)

// Efficiency outcomes.
const (
	EfficiencyABetter = "a_better"
	EfficiencyBBetter = "b_better"
	EfficiencyTie     = "tie"
)

// ActionDiff compares the tool usage of two conversations.
type ActionDiff struct {
	ToolsA             map[string]int // tool name -> invocation count
	ToolsB             map[string]int
	SequenceSimilarity float64 // LCS over tool-name sequences
	ErrorsA            int
	ErrorsB            int
}

// ReasoningDiff compares thinking traces at corresponding positions.
type ReasoningDiff struct {
	PairsCompared  int
	MeanSimilarity float64 // cosine over thinking embeddings
}

// OutcomeDiff compares end-state resource usage.
type OutcomeDiff struct {
	TokensA       int
	TokensB       int
	TokenDelta    int // tokensB - tokensA
	ToolCallDelta int
	ErrorDelta    int
	Efficiency    string
}

// SemanticDiff is the full four-dimensional comparison.
type SemanticDiff struct {
	ConversationA string
	ConversationB string

	DivergencePoint int // shared-prefix length of (role, content) pairs
	Actions         ActionDiff
	Reasoning       ReasoningDiff
	Outcome         OutcomeDiff
	Verdict         string
}

// SemanticDiffEngine compares two conversations along actions,
// reasoning and outcomes.
type SemanticDiffEngine struct {
	log      *zap.SugaredLogger
	conv     *Engine
	embedder provider.Embedder
	deadline time.Duration
}

// NewSemanticDiffEngine returns a semantic diff engine; embedder may be
// nil, in which case reasoning similarity is skipped.
func NewSemanticDiffEngine(conv *Engine, embedder provider.Embedder, log *zap.SugaredLogger) *SemanticDiffEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SemanticDiffEngine{log: log, conv: conv, embedder: embedder, deadline: DefaultCompareDeadline}
}

// SetDeadline overrides the default comparison deadline. Zero keeps the
// current value.
func (sd *SemanticDiffEngine) SetDeadline(d time.Duration) {
	if d > 0 {
		sd.deadline = d
	}
}

// Compare computes the semantic diff of two conversations.
func (sd *SemanticDiffEngine) Compare(ctx context.Context, aID, aBranch, bID, bBranch string) (*SemanticDiff, error) {
	ctx, cancel := ctxutil.EnsureDeadline(ctx, sd.deadline)
	defer cancel()

	msgsA, err := sd.conv.Messages(ctx, aID, aBranch)
	if err != nil {
		return nil, err
	}
	msgsB, err := sd.conv.Messages(ctx, bID, bBranch)
	if err != nil {
		return nil, err
	}

	out := &SemanticDiff{ConversationA: aID, ConversationB: bID}
	out.DivergencePoint = sharedPrefix(msgsA, msgsB)
	out.Actions = sd.actionDiff(msgsA, msgsB)
	out.Reasoning = sd.reasoningDiff(ctx, msgsA, msgsB)
	out.Outcome = outcomeDiff(msgsA, msgsB, out.Actions)
	out.Verdict = verdict(out)
	return out, nil
}

func (sd *SemanticDiffEngine) actionDiff(a, b []*Message) ActionDiff {
	seqA, seqB := toolSequence(a), toolSequence(b)

	d := ActionDiff{
		ToolsA: multiset(seqA),
		ToolsB: multiset(seqB),
	}
	for _, m := range a {
		d.ErrorsA += countToolErrors(m)
	}
	for _, m := range b {
		d.ErrorsB += countToolErrors(m)
	}

	longest := len(seqA)
	if len(seqB) > longest {
		longest = len(seqB)
	}
	if longest == 0 {
		d.SequenceSimilarity = 1.0
	} else {
		d.SequenceSimilarity = float64(lcs(seqA, seqB)) / float64(longest)
	}
	return d
}

func (sd *SemanticDiffEngine) reasoningDiff(ctx context.Context, a, b []*Message) ReasoningDiff {
	var d ReasoningDiff
	if sd.embedder == nil {
		return d
	}

	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		if a[i].Thinking == "" || b[i].Thinking == "" {
			continue
		}
		va, err := sd.embedder.Embed(ctx, a[i].Thinking)
		if err != nil {
			continue
		}
		vb, err := sd.embedder.Embed(ctx, b[i].Thinking)
		if err != nil {
			continue
		}
		sum += storage.CosineSimilarity(va, vb)
		d.PairsCompared++
	}
	if d.PairsCompared > 0 {
		d.MeanSimilarity = sum / float64(d.PairsCompared)
	}
	return d
}

func outcomeDiff(a, b []*Message, actions ActionDiff) OutcomeDiff {
	var tokensA, tokensB, callsA, callsB int
	for _, m := range a {
		tokensA += m.TokenCount
		callsA += len(m.ToolCalls)
	}
	for _, m := range b {
		tokensB += m.TokenCount
		callsB += len(m.ToolCalls)
	}

	d := OutcomeDiff{
		TokensA:       tokensA,
		TokensB:       tokensB,
		TokenDelta:    tokensB - tokensA,
		ToolCallDelta: callsB - callsA,
		ErrorDelta:    actions.ErrorsB - actions.ErrorsA,
	}
	switch {
	case tokensA < tokensB:
		d.Efficiency = EfficiencyABetter
	case tokensB < tokensA:
		d.Efficiency = EfficiencyBBetter
	default:
		d.Efficiency = EfficiencyTie
	}
	return d
}

// verdict folds the dimensions into equivalent / partial / divergent.
// Equivalent needs near-identical tool sequences and a small outcome
// delta (within 10% of the larger token total, no error delta).
func verdict(d *SemanticDiff) string {
	sim := d.Actions.SequenceSimilarity
	if sim < 0.5 {
		return VerdictDivergent
	}
	if sim >= 0.9 && smallOutcome(d) {
		return VerdictEquivalent
	}
	return VerdictPartial
}

func smallOutcome(d *SemanticDiff) bool {
	if d.Outcome.ErrorDelta != 0 {
		return false
	}
	delta := d.Outcome.TokenDelta
	if delta < 0 {
		delta = -delta
	}
	larger := d.Outcome.TokensA
	if d.Outcome.TokensB > larger {
		larger = d.Outcome.TokensB
	}
	// 10% of the larger side, floor of 10 tokens for tiny conversations
	return delta <= 10 || float64(delta) <= 0.1*float64(larger)
}

func multiset(seq []string) map[string]int {
	m := make(map[string]int, len(seq))
	for _, s := range seq {
		m[s]++
	}
	return m
}

// lcs is the longest common subsequence length over two string slices.
func lcs(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
