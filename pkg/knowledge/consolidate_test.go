package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/branchbase/branchbase/pkg/provider"
)

func newConsolidationEngine(t *testing.T) (*ConsolidationEngine, *ObservationEngine) {
	t.Helper()
	st := newTestStore(t)
	embedder := provider.NewHashEmbedder(256)
	obs := NewObservationEngine(st, embedder, nil)
	facts := NewFactEngine(st, embedder, nil, nil)
	return NewConsolidationEngine(st, obs, facts, nil, nil), obs
}

func TestConsolidationPromotesDiscoveries(t *testing.T) {
	ce, obs := newConsolidationEngine(t)
	ctx := context.Background()

	inputs := []ObservationInput{
		{ObservationType: ObsDiscovery, Summary: "the legacy importer silently drops rows with null timestamps", SessionID: "s1"},
		{ObservationType: ObsDecision, Summary: "we will batch writes in groups of five hundred to respect rate limits", SessionID: "s1"},
		{ObservationType: ObsToolUse, Summary: "ran the importer", ToolName: "importer", SessionID: "s1"},
	}
	for _, in := range inputs {
		if _, err := obs.Write(ctx, in); err != nil {
			t.Fatalf("observation Write: %v", err)
		}
	}

	report, err := ce.Run(ctx, "", time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ObservationsProcessed != 3 {
		t.Errorf("processed = %d, want 3", report.ObservationsProcessed)
	}
	// tool_use observations are not promoted
	if report.FactsCreated != 2 {
		t.Errorf("created = %d, want 2", report.FactsCreated)
	}

	// a second run over the same window deduplicates instead of duplicating
	report2, err := ce.Run(ctx, "", time.Hour)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report2.FactsCreated != 0 || report2.FactsDeduplicated != 2 {
		t.Errorf("second run created=%d deduplicated=%d, want 0/2",
			report2.FactsCreated, report2.FactsDeduplicated)
	}

	last, err := ce.LastRun(ctx, "main")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if last.ID != report2.ID {
		t.Errorf("LastRun = %s, want the most recent run %s", last.ID, report2.ID)
	}
}

func TestConsolidationEmptyWindow(t *testing.T) {
	ce, _ := newConsolidationEngine(t)

	report, err := ce.Run(context.Background(), "", time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ObservationsProcessed != 0 || report.FactsCreated != 0 {
		t.Errorf("empty window report = %+v", report)
	}
}
