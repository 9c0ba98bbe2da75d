package knowledge

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func newObservationEngine(t *testing.T) *ObservationEngine {
	t.Helper()
	return NewObservationEngine(newTestStore(t), nil, nil)
}

func TestWriteTruncatesRawIO(t *testing.T) {
	e := newObservationEngine(t)
	ctx := context.Background()

	// the euro sign straddles the byte limit; a naive byte cut would
	// leave a broken rune at the end
	raw := strings.Repeat("a", RawIOLimit-1) + "€ and more after the cut"

	obs, err := e.Write(ctx, ObservationInput{
		ObservationType: ObsToolUse,
		Summary:         "ran a verbose tool",
		ToolName:        "shell",
		RawOutput:       raw,
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(obs.RawOutput) > RawIOLimit {
		t.Errorf("raw output = %d bytes, want at most %d", len(obs.RawOutput), RawIOLimit)
	}
	if !utf8.ValidString(obs.RawOutput) {
		t.Error("truncation split a multi-byte rune")
	}
	if obs.RawOutput != strings.Repeat("a", RawIOLimit-1) {
		t.Errorf("unexpected truncation boundary, got %d bytes", len(obs.RawOutput))
	}

	// the stored row matches what Write returned
	got, err := e.Get(ctx, obs.ID, "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RawOutput != obs.RawOutput {
		t.Error("stored raw output differs from the returned one")
	}
}

func TestWriteKeepsShortRawIO(t *testing.T) {
	e := newObservationEngine(t)

	obs, err := e.Write(context.Background(), ObservationInput{
		ObservationType: ObsDiscovery,
		Summary:         "short finding",
		RawInput:        "tiny",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if obs.RawInput != "tiny" {
		t.Errorf("raw input = %q, want untouched", obs.RawInput)
	}
}
