package provider

import (
	"context"
	"math"
	"testing"
)

type fixedEmbedder struct {
	vec []float32
}

func (f fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, nil
}

func (f fixedEmbedder) Dimensions() int { return len(f.vec) }

func TestValidatedPassesMatchingVector(t *testing.T) {
	e := Validated(NewHashEmbedder(64), 64)
	v, err := e.Embed(context.Background(), "well formed input")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 64 {
		t.Errorf("len = %d, want 64", len(v))
	}
}

func TestValidatedRejects(t *testing.T) {
	tests := []struct {
		name string
		vec  []float32
		dims int
	}{
		{"dimension mismatch", []float32{1, 2, 3}, 4},
		{"empty vector", []float32{}, 4},
		{"nan component", []float32{1, float32(math.NaN()), 3, 4}, 4},
		{"inf component", []float32{1, 2, float32(math.Inf(1)), 4}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Validated(fixedEmbedder{tt.vec}, tt.dims)
			if _, err := e.Embed(context.Background(), "x"); err == nil {
				t.Error("Embed accepted a bad vector")
			}
		})
	}
}

func TestValidatedNilEmbedder(t *testing.T) {
	if Validated(nil, 64) != nil {
		t.Error("a nil embedder must stay nil through the wrapper")
	}
}
