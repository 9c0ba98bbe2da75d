package encoding

import (
	"math"
	"testing"
)

func TestVectorRoundTrip(t *testing.T) {
	vecs := [][]float32{
		{1, 2, 3},
		{0.5},
		{-1.5, 0, 3.25, 1e-7},
	}
	for _, vec := range vecs {
		data, err := EncodeVector(vec)
		if err != nil {
			t.Fatalf("EncodeVector(%v): %v", vec, err)
		}
		got, err := DecodeVector(data)
		if err != nil {
			t.Fatalf("DecodeVector: %v", err)
		}
		if len(got) != len(vec) {
			t.Fatalf("len = %d, want %d", len(got), len(vec))
		}
		for i := range vec {
			if got[i] != vec[i] {
				t.Errorf("vec[%d] = %v, want %v", i, got[i], vec[i])
			}
		}
	}
}

func TestValidateVector(t *testing.T) {
	if err := ValidateVector([]float32{1, 2}, 2); err != nil {
		t.Errorf("valid vector rejected: %v", err)
	}
	if err := ValidateVector([]float32{1, 2}, 3); err == nil {
		t.Error("dimension mismatch accepted")
	}
	if err := ValidateVector([]float32{float32(math.NaN())}, 1); err == nil {
		t.Error("NaN accepted")
	}
	if err := ValidateVector([]float32{float32(math.Inf(1))}, 1); err == nil {
		t.Error("Inf accepted")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	meta := map[string]any{"source": "test", "count": float64(3)}
	s, err := EncodeMetadata(meta)
	if err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}
	got, err := DecodeMetadata(s)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if got["source"] != "test" || got["count"] != float64(3) {
		t.Errorf("round trip = %v", got)
	}

	s, err = EncodeMetadata(nil)
	if err != nil || s != "" {
		t.Errorf("EncodeMetadata(nil) = %q, %v", s, err)
	}
	got, err = DecodeMetadata("")
	if err != nil || got != nil {
		t.Errorf("DecodeMetadata(\"\") = %v, %v", got, err)
	}
}
