package provider

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder is a deterministic bag-of-words embedder: each token is
// hashed into a bucket and the resulting vector is L2-normalized.
// Similar texts share buckets and score high cosine similarity, which
// is enough for dedupe and search to function without an external
// model. Not a semantic embedding.
type HashEmbedder struct {
	Dim int
}

// NewHashEmbedder returns a hash embedder with the given
// dimensionality (minimum 8).
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim < 8 {
		dim = 8
	}
	return &HashEmbedder{Dim: dim}
}

// Dimensions returns the vector width.
func (h *HashEmbedder) Dimensions() int { return h.Dim }

// Embed hashes tokens into buckets and normalizes.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.Dim)

	for _, tok := range hashTokens(text) {
		f := fnv.New32a()
		f.Write([]byte(tok))
		vec[int(f.Sum32())%h.Dim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func hashTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}
