package provider

import (
	"context"

	"github.com/branchbase/branchbase/internal/encoding"
)

// validatedEmbedder rejects vectors that do not match the configured
// dimensionality or contain non-finite components.
type validatedEmbedder struct {
	inner Embedder
	dims  int
}

// Validated wraps e so every produced vector is checked against dims.
// dims <= 0 skips the dimension check but still rejects NaN and Inf.
func Validated(e Embedder, dims int) Embedder {
	if e == nil {
		return nil
	}
	return &validatedEmbedder{inner: e, dims: dims}
}

func (v *validatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := v.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := encoding.ValidateVector(vec, v.dims); err != nil {
		return nil, err
	}
	return vec, nil
}

func (v *validatedEmbedder) Dimensions() int { return v.inner.Dimensions() }
