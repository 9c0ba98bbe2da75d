// Package provider declares the external model contracts the engines
// consume: an embedding provider and an LLM judge. Both are optional;
// engines degrade gracefully when they are absent or failing.
package provider

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Verdict is a judge's decision when comparing two candidates.
type Verdict string

const (
	KeepSource Verdict = "keep_source"
	KeepTarget Verdict = "keep_target"
	KeepBoth   Verdict = "keep_both"
)

// Judge compares two texts under the given criteria.
type Judge interface {
	Compare(ctx context.Context, a, b, criteria string) (Verdict, error)
}

// DefaultMaxInflight bounds concurrent embedding calls per store.
const DefaultMaxInflight = 16

// boundedEmbedder applies a weighted semaphore around an embedder so a
// burst of writes cannot flood a rate-limited service.
type boundedEmbedder struct {
	inner Embedder
	sem   *semaphore.Weighted
}

// Bounded wraps e with a concurrency bound of n inflight calls.
// n <= 0 uses DefaultMaxInflight.
func Bounded(e Embedder, n int64) Embedder {
	if e == nil {
		return nil
	}
	if n <= 0 {
		n = DefaultMaxInflight
	}
	return &boundedEmbedder{inner: e, sem: semaphore.NewWeighted(n)}
}

func (b *boundedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer b.sem.Release(1)
	return b.inner.Embed(ctx, text)
}

func (b *boundedEmbedder) Dimensions() int { return b.inner.Dimensions() }
