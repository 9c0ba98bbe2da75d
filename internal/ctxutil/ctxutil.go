// Package ctxutil applies per-operation default deadlines.
package ctxutil

import (
	"context"
	"time"
)

// EnsureDeadline returns ctx bounded by d when the caller has not set a
// deadline already. The cancel function must always be called.
func EnsureDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
