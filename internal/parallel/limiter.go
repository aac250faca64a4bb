// Package parallel provides a bounded, fail-fast map over a list of items.
package parallel

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// hardCap bounds worker count regardless of the requested ceiling.
const hardCap = 24

// Map runs fn over items with at most limit concurrent invocations, returning
// results in input order regardless of completion order.
//
// The ceiling is clamped to [1, min(limit, len(items), hardCap)]. Workers pull
// the next index from a shared counter rather than a static partition, so
// faster workers absorb more items. On the first failure no new items are
// dispatched, in-flight invocations see their context cancelled, and that
// first error is returned. External cancellation of ctx returns ctx.Err()
// even when no item failed.
func Map[T, R any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, index int, item T) (R, error)) ([]R, error) {
	if len(items) == 0 {
		return []R{}, nil
	}

	if limit < 1 {
		limit = 1
	}
	if limit > len(items) {
		limit = len(items)
	}
	if limit > hardCap {
		limit = hardCap
	}

	results := make([]R, len(items))
	var next atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < limit; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= len(items) {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				r, err := fn(gctx, i, items[i])
				if err != nil {
					return err
				}
				results[i] = r
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	// A cancelled parent can race the final worker exits; never report
	// success past a dead context.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
