// Package parallel provides the bounded worker pool the loader uses to build
// small tables concurrently.
//
// Work items run on an errgroup limited to the pool size. The first failing
// item cancels the shared context so the remaining items stop early, and the
// results come back in input order.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// WorkerPool bounds how many items run at once.
type WorkerPool struct {
	numWorkers int
}

// NewWorkerPool creates a pool; numWorkers <= 0 uses one worker per CPU.
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	return &WorkerPool{numWorkers: numWorkers}
}

// Size returns the number of concurrent workers.
func (wp *WorkerPool) Size() int {
	return wp.numWorkers
}

// ProcessIndexed runs worker over items and returns the results in input
// order. It stops at the first error and returns it; results are then nil.
func ProcessIndexed[T, R any](
	ctx context.Context,
	wp *WorkerPool,
	items []T,
	worker func(ctx context.Context, index int, item T) (R, error),
) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}

	results := make([]R, len(items))
	if wp.numWorkers == 1 {
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r, err := worker(ctx, i, item)
			if err != nil {
				return nil, err
			}
			results[i] = r
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wp.numWorkers)
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := worker(gctx, i, item)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
