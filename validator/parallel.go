package validator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/semneeds/need"
)

// RunParallel runs ValidateAll on every engine concurrently over the same
// store. The store must not be mutated until RunParallel returns; each
// engine only touches its own cache. Results keep engine order.
func RunParallel(ctx context.Context, store need.Store, engines ...*Engine) ([]*Results, error) {
	return parallel(ctx, engines, func(e *Engine) *Results {
		return e.ValidateAll(store)
	})
}

// RunParallelIncremental is RunParallel for ValidateIncremental.
func RunParallelIncremental(ctx context.Context, store need.Store, changed []string, engines ...*Engine) ([]*Results, error) {
	return parallel(ctx, engines, func(e *Engine) *Results {
		return e.ValidateIncremental(store, changed)
	})
}

func parallel(ctx context.Context, engines []*Engine, run func(*Engine) *Results) ([]*Results, error) {
	out := make([]*Results, len(engines))
	eg, ctx := errgroup.WithContext(ctx)
	for i, e := range engines {
		eg.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				out[i] = run(e)
				return nil
			}
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
