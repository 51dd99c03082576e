package validation

import (
	"context"
	"fmt"
	"time"
)

// bounded runs fn under a timeout derived from ctx. It returns when fn
// returns or the deadline passes, whichever comes first, so a store that
// ignores its context cannot stall the pipeline. A panic in fn is returned
// as an error.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- result{err: fmt.Errorf("panic in store call: %v", rec)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case res := <-ch:
		return res.v, res.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("store call: %w", ctx.Err())
	}
}
