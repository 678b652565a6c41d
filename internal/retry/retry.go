// Package retry provides a bounded retry-with-delay helper for
// awaiting asynchronous side effects on the backend that have no push
// notification of their own, e.g. re-querying for a row another writer
// just created.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the maximum number of calls, including the first.
	Attempts int
	// Delay is the pause between attempts.
	Delay time.Duration
}

// Do calls fn until it succeeds, the attempts ceiling is hit, or ctx is
// done. The last error is returned on exhaustion.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts <= 0 {
		p.Attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == p.Attempts {
			break
		}
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("after %d attempts: %w", p.Attempts, lastErr)
}

// WithFallback is Do with a terminal fallback value instead of an error:
// when every attempt fails, fallback is returned.
func WithFallback[T any](ctx context.Context, p Policy, fallback T, fn func(ctx context.Context) (T, error)) T {
	v, err := Do(ctx, p, fn)
	if err != nil {
		return fallback
	}
	return v
}
