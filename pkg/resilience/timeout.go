// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"time"

	"github.com/jllopis/personaguard/pkg/errors"
)

// TimeoutConfig controls the per-attempt deadline.
type TimeoutConfig struct {
	// Duration is the maximum time allowed for one attempt. Zero disables it.
	Duration time.Duration
}

// WithTimeout executes fn with a timeout boundary. fn receives a context
// carrying the deadline; if it does not return in time the attempt surfaces
// as a network-error CallError with code ATTEMPT_TIMEOUT. Cancellation of the
// parent context is classified as is.
func WithTimeout[T any](ctx context.Context, config TimeoutConfig, fn func(context.Context) (T, error)) (T, error) {
	if config.Duration <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, config.Duration)
	defer cancel()

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		value, err := fn(attemptCtx)
		done <- result{value, err}
	}()

	select {
	case <-attemptCtx.Done():
		var zero T
		return zero, timeoutError(ctx, attemptCtx, config)
	case res := <-done:
		if res.err != nil && attemptCtx.Err() != nil {
			return res.value, timeoutError(ctx, attemptCtx, config)
		}
		return res.value, res.err
	}
}

func timeoutError(parent, attemptCtx context.Context, config TimeoutConfig) error {
	if parentErr := parent.Err(); parentErr != nil {
		return errors.Classify(parentErr)
	}
	return errors.New(errors.KindNetworkError, "attempt exceeded timeout", attemptCtx.Err()).
		WithCode(errors.CodeAttemptTimeout).
		WithDetail("timeout", true).
		WithDetail("timeoutMs", config.Duration.Milliseconds())
}
