// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"

	"github.com/jllopis/personaguard/pkg/errors"
)

// FallbackStrategy produces a substitute value once a call will not be
// retried. cause is the failure that ended the call.
type FallbackStrategy[T any] interface {
	Execute(ctx context.Context, cause *errors.CallError) (T, error)
}

// FallbackFunc wraps a function as a FallbackStrategy.
type FallbackFunc[T any] func(ctx context.Context, cause *errors.CallError) (T, error)

// Execute implements FallbackStrategy.
func (f FallbackFunc[T]) Execute(ctx context.Context, cause *errors.CallError) (T, error) {
	return f(ctx, cause)
}

// StaticFallback returns a static value on failure.
type StaticFallback[T any] struct {
	Value T
}

// Execute implements FallbackStrategy.
func (s *StaticFallback[T]) Execute(context.Context, *errors.CallError) (T, error) {
	return s.Value, nil
}

// CachedFallback returns the last known good value on failure.
type CachedFallback[T any] struct {
	mu    sync.RWMutex
	value T
	ok    bool
}

// Store remembers v as the last good value.
func (c *CachedFallback[T]) Store(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.ok = true
}

// Execute implements FallbackStrategy.
func (c *CachedFallback[T]) Execute(_ context.Context, cause *errors.CallError) (T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ok {
		var zero T
		return zero, errors.New(errors.KindUnknown, "no cached value available", cause).
			WithDetail("fallback", "cache").
			WithRetryable(false)
	}
	return c.value, nil
}

// ChainedFallback tries multiple fallbacks in sequence and returns the first
// success.
type ChainedFallback[T any] struct {
	Fallbacks []FallbackStrategy[T]
}

// Execute implements FallbackStrategy.
func (c *ChainedFallback[T]) Execute(ctx context.Context, cause *errors.CallError) (T, error) {
	var zero T
	var lastErr error = cause
	for _, fb := range c.Fallbacks {
		value, err := fb.Execute(ctx, cause)
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	return zero, lastErr
}
