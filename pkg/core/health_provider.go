// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultHealthCheckProvider implements HealthCheckProvider.
type DefaultHealthCheckProvider struct {
	checkers map[string]HealthChecker
	mu       sync.RWMutex
	cache    []HealthResult
	overall  HealthStatus
	cachedAt time.Time
	cacheTTL time.Duration
}

// NewDefaultHealthCheckProvider creates a new health check provider.
// cacheTTL bounds how long CheckAllCached may serve a previous result.
func NewDefaultHealthCheckProvider(cacheTTL time.Duration) *DefaultHealthCheckProvider {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &DefaultHealthCheckProvider{
		checkers: make(map[string]HealthChecker),
		cacheTTL: cacheTTL,
	}
}

// RegisterChecker registers a health checker for a component.
func (p *DefaultHealthCheckProvider) RegisterChecker(name string, checker HealthChecker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkers[name] = checker
	p.cachedAt = time.Time{}
}

// Check checks the health of a specific component.
func (p *DefaultHealthCheckProvider) Check(ctx context.Context, name string) (HealthResult, error) {
	p.mu.RLock()
	checker, exists := p.checkers[name]
	p.mu.RUnlock()

	if !exists {
		return HealthResult{}, fmt.Errorf("checker not registered: %s", name)
	}

	result := checker.Check(ctx)
	result.Component = name
	return result, nil
}

// CheckAll checks the health of all registered components.
// Returns individual results sorted by component name and the overall
// status (healthy only if all are healthy).
func (p *DefaultHealthCheckProvider) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	checkers := p.getAllCheckers()
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]HealthResult, 0, len(names))
	overall := HealthHealthy
	for _, name := range names {
		result := checkers[name].Check(ctx)
		result.Component = name
		if result.LastCheck.IsZero() {
			result.LastCheck = time.Now()
		}
		results = append(results, result)
		overall = Worst(overall, result.Status)
	}

	p.mu.Lock()
	p.cache = results
	p.overall = overall
	p.cachedAt = time.Now()
	p.mu.Unlock()

	return results, overall
}

// CheckAllCached returns the last CheckAll result while it is younger than
// the cache TTL, and runs a fresh check otherwise.
func (p *DefaultHealthCheckProvider) CheckAllCached(ctx context.Context) ([]HealthResult, HealthStatus) {
	p.mu.RLock()
	fresh := !p.cachedAt.IsZero() && time.Since(p.cachedAt) < p.cacheTTL
	if fresh {
		results := make([]HealthResult, len(p.cache))
		copy(results, p.cache)
		overall := p.overall
		p.mu.RUnlock()
		return results, overall
	}
	p.mu.RUnlock()
	return p.CheckAll(ctx)
}

// getAllCheckers returns a snapshot of all checkers.
func (p *DefaultHealthCheckProvider) getAllCheckers() map[string]HealthChecker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	checkers := make(map[string]HealthChecker, len(p.checkers))
	for name, checker := range p.checkers {
		checkers[name] = checker
	}
	return checkers
}

// SimpleHealthChecker is a basic health checker that returns a constant status.
// Useful for testing or components with static health.
type SimpleHealthChecker struct {
	status  HealthStatus
	message string
}

// NewSimpleHealthChecker creates a new simple health checker.
func NewSimpleHealthChecker(status HealthStatus, message string) *SimpleHealthChecker {
	return &SimpleHealthChecker{
		status:  status,
		message: message,
	}
}

// Check returns the constant health status.
func (s *SimpleHealthChecker) Check(ctx context.Context) HealthResult {
	return HealthResult{
		Status:    s.status,
		Message:   s.message,
		LastCheck: time.Now(),
	}
}

// FunctionHealthChecker wraps a function as a health checker.
type FunctionHealthChecker struct {
	fn func(ctx context.Context) HealthResult
}

// NewFunctionHealthChecker creates a health checker from a function.
func NewFunctionHealthChecker(fn func(ctx context.Context) HealthResult) *FunctionHealthChecker {
	return &FunctionHealthChecker{fn: fn}
}

// Check calls the underlying function.
func (f *FunctionHealthChecker) Check(ctx context.Context) HealthResult {
	result := f.fn(ctx)
	if result.LastCheck.IsZero() {
		result.LastCheck = time.Now()
	}
	return result
}
