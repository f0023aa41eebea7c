// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds the vocabulary shared by the resilience components:
// health status, health checkers, semantic events and request-scoped ids.
package core

import (
	"context"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	// HealthHealthy indicates the component is fully operational.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the component is operational but with reduced capacity.
	HealthDegraded HealthStatus = "degraded"

	// HealthUnhealthy indicates the component is not operational.
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Severity orders statuses so the worst one can be picked.
func (s HealthStatus) Severity() int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// Worst returns the more severe of two statuses.
func Worst(a, b HealthStatus) HealthStatus {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// Gauge converts a status to the numeric scale used by metric exporters
// (0=unhealthy, 1=degraded, 2=healthy).
func (s HealthStatus) Gauge() int64 {
	return int64(2 - s.Severity())
}

// HealthResult represents the result of a health check.
type HealthResult struct {
	Status    HealthStatus   `json:"status"`
	Component string         `json:"component"`
	Message   string         `json:"message,omitempty"`
	LastCheck time.Time      `json:"lastCheck"`
	Details   map[string]any `json:"details,omitempty"`
	Error     error          `json:"-"`
}

// HealthChecker checks the health of a component.
type HealthChecker interface {
	// Check returns the current health status of the component.
	// The context can be used to implement timeouts.
	Check(ctx context.Context) HealthResult
}

// HealthCheckProvider provides health check results for multiple components.
type HealthCheckProvider interface {
	// RegisterChecker registers a health checker for a component.
	RegisterChecker(name string, checker HealthChecker)

	// CheckAll checks the health of all registered components.
	// Returns individual results and overall status.
	CheckAll(ctx context.Context) ([]HealthResult, HealthStatus)

	// Check checks the health of a specific component.
	Check(ctx context.Context, name string) (HealthResult, error)
}
