// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ResilienceMetrics tracks attempts, retries, fallbacks and health through
// OpenTelemetry instruments. A nil *ResilienceMetrics is a valid no-op.
type ResilienceMetrics struct {
	// attemptCounter tracks every remote attempt by endpoint and outcome
	attemptCounter metric.Int64Counter

	// retryCounter tracks scheduled retries by error kind
	retryCounter metric.Int64Counter

	// fallbackCounter tracks fallback emissions by kind and reason
	fallbackCounter metric.Int64Counter

	// errorCounter tracks classified failures by kind and endpoint
	errorCounter metric.Int64Counter

	// durationHistogram tracks attempt latency in milliseconds
	durationHistogram metric.Float64Histogram

	// healthStatusGauge tracks component health (0=unhealthy, 1=degraded, 2=healthy)
	healthStatusGauge metric.Int64Gauge

	// circuitBreakerStateGauge tracks breaker state per endpoint
	circuitBreakerStateGauge metric.Int64Gauge
}

// NewResilienceMetrics creates the instruments on the global meter provider.
func NewResilienceMetrics(ctx context.Context) (*ResilienceMetrics, error) {
	meter := otel.Meter("personaguard/resilience")

	attemptCounter, err := meter.Int64Counter(
		"personaguard.calls.attempts",
		metric.WithDescription("Remote call attempts by endpoint and outcome"),
	)
	if err != nil {
		return nil, err
	}

	retryCounter, err := meter.Int64Counter(
		"personaguard.retries",
		metric.WithDescription("Retries scheduled by error kind"),
	)
	if err != nil {
		return nil, err
	}

	fallbackCounter, err := meter.Int64Counter(
		"personaguard.fallbacks",
		metric.WithDescription("Fallback payloads served by kind and reason"),
	)
	if err != nil {
		return nil, err
	}

	errorCounter, err := meter.Int64Counter(
		"personaguard.errors",
		metric.WithDescription("Classified call failures by kind and endpoint"),
	)
	if err != nil {
		return nil, err
	}

	durationHistogram, err := meter.Float64Histogram(
		"personaguard.call.duration",
		metric.WithDescription("Attempt latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	healthStatusGauge, err := meter.Int64Gauge(
		"personaguard.health.status",
		metric.WithDescription("Component health status (0=unhealthy, 1=degraded, 2=healthy)"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerStateGauge, err := meter.Int64Gauge(
		"personaguard.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per endpoint (0=open, 1=half-open, 2=closed)"),
	)
	if err != nil {
		return nil, err
	}

	return &ResilienceMetrics{
		attemptCounter:           attemptCounter,
		retryCounter:             retryCounter,
		fallbackCounter:          fallbackCounter,
		errorCounter:             errorCounter,
		durationHistogram:        durationHistogram,
		healthStatusGauge:        healthStatusGauge,
		circuitBreakerStateGauge: circuitBreakerStateGauge,
	}, nil
}

// RecordAttempt counts one attempt and its latency.
func (m *ResilienceMetrics) RecordAttempt(ctx context.Context, endpoint string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrEndpoint, endpoint),
		attribute.String(AttrOutcome, outcome),
	)
	m.attemptCounter.Add(ctx, 1, attrs)
	m.durationHistogram.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}

// RecordError counts a classified failure.
func (m *ResilienceMetrics) RecordError(ctx context.Context, kind, endpoint string) {
	if m == nil {
		return
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorKind, kind),
		attribute.String(AttrEndpoint, endpoint),
	))
}

// RecordRetry counts a scheduled retry.
func (m *ResilienceMetrics) RecordRetry(ctx context.Context, kind, endpoint string) {
	if m == nil {
		return
	}
	m.retryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorKind, kind),
		attribute.String(AttrEndpoint, endpoint),
	))
}

// RecordFallback counts a fallback emission.
func (m *ResilienceMetrics) RecordFallback(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	m.fallbackCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrFallbackKind, kind),
		attribute.String(AttrFallbackReason, reason),
	))
}

// RecordHealthStatus records the health status of a component (0=unhealthy, 1=degraded, 2=healthy).
func (m *ResilienceMetrics) RecordHealthStatus(ctx context.Context, component string, status int64) {
	if m == nil {
		return
	}
	m.healthStatusGauge.Record(ctx, status, metric.WithAttributes(
		attribute.String(AttrComponent, component),
	))
}

// RecordCircuitBreakerState records the breaker state (0=open, 1=half-open, 2=closed).
func (m *ResilienceMetrics) RecordCircuitBreakerState(ctx context.Context, endpoint string, state int64) {
	if m == nil {
		return
	}
	m.circuitBreakerStateGauge.Record(ctx, state, metric.WithAttributes(
		attribute.String(AttrEndpoint, endpoint),
	))
}
