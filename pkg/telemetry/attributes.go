// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides structured logging with mandatory redaction and
// OpenTelemetry integration for the resilience layer.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for resilience telemetry.
// These follow OpenTelemetry naming conventions where applicable.
const (
	// Call attributes
	AttrEndpoint      = "personaguard.call.endpoint"
	AttrMethod        = "http.request.method"
	AttrAttempt       = "personaguard.call.attempt"
	AttrMaxAttempts   = "personaguard.call.max_attempts"
	AttrCorrelationID = "personaguard.correlation_id"
	AttrSessionID     = "personaguard.session.id"
	AttrCallerID      = "personaguard.caller.id"
	AttrStatusCode    = "http.response.status_code"
	AttrDurationMs    = "personaguard.call.duration_ms"
	AttrOutcome       = "personaguard.call.outcome"

	// Error handling attributes
	AttrErrorKind   = "personaguard.error.kind"
	AttrShouldRetry = "personaguard.retry.should_retry"
	AttrRetryDelay  = "personaguard.retry.delay_ms"
	AttrCorrected   = "personaguard.retry.corrected_fields"

	// Fallback attributes
	AttrFallbackKind   = "personaguard.fallback.kind"
	AttrFallbackReason = "personaguard.fallback.reason"
	AttrFallbackCount  = "personaguard.fallback.count"
	AttrFallbackBytes  = "personaguard.fallback.payload_bytes"

	// Health attributes
	AttrComponent    = "personaguard.component"
	AttrHealthStatus = "personaguard.health.status"
	AttrBreakerState = "personaguard.circuitbreaker.state"
)

// CallAttributes returns common attributes for a call span.
func CallAttributes(endpoint, method, correlationID string, attempt, maxAttempts int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrEndpoint, endpoint),
		attribute.String(AttrMethod, method),
	}
	if correlationID != "" {
		attrs = append(attrs, attribute.String(AttrCorrelationID, correlationID))
	}
	if attempt > 0 {
		attrs = append(attrs, attribute.Int(AttrAttempt, attempt))
	}
	if maxAttempts > 0 {
		attrs = append(attrs, attribute.Int(AttrMaxAttempts, maxAttempts))
	}
	return attrs
}

// RetryAttributes returns attributes describing a handling decision.
func RetryAttributes(kind string, shouldRetry bool, delayMs int64, corrected []string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrErrorKind, kind),
		attribute.Bool(AttrShouldRetry, shouldRetry),
	}
	if shouldRetry {
		attrs = append(attrs, attribute.Int64(AttrRetryDelay, delayMs))
	}
	if len(corrected) > 0 {
		attrs = append(attrs, attribute.StringSlice(AttrCorrected, corrected))
	}
	return attrs
}

// FallbackAttributes returns attributes for a fallback emission.
func FallbackAttributes(kind, reason string, count, payloadBytes int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrFallbackKind, kind),
		attribute.String(AttrFallbackReason, reason),
		attribute.Int(AttrFallbackCount, count),
		attribute.Int(AttrFallbackBytes, payloadBytes),
	}
}
