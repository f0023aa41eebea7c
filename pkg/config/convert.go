// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/jllopis/personaguard/pkg/errors"
	"github.com/jllopis/personaguard/pkg/fallback"
	"github.com/jllopis/personaguard/pkg/metrics"
	"github.com/jllopis/personaguard/pkg/resilience"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

// Policy converts the retry section. Unknown kinds are skipped; Validate
// reports them.
func (r RetryConfig) Policy() resilience.Policy {
	kinds := make([]errors.Kind, 0, len(r.RetryableKinds))
	for _, s := range r.RetryableKinds {
		if k, err := errors.ParseKind(s); err == nil {
			kinds = append(kinds, k)
		}
	}
	return resilience.Policy{
		MaxAttempts:       r.MaxAttempts,
		BaseDelay:         r.BaseDelay,
		MaxDelay:          r.MaxDelay,
		BackoffMultiplier: r.BackoffMultiplier,
		JitterEnabled:     r.Jitter,
		RetryableKinds:    kinds,
	}
}

// Breaker converts the circuit breaker section.
func (c CircuitBreakerConfig) Breaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.OpenTimeout,
	}
}

// Collector converts the metrics section.
func (m MetricsConfig) Collector() metrics.Config {
	return metrics.Config{
		CollectionInterval:  m.CollectionInterval,
		RetentionPeriod:     m.RetentionPeriod,
		MaxRecords:          m.MaxRecords,
		HealthCheckInterval: m.HealthCheckInterval,
		HealthWindow:        m.HealthWindow,
		TrackedEndpoints:    append([]string(nil), m.TrackedEndpoints...),
	}
}

// Synthesizer converts the fallback size bounds.
func (f FallbackConfig) Synthesizer() fallback.Config {
	return fallback.Config{
		MinEntities:  f.MinEntities,
		MaxEntities:  f.MaxEntities,
		MaxTags:      f.MaxTags,
		MaxAudiences: f.MaxAudiences,
	}
}

// SDK converts the telemetry section for telemetry.InitWithConfig.
func (t TelemetryConfig) SDK() telemetry.Config {
	return telemetry.Config{
		Exporter:           t.Exporter,
		OTLPEndpoint:       t.OTLPEndpoint,
		OTLPInsecure:       t.OTLPInsecure,
		OTLPTimeoutSeconds: t.OTLPTimeoutSeconds,
		MetricInterval:     t.MetricInterval,
	}
}
