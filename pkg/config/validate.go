// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"

	"github.com/jllopis/personaguard/pkg/errors"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

// Validate reports every impossible setting at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "console":
	default:
		add("log.format must be json, text or console, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "critical", "fatal":
	default:
		add("log.level %q is not a known level", c.Log.Level)
	}
	if c.Log.TailSize < 0 {
		add("log.tail_size must be >= 0")
	}

	r := c.Retry
	if r.MaxAttempts < 1 {
		add("retry.max_attempts must be >= 1")
	}
	if r.BaseDelay < 0 {
		add("retry.base_delay must not be negative")
	}
	if r.MaxDelay < r.BaseDelay {
		add("retry.max_delay must be >= retry.base_delay")
	}
	if r.BackoffMultiplier < 1 {
		add("retry.backoff_multiplier must be >= 1")
	}
	if r.AttemptTimeout < 0 {
		add("retry.attempt_timeout must not be negative")
	}
	for _, k := range r.RetryableKinds {
		if _, err := errors.ParseKind(k); err != nil {
			add("retry.retryable_kinds: %v", err)
		}
	}

	if cb := c.CircuitBreaker; cb.Enabled {
		if cb.FailureThreshold < 1 || cb.SuccessThreshold < 1 {
			add("circuit_breaker thresholds must be >= 1")
		}
		if cb.OpenTimeout <= 0 {
			add("circuit_breaker.open_timeout must be positive")
		}
	}

	m := c.Metrics
	if m.MaxRecords < 1 {
		add("metrics.max_records must be >= 1")
	}
	if m.RetentionPeriod <= 0 || m.CollectionInterval <= 0 || m.HealthCheckInterval <= 0 || m.HealthWindow <= 0 {
		add("metrics intervals and periods must be positive")
	}
	if m.HealthWindow > m.RetentionPeriod {
		add("metrics.health_window must not exceed metrics.retention_period")
	}

	f := c.Fallback
	if f.MinEntities < 1 || f.MaxEntities < f.MinEntities {
		add("fallback entity bounds must satisfy 1 <= min_entities <= max_entities")
	}
	if f.MaxTags < 1 || f.MaxAudiences < 1 {
		add("fallback.max_tags and fallback.max_audiences must be >= 1")
	}

	switch c.Audit.Driver {
	case "none", "memory":
	case "sqlite":
		if c.Audit.DSN == "" {
			add("audit.dsn is required for the sqlite driver")
		}
	default:
		add("audit.driver must be none, memory or sqlite, got %q", c.Audit.Driver)
	}

	switch c.Telemetry.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			add("telemetry.otlp_endpoint is required for the otlp exporter")
		}
	default:
		add("telemetry.exporter must be none, stdout or otlp, got %q", c.Telemetry.Exporter)
	}

	if c.Server.HTTPAddr == "" {
		add("server.http_addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Server.APIKey != "" {
		c.Server.APIKey = telemetry.DefaultMask
	}
	return c
}
