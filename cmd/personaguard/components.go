// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"

	"github.com/jllopis/personaguard/pkg/audit"
	"github.com/jllopis/personaguard/pkg/config"
	"github.com/jllopis/personaguard/pkg/core"
	"github.com/jllopis/personaguard/pkg/fallback"
	"github.com/jllopis/personaguard/pkg/metrics"
	"github.com/jllopis/personaguard/pkg/resilience"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

// components is the object graph shared by serve and simulate.
type components struct {
	logger    *telemetry.Logger
	otel      *telemetry.ResilienceMetrics
	emitter   *core.FanoutEmitter
	collector *metrics.Collector
	audit     audit.Store
	synth     *fallback.Synthesizer
	executor  *resilience.Executor
	checks    *core.DefaultHealthCheckProvider
	live      *config.ReloadableConfig
	tail      *telemetry.MemorySink

	closers []func() error
}

func buildComponents(ctx context.Context, cfg *config.Config, slogger *slog.Logger, extra ...resilience.ExecutorOption) (*components, error) {
	c := &components{
		emitter: core.NewFanoutEmitter(),
		checks:  core.NewDefaultHealthCheckProvider(0),
		live:    config.NewReloadableConfig(cfg),
	}

	sinks := []telemetry.Sink{telemetry.NewSlogSink(slogger)}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		c.closers = append(c.closers, f.Close)
		sinks = append(sinks, telemetry.NewJSONSink(f))
	}
	if cfg.Log.TailSize > 0 {
		c.tail = telemetry.NewMemorySink(cfg.Log.TailSize)
		sinks = append(sinks, c.tail)
	}
	c.logger = telemetry.NewLogger("personaguard",
		telemetry.WithSinks(sinks...),
		telemetry.WithRedactor(telemetry.NewRedactor(cfg.Log.RedactKeys)),
		telemetry.WithMinLevel(telemetry.ParseLevel(cfg.Log.Level)),
	)

	otelMetrics, err := telemetry.NewResilienceMetrics(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("init resilience metrics: %w", err)
	}
	c.otel = otelMetrics

	c.collector = metrics.NewCollector(cfg.Metrics.Collector(),
		metrics.WithLogger(c.logger.Named("metrics")),
		metrics.WithOTelMetrics(c.otel),
		metrics.WithEmitter(c.emitter),
	)
	c.checks.RegisterChecker("metrics", c.collector)

	store, closeStore, err := openAuditStore(cfg.Audit)
	if err != nil {
		c.Close()
		return nil, err
	}
	if closeStore != nil {
		c.closers = append(c.closers, closeStore)
	}
	c.audit = store
	if store != nil {
		c.checks.RegisterChecker("audit", core.NewFunctionHealthChecker(func(ctx context.Context) core.HealthResult {
			if _, err := store.List(ctx, audit.Filter{Limit: 1}); err != nil {
				return core.HealthResult{Status: core.HealthDegraded, Message: "audit store unreachable", Error: err}
			}
			return core.HealthResult{Status: core.HealthHealthy, Message: "audit store " + cfg.Audit.Driver}
		}))
	}

	synthOpts := []fallback.Option{
		fallback.WithLogger(c.logger.Named("fallback")),
		fallback.WithMetrics(c.otel),
		fallback.WithConfig(cfg.Fallback.Synthesizer()),
	}
	if store != nil {
		synthOpts = append(synthOpts, fallback.WithAuditStore(store))
	}
	if cfg.Fallback.CatalogPath != "" {
		catalog, err := loadCatalogFile(cfg.Fallback.CatalogPath)
		if err != nil {
			c.Close()
			return nil, err
		}
		synthOpts = append(synthOpts, fallback.WithCatalog(catalog))
	}
	c.synth = fallback.NewSynthesizer(synthOpts...)

	execOpts := []resilience.ExecutorOption{
		resilience.WithRecorder(c.collector),
		resilience.WithLogger(c.logger.Named("resilience")),
		resilience.WithMetrics(c.otel),
		resilience.WithEmitter(c.emitter),
		resilience.WithAttemptTimeout(cfg.Retry.AttemptTimeout),
	}
	if cfg.CircuitBreaker.Enabled {
		execOpts = append(execOpts, resilience.WithCircuitBreakers(cfg.CircuitBreaker.Breaker()))
	}
	execOpts = append(execOpts, extra...)
	c.executor = resilience.NewExecutor(resilience.NewEngine(cfg.Retry.Policy()), execOpts...)
	if breakers := c.executor.Breakers(); breakers != nil {
		c.checks.RegisterChecker("circuit-breakers", core.NewFunctionHealthChecker(func(context.Context) core.HealthResult {
			return breakerHealth(breakers.States())
		}))
	}
	return c, nil
}

// applyConfig swaps the parts of the graph that follow a reloaded
// configuration. Only the retry policy is hot-swappable; other changed
// sections are reported as needing a restart.
func (c *components) applyConfig(cfg *config.Config) {
	prev := c.live.Get()
	c.live.Update(cfg)
	ctx := context.Background()

	if restart := restartSections(prev, cfg); len(restart) > 0 {
		c.logger.Warn(ctx, "config sections changed, restart to apply", "sections", strings.Join(restart, ","))
	}
	if reflect.DeepEqual(prev.Retry, cfg.Retry) {
		c.logger.Debug(ctx, "config reloaded, retry policy unchanged")
		return
	}
	c.executor.SetEngine(resilience.NewEngine(cfg.Retry.Policy()))
	c.logger.Info(ctx, "retry policy reloaded",
		"maxAttempts", cfg.Retry.MaxAttempts,
		"baseDelay", cfg.Retry.BaseDelay.String(),
		"maxDelay", cfg.Retry.MaxDelay.String(),
	)
}

// restartSections names the config sections that differ between prev and
// next and are only read at startup.
func restartSections(prev, next *config.Config) []string {
	var out []string
	for _, s := range []struct {
		name          string
		before, after any
	}{
		{"log", prev.Log, next.Log},
		{"circuit_breaker", prev.CircuitBreaker, next.CircuitBreaker},
		{"metrics", prev.Metrics, next.Metrics},
		{"fallback", prev.Fallback, next.Fallback},
		{"audit", prev.Audit, next.Audit},
		{"telemetry", prev.Telemetry, next.Telemetry},
		{"server", prev.Server, next.Server},
	} {
		if !reflect.DeepEqual(s.before, s.after) {
			out = append(out, s.name)
		}
	}
	return out
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warn(context.Background(), "close failed", "error", err.Error())
		}
	}
	c.closers = nil
}

func openAuditStore(cfg config.AuditConfig) (audit.Store, func() error, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil, nil
	case "memory":
		return audit.NewMemoryStore(cfg.MemoryLimit), nil, nil
	case "sqlite":
		store, err := audit.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit driver %q", cfg.Driver)
	}
}

func loadCatalogFile(path string) (*fallback.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fallback catalog: %w", err)
	}
	defer f.Close()
	catalog, err := fallback.LoadCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("load fallback catalog %s: %w", path, err)
	}
	return catalog, nil
}

// breakerHealth reports degraded while any breaker is not closed.
func breakerHealth(states map[string]resilience.CircuitBreakerState) core.HealthResult {
	open := make(map[string]any)
	for name, state := range states {
		if state != resilience.StateClosed {
			open[name] = string(state)
		}
	}
	if len(open) == 0 {
		return core.HealthResult{Status: core.HealthHealthy, Message: fmt.Sprintf("%d breakers closed", len(states))}
	}
	return core.HealthResult{
		Status:  core.HealthDegraded,
		Message: fmt.Sprintf("%d of %d breakers not closed", len(open), len(states)),
		Details: open,
	}
}
