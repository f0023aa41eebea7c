// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics ingests call and cache records into bounded buffers and
// projects them on demand into rates, percentiles and a health verdict.
package metrics

import (
	"context"
	"fmt"
	"maps"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/personaguard/pkg/core"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

// Config bounds the buffers and paces the periodic ticks.
type Config struct {
	CollectionInterval  time.Duration
	RetentionPeriod     time.Duration
	MaxRecords          int
	HealthCheckInterval time.Duration
	HealthWindow        time.Duration

	// TrackedEndpoints are always reported in per-endpoint health, even
	// before any record arrives for them.
	TrackedEndpoints []string
}

// DefaultConfig returns the default collector configuration.
func DefaultConfig() Config {
	return Config{
		CollectionInterval:  time.Minute,
		RetentionPeriod:     time.Hour,
		MaxRecords:          10000,
		HealthCheckInterval: 30 * time.Second,
		HealthWindow:        5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CollectionInterval <= 0 {
		c.CollectionInterval = d.CollectionInterval
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = d.RetentionPeriod
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = d.MaxRecords
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.HealthWindow <= 0 {
		c.HealthWindow = d.HealthWindow
	}
	tracked := make([]string, 0, len(c.TrackedEndpoints))
	for _, name := range c.TrackedEndpoints {
		tracked = append(tracked, endpointName(name))
	}
	c.TrackedEndpoints = tracked
	return c
}

// Collector is the metrics and health sink. It is safe for concurrent use
// and never panics on malformed input.
type Collector struct {
	cfg     Config
	logger  *telemetry.Logger
	otel    *telemetry.ResilienceMetrics
	emitter core.EventEmitter
	now     func() time.Time

	mu       sync.RWMutex
	calls    *ring[CallRecord]
	cacheOps *ring[CacheOperationRecord]

	// concurrency
	nextToken   uint64
	open        map[uint64]struct{}
	active      int
	peak        int
	integral    float64
	lastChange  time.Time
	epoch       time.Time
	failures    int
	lastHealthy bool
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the logger used for snapshots and health changes.
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithOTelMetrics publishes health gauges through m.
func WithOTelMetrics(m *telemetry.ResilienceMetrics) Option {
	return func(c *Collector) { c.otel = m }
}

// WithEmitter sets where health changes are emitted.
func WithEmitter(e core.EventEmitter) Option {
	return func(c *Collector) {
		if e != nil {
			c.emitter = e
		}
	}
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCollector creates a collector. Zero config fields take defaults.
func NewCollector(cfg Config, opts ...Option) *Collector {
	cfg = cfg.withDefaults()
	c := &Collector{
		cfg:         cfg,
		emitter:     core.NoopEventEmitter{},
		now:         time.Now,
		calls:       newRing[CallRecord](cfg.MaxRecords),
		cacheOps:    newRing[CacheOperationRecord](cfg.MaxRecords),
		open:        make(map[uint64]struct{}),
		lastHealthy: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.epoch = c.now()
	c.lastChange = c.epoch
	return c
}

// Config returns the effective configuration.
func (c *Collector) Config() Config {
	cfg := c.cfg
	cfg.TrackedEndpoints = append([]string(nil), c.cfg.TrackedEndpoints...)
	return cfg
}

// RecordAPICall appends a call record. Missing fields are defaulted.
func (c *Collector) RecordAPICall(rec CallRecord) {
	now := c.now()
	rec = normalizeCall(rec, now)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.push(rec)
	c.cleanupHeadLocked(now)
}

// RecordCacheOperation appends a cache record. Missing fields are defaulted.
func (c *Collector) RecordCacheOperation(rec CacheOperationRecord) {
	now := c.now()
	rec = normalizeCacheOp(rec, now)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheOps.push(rec)
	c.cleanupHeadLocked(now)
}

// RecordAPICallStart marks a call in flight.
func (c *Collector) RecordAPICallStart() CallToken {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked(now)
	c.nextToken++
	id := c.nextToken
	c.open[id] = struct{}{}
	c.active++
	if c.active > c.peak {
		c.peak = c.active
	}
	return CallToken{id: id, started: now}
}

// RecordAPICallEnd completes a token and records rec. A token completed
// twice is ignored the second time. A zero token only records rec. When
// rec has no response time it is derived from the token.
func (c *Collector) RecordAPICallEnd(token CallToken, rec CallRecord) {
	now := c.now()
	c.mu.Lock()
	if token.id != 0 {
		if _, ok := c.open[token.id]; !ok {
			c.mu.Unlock()
			return
		}
		c.advanceLocked(now)
		delete(c.open, token.id)
		c.active--
	}
	c.mu.Unlock()

	if rec.ResponseTimeMs == 0 && !token.started.IsZero() {
		rec.ResponseTimeMs = float64(now.Sub(token.started)) / float64(time.Millisecond)
	}
	c.RecordAPICall(rec)
}

// GetMetrics cleans the buffers and returns a snapshot at the current time.
func (c *Collector) GetMetrics() Snapshot {
	now := c.now()
	c.mu.Lock()
	c.cleanupLocked(now)
	calls := c.calls.items()
	ops := c.cacheOps.items()
	conc := c.concurrencyLocked(now)
	failures := c.failures
	c.mu.Unlock()

	return c.build(calls, ops, now, conc, failures)
}

// GetMetricsForPeriod computes a snapshot over records timestamped within
// [start, end], with end as the reference instant. The live buffers are
// only read.
func (c *Collector) GetMetricsForPeriod(start, end time.Time) (Snapshot, error) {
	if end.Before(start) {
		return Snapshot{}, fmt.Errorf("invalid period: end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	now := c.now()
	c.mu.RLock()
	calls := filterCalls(c.calls.items(), start, end)
	ops := filterCacheOps(c.cacheOps.items(), start, end)
	conc := c.concurrencyLocked(now)
	failures := c.failures
	c.mu.RUnlock()

	s := c.build(calls, ops, end, conc, failures)
	s.Period = &Period{Start: start, End: end}
	return s, nil
}

// ResetMetrics clears buffers, concurrency counters and the health state.
func (c *Collector) ResetMetrics() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls.reset()
	c.cacheOps.reset()
	clear(c.open)
	c.active = 0
	c.peak = 0
	c.integral = 0
	c.epoch = now
	c.lastChange = now
	c.failures = 0
	c.lastHealthy = true
}

// Health evaluates the current verdict without advancing the failure counter.
func (c *Collector) Health() Health {
	now := c.now()
	c.mu.Lock()
	c.cleanupLocked(now)
	calls := c.calls.items()
	failures := c.failures
	c.mu.Unlock()
	return evaluateHealth(calls, now, c.cfg.HealthWindow, failures, c.cfg.TrackedEndpoints)
}

// HealthTick is one periodic health check: a trailing error rate above
// FailingErrorRate extends the consecutive-failure streak, anything else
// resets it. A change of verdict is logged and emitted.
func (c *Collector) HealthTick(ctx context.Context) Health {
	now := c.now()
	c.mu.Lock()
	c.cleanupLocked(now)
	calls := c.calls.items()
	rate := evaluateHealth(calls, now, c.cfg.HealthWindow, c.failures, nil).ErrorRate
	if rate > FailingErrorRate {
		c.failures++
	} else {
		c.failures = 0
	}
	failures := c.failures
	c.mu.Unlock()

	h := evaluateHealth(calls, now, c.cfg.HealthWindow, failures, c.cfg.TrackedEndpoints)

	c.mu.Lock()
	changed := h.Healthy != c.lastHealthy
	c.lastHealthy = h.Healthy
	c.mu.Unlock()

	c.otel.RecordHealthStatus(ctx, "collector", h.Status.Gauge())
	if changed {
		level := telemetry.LevelInfo
		msg := "service health recovered"
		if !h.Healthy {
			level = telemetry.LevelCritical
			msg = "service health lost"
		}
		c.logger.Log(ctx, level, msg,
			"errorRate", h.ErrorRate,
			"consecutiveFailures", h.ConsecutiveFailures,
			"status", string(h.Status),
		)
		c.emitter.Emit(ctx, core.NewEvent(ctx, core.EventHealthChanged, "metrics", map[string]any{
			"healthy":             h.Healthy,
			"status":              string(h.Status),
			"errorRate":           h.ErrorRate,
			"consecutiveFailures": h.ConsecutiveFailures,
		}))
	}
	return h
}

// Check implements core.HealthChecker.
func (c *Collector) Check(ctx context.Context) core.HealthResult {
	h := c.Health()
	msg := fmt.Sprintf("error rate %.2f%% over %s, %d consecutive failing checks",
		h.ErrorRate, c.cfg.HealthWindow, h.ConsecutiveFailures)
	return core.HealthResult{
		Status:    h.Status,
		Component: "metrics",
		Message:   msg,
		LastCheck: h.CheckedAt,
		Details: map[string]any{
			"healthy":        h.Healthy,
			"errorRate":      h.ErrorRate,
			"windowRequests": h.WindowRequests,
		},
	}
}

// Start runs the health and collection ticks until ctx is done.
func (c *Collector) Start(ctx context.Context) error {
	health := time.NewTicker(c.cfg.HealthCheckInterval)
	defer health.Stop()
	collect := time.NewTicker(c.cfg.CollectionInterval)
	defer collect.Stop()

	c.logger.Info(ctx, "metrics collector started",
		"healthCheckInterval", c.cfg.HealthCheckInterval.String(),
		"collectionInterval", c.cfg.CollectionInterval.String(),
		"maxRecords", c.cfg.MaxRecords,
	)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info(context.Background(), "metrics collector stopped")
			return nil
		case <-health.C:
			c.HealthTick(ctx)
		case <-collect.C:
			s := c.GetMetrics()
			c.logger.Debug(ctx, "metrics snapshot",
				"calls", s.APICalls.Total,
				"errorRate", s.APICalls.ErrorRate,
				"p95Ms", s.ResponseTimes.P95,
				"cacheHitRate", s.Cache.HitRate,
				"activeRequests", s.Concurrency.Active,
				"health", string(s.Health.Status),
			)
		}
	}
}

func (c *Collector) build(calls []CallRecord, ops []CacheOperationRecord, ref time.Time, conc ConcurrencyStats, failures int) Snapshot {
	return Snapshot{
		Timestamp:     ref,
		APICalls:      computeAPICalls(calls),
		ResponseTimes: computeResponseTimes(calls),
		Cache:         computeCache(ops),
		Errors:        computeErrors(calls),
		Throughput:    computeThroughput(calls, ref),
		Concurrency:   conc,
		Health:        evaluateHealth(calls, ref, c.cfg.HealthWindow, failures, c.cfg.TrackedEndpoints),
	}
}

// must hold c.mu
func (c *Collector) advanceLocked(now time.Time) {
	if now.After(c.lastChange) {
		c.integral += float64(c.active) * now.Sub(c.lastChange).Seconds()
		c.lastChange = now
	}
}

// concurrencyLocked reads the counters; the integral is extended to now
// without being stored, so read locks suffice.
func (c *Collector) concurrencyLocked(now time.Time) ConcurrencyStats {
	integral := c.integral
	if now.After(c.lastChange) {
		integral += float64(c.active) * now.Sub(c.lastChange).Seconds()
	}
	avg := float64(c.active)
	if elapsed := now.Sub(c.epoch).Seconds(); elapsed > 0 {
		avg = integral / elapsed
	}
	return ConcurrencyStats{Active: c.active, Peak: c.peak, Average: round2(avg)}
}

// cleanupHeadLocked drops expired records from the head of each buffer; the
// capacity bound is enforced by the ring itself.
func (c *Collector) cleanupHeadLocked(now time.Time) {
	horizon := now.Add(-c.cfg.RetentionPeriod)
	c.calls.dropOldestWhile(func(r CallRecord) bool { return r.Timestamp.Before(horizon) })
	c.cacheOps.dropOldestWhile(func(r CacheOperationRecord) bool { return r.Timestamp.Before(horizon) })
}

// cleanupLocked removes every expired record, wherever it sits.
func (c *Collector) cleanupLocked(now time.Time) {
	horizon := now.Add(-c.cfg.RetentionPeriod)
	c.calls.retain(func(r CallRecord) bool { return !r.Timestamp.Before(horizon) })
	c.cacheOps.retain(func(r CacheOperationRecord) bool { return !r.Timestamp.Before(horizon) })
}

func normalizeCall(rec CallRecord, now time.Time) CallRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Endpoint = endpointName(rec.Endpoint)
	if rec.Method == "" {
		rec.Method = "GET"
	}
	if v := rec.ResponseTimeMs; math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		rec.ResponseTimeMs = 0
	}
	if rec.RetryAttempt < 0 {
		rec.RetryAttempt = 0
	}
	rec.Params = maps.Clone(rec.Params)
	return rec
}

func normalizeCacheOp(rec CacheOperationRecord, now time.Time) CacheOperationRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	if rec.Operation == "" {
		rec.Operation = CacheGet
	}
	rec.Endpoint = endpointName(rec.Endpoint)
	if rec.Result == "" {
		rec.Result = CacheMiss
	}
	return rec
}

// endpointName defaults empty names and replaces invalid UTF-8, since
// endpoints become Prometheus label values.
func endpointName(name string) string {
	if name == "" {
		return "unknown"
	}
	return strings.ToValidUTF8(name, "\uFFFD")
}

func filterCalls(calls []CallRecord, start, end time.Time) []CallRecord {
	out := make([]CallRecord, 0, len(calls))
	for _, r := range calls {
		if !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
			out = append(out, r)
		}
	}
	return out
}

func filterCacheOps(ops []CacheOperationRecord, start, end time.Time) []CacheOperationRecord {
	out := make([]CacheOperationRecord, 0, len(ops))
	for _, r := range ops {
		if !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
			out = append(out, r)
		}
	}
	return out
}
