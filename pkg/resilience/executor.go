// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/personaguard/pkg/core"
	"github.com/jllopis/personaguard/pkg/errors"
	"github.com/jllopis/personaguard/pkg/fallback"
	"github.com/jllopis/personaguard/pkg/metrics"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

const eventSource = "resilience"

// DegradedWarning is attached to every outcome served from fallback data.
const DegradedWarning = "degraded response: fallback data served in place of the recommendation service"

// CallFunc performs one attempt of a remote call with the current parameters.
type CallFunc[T any] func(ctx context.Context, params map[string]any) (T, error)

// Recorder receives one record per attempt. *metrics.Collector implements it.
type Recorder interface {
	RecordAPICallStart() metrics.CallToken
	RecordAPICallEnd(token metrics.CallToken, rec metrics.CallRecord)
}

// Outcome is the terminal state of a logical operation.
type Outcome[T any] struct {
	Value          T
	Attempts       int
	Degraded       bool
	FallbackReason fallback.Reason
	LastError      *errors.CallError
	LastHandling   *HandlingResult
	Warnings       []string
	Duration       time.Duration
}

// Executor drives the caller side of the retry state machine: it performs
// attempts, asks the engine for a decision, honours the delay and defers to
// a fallback strategy when retrying stops.
type Executor struct {
	engine   atomic.Pointer[Engine]
	recorder Recorder
	logger   *telemetry.Logger
	metrics  *telemetry.ResilienceMetrics
	emitter  core.EventEmitter
	tracer   trace.Tracer
	timeout  TimeoutConfig
	sleep    func(ctx context.Context, d time.Duration) error

	breakerConfig *CircuitBreakerConfig
	breakers      *BreakerSet
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRecorder reports every attempt to r.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithLogger sets the logger handling results are written to.
func WithLogger(l *telemetry.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the OTel instruments.
func WithMetrics(m *telemetry.ResilienceMetrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithEmitter sets the event emitter.
func WithEmitter(em core.EventEmitter) ExecutorOption {
	return func(e *Executor) {
		if em != nil {
			e.emitter = em
		}
	}
}

// WithTracer overrides the tracer used for call spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithAttemptTimeout bounds each attempt.
func WithAttemptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = TimeoutConfig{Duration: d} }
}

// WithCircuitBreakers enables one breaker per endpoint.
func WithCircuitBreakers(cfg CircuitBreakerConfig) ExecutorOption {
	return func(e *Executor) { e.breakerConfig = &cfg }
}

// WithSleep replaces the delay function, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// NewExecutor creates an executor around engine. A nil engine means
// DefaultEngine().
func NewExecutor(engine *Engine, opts ...ExecutorOption) *Executor {
	if engine == nil {
		engine = DefaultEngine()
	}
	e := &Executor{
		emitter: core.NoopEventEmitter{},
		tracer:  otel.Tracer("personaguard/resilience"),
		sleep:   sleepContext,
	}
	e.engine.Store(engine)
	for _, opt := range opts {
		opt(e)
	}
	if e.breakerConfig != nil {
		e.breakers = NewBreakerSet(*e.breakerConfig, e.breakerChanged)
	}
	return e
}

// Engine returns the current engine.
func (e *Executor) Engine() *Engine {
	return e.engine.Load()
}

// SetEngine swaps the engine used by subsequent decisions. Calls in flight
// pick it up at their next failure.
func (e *Executor) SetEngine(engine *Engine) {
	if engine != nil {
		e.engine.Store(engine)
	}
}

// Breakers returns the breaker set, or nil when breakers are disabled.
func (e *Executor) Breakers() *BreakerSet {
	return e.breakers
}

// NewCallContext creates a call context using the current engine ceiling.
func (e *Executor) NewCallContext(ctx context.Context, endpoint, method string, params map[string]any) *CallContext {
	return NewCallContext(ctx, endpoint, method, params, e.Engine().Policy().MaxAttempts)
}

// Execute runs call until it succeeds, the engine refuses another attempt
// or ctx is done. When retrying stops on a fallback-eligible failure and fb
// is non-nil, the fallback value is returned as a degraded outcome with a
// nil error. Authentication, authorization and not-found failures are always
// surfaced.
func Execute[T any](ctx context.Context, ex *Executor, cc *CallContext, call CallFunc[T], fb FallbackStrategy[T]) (out Outcome[T], err error) {
	if cc.CorrelationID != "" {
		ctx = core.WithCorrelationID(ctx, cc.CorrelationID)
	} else {
		ctx, cc.CorrelationID = core.EnsureCorrelationID(ctx)
	}

	ctx, span := ex.tracer.Start(ctx, "personaguard.call",
		trace.WithAttributes(telemetry.CallAttributes(cc.Endpoint, cc.Method, cc.CorrelationID, cc.AttemptNumber, cc.MaxAttempts)...))
	defer span.End()

	defer func() { out.Duration = cc.Elapsed() }()

	var breaker *CircuitBreaker
	if ex.breakers != nil {
		breaker = ex.breakers.Get(cc.Endpoint)
	}

	for {
		if breaker != nil && !breaker.Allow() {
			cause := breaker.openError().WithCorrelationID(cc.CorrelationID)
			out.LastError = cause
			ex.logger.Warn(ctx, "circuit open, skipping remote call", "endpoint", cc.Endpoint)
			return deferToFallback(ctx, ex, cc, cause, fb, span, out)
		}

		value, cause := attempt(ctx, ex, cc, call)
		out.Attempts = cc.AttemptNumber
		if cause == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			out.Value = value
			out.LastError = nil
			span.SetStatus(codes.Ok, "")
			ex.emitter.Emit(ctx, core.NewEvent(ctx, core.EventCallSucceeded, eventSource, map[string]any{
				"endpoint": cc.Endpoint,
				"attempts": cc.AttemptNumber,
			}))
			return out, nil
		}
		out.LastError = cause

		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "context done")
			return out, errors.Classify(ctxErr).WithCorrelationID(cc.CorrelationID)
		}

		res := ex.Engine().Handle(cause, cc)
		out.LastHandling = &res
		if breaker != nil && res.FallbackEligible {
			breaker.RecordFailure()
		}
		ex.logHandling(ctx, cc, cause, res)
		span.AddEvent("handled", trace.WithAttributes(
			telemetry.RetryAttributes(string(res.Kind), res.ShouldRetry, res.DelayMs, res.CorrectedFields())...))

		if res.ShouldRetry {
			ex.metrics.RecordRetry(ctx, string(res.Kind), cc.Endpoint)
			ex.emitter.Emit(ctx, core.NewEvent(ctx, core.EventRetryScheduled, eventSource, map[string]any{
				"endpoint":        cc.Endpoint,
				"kind":            string(res.Kind),
				"attempt":         cc.AttemptNumber,
				"delayMs":         res.DelayMs,
				"correctedFields": res.CorrectedFields(),
			}))
			cc.ApplyCorrections(res.CorrectedParams)
			delay := res.Delay
			if len(res.CorrectedParams) > 0 {
				delay = 0
			}
			if sleepErr := ex.sleep(ctx, delay); sleepErr != nil {
				span.SetStatus(codes.Error, "context done")
				return out, errors.Classify(sleepErr).WithCorrelationID(cc.CorrelationID)
			}
			cc.NextAttempt()
			continue
		}

		if res.FallbackEligible && fb != nil {
			return deferToFallback(ctx, ex, cc, cause, fb, span, out)
		}

		span.RecordError(cause)
		span.SetStatus(codes.Error, string(cause.Kind))
		ex.emitter.Emit(ctx, core.NewEvent(ctx, core.EventCallFailed, eventSource, map[string]any{
			"endpoint": cc.Endpoint,
			"kind":     string(cause.Kind),
			"attempts": cc.AttemptNumber,
		}))
		return out, cause
	}
}

func attempt[T any](ctx context.Context, ex *Executor, cc *CallContext, call CallFunc[T]) (T, *errors.CallError) {
	var token metrics.CallToken
	if ex.recorder != nil {
		token = ex.recorder.RecordAPICallStart()
	}
	params := cc.Params
	started := time.Now()
	value, err := WithTimeout(ctx, ex.timeout, func(ctx context.Context) (T, error) {
		return call(ctx, params)
	})
	elapsed := time.Since(started)

	var cause *errors.CallError
	if err != nil {
		classified := errors.Classify(err)
		copied := *classified
		if copied.CorrelationID == "" {
			copied.CorrelationID = cc.CorrelationID
		}
		cause = &copied
	}

	ex.metrics.RecordAttempt(ctx, cc.Endpoint, cause == nil, elapsed)
	if cause != nil {
		ex.metrics.RecordError(ctx, string(cause.Kind), cc.Endpoint)
	}
	if ex.recorder != nil {
		rec := metrics.CallRecord{
			Timestamp:      started,
			Endpoint:       cc.Endpoint,
			Method:         cc.Method,
			Params:         params,
			ResponseTimeMs: float64(elapsed) / float64(time.Millisecond),
			Success:        cause == nil,
			RetryAttempt:   cc.AttemptNumber - 1,
			CallerID:       cc.CallerID,
			SessionID:      cc.SessionID,
		}
		if cause != nil {
			rec.ErrorKind = cause.Kind
			rec.StatusCode = cause.StatusCode
		}
		ex.recorder.RecordAPICallEnd(token, rec)
	}
	return value, cause
}

func deferToFallback[T any](ctx context.Context, ex *Executor, cc *CallContext, cause *errors.CallError, fb FallbackStrategy[T], span trace.Span, out Outcome[T]) (Outcome[T], error) {
	if fb == nil {
		span.SetStatus(codes.Error, string(cause.Kind))
		return out, cause
	}
	value, err := fb.Execute(ctx, cause)
	if err != nil {
		ex.logger.Error(ctx, "fallback failed", "endpoint", cc.Endpoint, "kind", string(cause.Kind), "error", err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, "fallback failed")
		return out, cause
	}

	out.Value = value
	out.Degraded = true
	out.FallbackReason = fallback.ReasonFor(cause, cc.AttemptNumber)
	out.Warnings = append(out.Warnings, DegradedWarning)

	span.SetAttributes(
		attribute.Bool("personaguard.degraded", true),
		attribute.String(telemetry.AttrFallbackReason, string(out.FallbackReason)),
	)
	ex.emitter.Emit(ctx, core.NewEvent(ctx, core.EventFallbackServed, eventSource, map[string]any{
		"endpoint": cc.Endpoint,
		"kind":     string(cause.Kind),
		"reason":   string(out.FallbackReason),
		"attempts": cc.AttemptNumber,
	}))
	ex.logger.Warn(ctx, "serving fallback data",
		"endpoint", cc.Endpoint,
		"kind", string(cause.Kind),
		"reason", string(out.FallbackReason),
		"attempts", cc.AttemptNumber,
	)
	return out, nil
}

func (e *Executor) logHandling(ctx context.Context, cc *CallContext, cause *errors.CallError, res HandlingResult) {
	args := []any{
		"endpoint", cc.Endpoint,
		"method", cc.Method,
		"kind", string(res.Kind),
		"code", cause.Code,
		"attempt", cc.AttemptNumber,
		"maxAttempts", cc.MaxAttempts,
		"shouldRetry", res.ShouldRetry,
		"retryDelayMs", res.DelayMs,
		"params", cc.Params,
		"diagnostics", res.Diagnostics,
	}
	if len(res.CorrectedParams) > 0 {
		args = append(args, "correctedParams", res.CorrectedParams)
	}
	if res.Suggestion != "" {
		args = append(args, "suggestion", res.Suggestion)
	}
	e.logger.Log(ctx, res.LogLevel, cause.Message, args...)
}

func (e *Executor) breakerChanged(name string, from, to CircuitBreakerState) {
	ctx := context.Background()
	e.metrics.RecordCircuitBreakerState(ctx, name, to.Gauge())
	e.emitter.Emit(ctx, core.NewEvent(ctx, core.EventCircuitChanged, eventSource, map[string]any{
		"endpoint": name,
		"from":     string(from),
		"to":       string(to),
	}))
	level := telemetry.LevelInfo
	if to == StateOpen {
		level = telemetry.LevelWarn
	}
	e.logger.Log(ctx, level, "circuit breaker state changed", "endpoint", name, "from", string(from), "to", string(to))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
