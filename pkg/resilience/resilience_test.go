// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/jllopis/personaguard/pkg/errors"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

func callContext(attempt, max int) *CallContext {
	cc := NewCallContext(context.Background(), "/v2/insights", "GET", map[string]any{"take": 10}, max)
	cc.AttemptNumber = attempt
	return cc
}

func TestCalculateRetryDelayWithoutJitter(t *testing.T) {
	engine := NewEngine(DefaultPolicy().WithJitter(false))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := engine.CalculateRetryDelay(tt.attempt); got != tt.want {
			t.Errorf("CalculateRetryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCalculateRetryDelayJitterBounds(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	for n := 1; n <= 8; n++ {
		base := NewEngine(DefaultPolicy().WithJitter(false)).CalculateRetryDelay(n)
		for i := 0; i < 50; i++ {
			got := engine.CalculateRetryDelay(n)
			if got < base || got >= base+time.Second {
				t.Fatalf("attempt %d: delay %v outside [%v, %v)", n, got, base, base+time.Second)
			}
			if got%time.Millisecond != 0 {
				t.Fatalf("attempt %d: delay %v not floored to the millisecond", n, got)
			}
		}
	}
}

func TestCalculateRetryDelayInjectedRand(t *testing.T) {
	engine := NewEngine(DefaultPolicy(), WithRand(func() float64 { return 0.9999 }))
	if got := engine.CalculateRetryDelay(1); got != 1999*time.Millisecond {
		t.Fatalf("expected 1999ms, got %v", got)
	}
	engine = NewEngine(DefaultPolicy(), WithRand(func() float64 { return 0 }))
	if got := engine.CalculateRetryDelay(2); got != 2*time.Second {
		t.Fatalf("expected 2s, got %v", got)
	}
}

func TestCalculateRetryDelayFloorsFractions(t *testing.T) {
	p := DefaultPolicy().WithJitter(false).WithBaseDelay(1500 * time.Microsecond)
	engine := NewEngine(p)
	if got := engine.CalculateRetryDelay(1); got != time.Millisecond {
		t.Fatalf("expected 1ms, got %v", got)
	}
	if got := engine.CalculateRetryDelay(2); got != 3*time.Millisecond {
		t.Fatalf("expected 3ms, got %v", got)
	}
}

func TestShouldRetry(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	tests := []struct {
		name string
		err  *errors.CallError
		cc   *CallContext
		want bool
	}{
		{"rate limit first attempt", errors.New(errors.KindRateLimit, "429", nil), callContext(1, 3), true},
		{"server error second attempt", errors.New(errors.KindServerError, "500", nil), callContext(2, 3), true},
		{"ceiling reached", errors.New(errors.KindServerError, "500", nil), callContext(3, 3), false},
		{"beyond ceiling", errors.New(errors.KindNetworkError, "dial", nil), callContext(4, 3), false},
		{"ceiling beats hint", errors.New(errors.KindNetworkError, "dial", nil).WithRetryable(true), callContext(3, 3), false},
		{"kind not retryable", errors.New(errors.KindAuthentication, "401", nil), callContext(1, 3), false},
		{"hint false", errors.New(errors.KindRateLimit, "429", nil).WithRetryable(false), callContext(1, 3), false},
		{"hint true does not add kinds", errors.New(errors.KindNotFound, "404", nil).WithRetryable(true), callContext(1, 3), false},
		{"nil error", nil, callContext(1, 3), false},
		{"nil context uses policy", errors.New(errors.KindServerError, "500", nil), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.ShouldRetry(tt.err, tt.cc); got != tt.want {
				t.Errorf("ShouldRetry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldRetryCeilingForAllKinds(t *testing.T) {
	engine := NewEngine(DefaultPolicy().WithRetryableKinds(errors.Kinds()...))
	for _, kind := range errors.Kinds() {
		err := errors.New(kind, "x", nil).WithRetryable(true)
		if engine.ShouldRetry(err, callContext(5, 5)) {
			t.Errorf("%s: retried at the ceiling", kind)
		}
		if !engine.ShouldRetry(err, callContext(1, 5)) {
			t.Errorf("%s: expected retry below the ceiling", kind)
		}
	}
}

func TestDecide(t *testing.T) {
	engine := NewEngine(DefaultPolicy().WithJitter(false))
	d := engine.Decide(errors.New(errors.KindServerError, "boom", nil), callContext(2, 3))
	if !d.ShouldRetry || d.Delay != 2*time.Second || d.DelayMs != 2000 {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d.Diagnostics["kind"] != "server-error" || d.Diagnostics["attempt"] != 2 {
		t.Fatalf("unexpected diagnostics: %v", d.Diagnostics)
	}

	d = engine.Decide(errors.New(errors.KindServerError, "boom", nil), callContext(3, 3))
	if d.ShouldRetry || d.Delay != 0 {
		t.Fatalf("expected no retry at ceiling: %+v", d)
	}
}

func TestRateLimitScenario(t *testing.T) {
	engine := NewEngine(DefaultPolicy().WithMaxAttempts(3))
	cc := NewCallContext(context.Background(), "/v2/tags", "GET", nil, 3)

	var decisions []bool
	var delays []time.Duration
	for {
		err := errors.New(errors.KindRateLimit, "too many requests", nil).WithStatus(429)
		res := engine.Handle(err, cc)
		decisions = append(decisions, res.ShouldRetry)
		delays = append(delays, res.Delay)
		if !cc.NextAttempt() {
			break
		}
	}

	if !reflect.DeepEqual(decisions, []bool{true, true, false}) {
		t.Fatalf("unexpected decisions: %v", decisions)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("delays not strictly increasing: %v", delays)
		}
	}
}

func TestValidationCorrectionScenario(t *testing.T) {
	engine := NewEngine(DefaultPolicy(), WithCorrection("filter.type", func(any) (any, bool) {
		return "urn:entity:brand", true
	}))
	cc := NewCallContext(context.Background(), "/v2/insights", "GET", map[string]any{"filter.type": "marque"}, 3)
	err := errors.New(errors.KindValidation, "invalid filter.type", nil).
		WithStatus(422).
		WithDetail("field", "filter.type")

	res := engine.Handle(err, cc)
	if !res.ShouldRetry {
		t.Fatalf("expected retry, got %+v", res)
	}
	if res.Delay != 0 || res.DelayMs != 0 {
		t.Fatalf("expected zero delay, got %v", res.Delay)
	}
	want := map[string]any{"filter.type": "urn:entity:brand"}
	if !reflect.DeepEqual(res.CorrectedParams, want) {
		t.Fatalf("expected %v, got %v", want, res.CorrectedParams)
	}
	if res.FallbackEligible {
		t.Fatalf("validation errors must not fall back")
	}
}

func TestValidationDefaultTableCorrectsShortType(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	cc := NewCallContext(context.Background(), "/v2/insights", "GET", map[string]any{"filter.type": "movie"}, 3)
	err := errors.New(errors.KindValidation, "bad type", nil).WithDetail("field", "filter.type")

	res := engine.Handle(err, cc)
	if !res.ShouldRetry || res.CorrectedParams["filter.type"] != "urn:entity:movie" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if cc.Params["filter.type"] != "movie" {
		t.Fatalf("Handle must not modify the call context")
	}
}

func TestValidationWithoutCorrection(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	tests := []struct {
		name   string
		err    *errors.CallError
		params map[string]any
		cc     func(*CallContext)
	}{
		{
			name: "no rule for field",
			err:  errors.New(errors.KindValidation, "bad tags", nil).WithDetail("field", "signal.interests.tags"),
		},
		{
			name: "no field reported",
			err:  errors.New(errors.KindInvalidParams, "bad request", nil),
		},
		{
			name:   "rule does not change the value",
			err:    errors.New(errors.KindValidation, "rejected", nil).WithDetail("field", "filter.type"),
			params: map[string]any{"filter.type": "urn:entity:brand"},
		},
		{
			name:   "one of several fields has no rule",
			err:    errors.New(errors.KindValidation, "rejected", nil).WithDetail("fields", []string{"take", "filter.tags"}),
			params: map[string]any{"take": 500},
		},
		{
			name:   "explicit hint false",
			err:    errors.New(errors.KindValidation, "rejected", nil).WithDetail("field", "take").WithRetryable(false),
			params: map[string]any{"take": 500},
		},
		{
			name:   "ceiling reached",
			err:    errors.New(errors.KindValidation, "rejected", nil).WithDetail("field", "take"),
			params: map[string]any{"take": 500},
			cc:     func(cc *CallContext) { cc.AttemptNumber = cc.MaxAttempts },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := NewCallContext(context.Background(), "/v2/insights", "GET", tt.params, 3)
			if tt.cc != nil {
				tt.cc(cc)
			}
			res := engine.Handle(tt.err, cc)
			if res.ShouldRetry {
				t.Fatalf("expected no retry, got %+v", res)
			}
			if res.Suggestion == "" {
				t.Fatalf("expected a suggestion")
			}
			if res.FallbackEligible {
				t.Fatalf("expected no fallback")
			}
		})
	}
}

func TestMultiFieldCorrection(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	cc := NewCallContext(context.Background(), "/v2/insights", "GET", map[string]any{"take": 500, "filter.popularity.min": -2.0}, 3)
	err := errors.New(errors.KindInvalidParams, "out of range", nil).
		WithDetail("fields", []any{"take", "filter.popularity.min"})

	res := engine.Handle(err, cc)
	want := map[string]any{"take": 50, "filter.popularity.min": 0.0}
	if !res.ShouldRetry || !reflect.DeepEqual(res.CorrectedParams, want) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := res.CorrectedFields(); !reflect.DeepEqual(got, []string{"filter.popularity.min", "take"}) {
		t.Fatalf("unexpected corrected fields: %v", got)
	}
}

func TestUserErrorsNeverRetried(t *testing.T) {
	// Even a policy listing every kind cannot make these retryable.
	engine := NewEngine(DefaultPolicy().WithRetryableKinds(errors.Kinds()...))
	for _, kind := range []errors.Kind{errors.KindAuthentication, errors.KindAuthorization, errors.KindNotFound} {
		res := engine.Handle(errors.New(kind, "nope", nil).WithRetryable(true), callContext(1, 3))
		if res.ShouldRetry || res.FallbackEligible {
			t.Errorf("%s: expected surface without retry or fallback, got %+v", kind, res)
		}
		if res.UserMessage == "" {
			t.Errorf("%s: expected a user message", kind)
		}
	}
}

func TestHandleLogLevels(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	tests := map[errors.Kind]telemetry.Level{
		errors.KindAuthentication: telemetry.LevelCritical,
		errors.KindAuthorization:  telemetry.LevelError,
		errors.KindValidation:     telemetry.LevelWarn,
		errors.KindInvalidParams:  telemetry.LevelWarn,
		errors.KindRateLimit:      telemetry.LevelWarn,
		errors.KindServerError:    telemetry.LevelError,
		errors.KindNetworkError:   telemetry.LevelWarn,
		errors.KindNotFound:       telemetry.LevelInfo,
		errors.KindUnknown:        telemetry.LevelError,
	}
	for kind, want := range tests {
		res := engine.Handle(errors.New(kind, "x", nil), callContext(1, 3))
		if res.Kind != kind {
			t.Errorf("%s: routed to %s", kind, res.Kind)
		}
		if res.LogLevel != want {
			t.Errorf("%s: level %v, want %v", kind, res.LogLevel, want)
		}
		if res.Diagnostics["endpoint"] != "/v2/insights" {
			t.Errorf("%s: missing endpoint diagnostic", kind)
		}
	}
}

func TestAuthorizationRequiredPermissions(t *testing.T) {
	engine := NewEngine(DefaultPolicy(), WithPermissions("/v2/insights/brands", "insights:read", "brands:read"))
	tests := []struct {
		endpoint string
		want     []string
	}{
		{"/v2/insights", []string{"insights:read", "entities:read"}},
		{"/v2/insights/brands", []string{"insights:read", "brands:read"}},
		{"/search", []string{"search:read"}},
		{"/somewhere/else", []string{"api:access"}},
	}
	for _, tt := range tests {
		cc := NewCallContext(context.Background(), tt.endpoint, "GET", nil, 3)
		res := engine.Handle(errors.New(errors.KindAuthorization, "forbidden", nil), cc)
		got, _ := res.Diagnostics["requiredPermissions"].([]string)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.endpoint, got, tt.want)
		}
	}
}

func TestRateLimitWindowDiagnostics(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	err := errors.New(errors.KindRateLimit, "slow down", nil).
		WithDetail("retryAfterMs", int64(7000)).
		WithDetail("remaining", 0)
	res := engine.Handle(err, callContext(1, 3))

	window, ok := res.Diagnostics["rateLimit"].(map[string]any)
	if !ok {
		t.Fatalf("missing rate limit window: %v", res.Diagnostics)
	}
	if window["retryAfterMs"] != int64(7000) || window["remaining"] != 0 {
		t.Fatalf("unexpected window: %v", window)
	}
	if !res.FallbackEligible {
		t.Fatalf("rate limit failures may fall back")
	}
}

func TestNetworkTimeoutDiagnostics(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	err := errors.New(errors.KindNetworkError, "deadline", nil).WithDetail("timeout", true)
	res := engine.Handle(err, callContext(1, 3))
	if res.Diagnostics["timeout"] != true || !res.ShouldRetry {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestNotFoundDiagnosticsOmitValues(t *testing.T) {
	engine := NewEngine(DefaultPolicy())
	cc := NewCallContext(context.Background(), "/entities", "GET", map[string]any{"entity_ids": "secret-id", "take": 3}, 3)
	res := engine.Handle(errors.New(errors.KindNotFound, "missing", nil), cc)
	keys, _ := res.Diagnostics["paramKeys"].([]string)
	if !reflect.DeepEqual(keys, []string{"entity_ids", "take"}) {
		t.Fatalf("unexpected keys: %v", keys)
	}
	for _, v := range res.Diagnostics {
		if v == "secret-id" {
			t.Fatalf("diagnostics leaked a parameter value")
		}
	}
}

func TestDefaultCorrections(t *testing.T) {
	rules := DefaultCorrections()
	tests := []struct {
		field string
		in    any
		want  any
		ok    bool
	}{
		{"take", 500, 50, true},
		{"take", "0", 1, true},
		{"take", nil, 1, true},
		{"filter.popularity.min", 1.5, 1.0, true},
		{"signal.demographics.age", 31, "30_to_34", true},
		{"signal.demographics.age", 70, "55_and_older", true},
		{"signal.demographics.age", "25_to_29", "25_to_29", true},
		{"signal.demographics.age", "young", nil, false},
	}
	for _, tt := range tests {
		got, ok := rules[tt.field](tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("%s(%v) = %v, %v; want %v, %v", tt.field, tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	bad := Policy{MaxAttempts: 0, BaseDelay: 2 * time.Second, MaxDelay: time.Second, BackoffMultiplier: 0.5,
		RetryableKinds: []errors.Kind{"teapot"}}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewEngineCopiesPolicy(t *testing.T) {
	p := DefaultPolicy()
	engine := NewEngine(p)
	p.RetryableKinds[0] = errors.KindAuthentication
	if engine.IsRetryableKind(errors.KindAuthentication) {
		t.Fatalf("engine shares the caller's slice")
	}
	got := engine.Policy()
	got.RetryableKinds[0] = errors.KindNotFound
	if engine.IsRetryableKind(errors.KindNotFound) {
		t.Fatalf("Policy() exposes engine state")
	}
}

func TestNewEngineNormalizesPolicy(t *testing.T) {
	engine := NewEngine(Policy{MaxAttempts: -1, BackoffMultiplier: 0})
	p := engine.Policy()
	if p.MaxAttempts != 1 || p.BackoffMultiplier != 2.0 || p.MaxDelay <= 0 {
		t.Fatalf("unexpected normalized policy: %+v", p)
	}
}

func TestDefaultEngineIsShared(t *testing.T) {
	if DefaultEngine() != DefaultEngine() {
		t.Fatalf("expected one default engine")
	}
	if DefaultEngine().Policy().MaxAttempts != DefaultPolicy().MaxAttempts {
		t.Fatalf("default engine not built from the default policy")
	}
}

func TestCallContext(t *testing.T) {
	params := map[string]any{"filter.type": "brand"}
	cc := NewCallContext(context.Background(), "/v2/insights", "", params, 2)
	if cc.Method != "GET" || cc.AttemptNumber != 1 {
		t.Fatalf("unexpected defaults: %+v", cc)
	}

	cc.ApplyCorrections(map[string]any{"filter.type": "urn:entity:brand"})
	if params["filter.type"] != "brand" {
		t.Fatalf("caller params modified")
	}
	if cc.Params["filter.type"] != "urn:entity:brand" {
		t.Fatalf("corrections not applied")
	}

	if !cc.NextAttempt() || cc.AttemptNumber != 2 {
		t.Fatalf("expected second attempt")
	}
	if cc.NextAttempt() || cc.AttemptNumber != 2 {
		t.Fatalf("attempt counter moved past the ceiling")
	}
	if !cc.Exhausted() {
		t.Fatalf("expected exhausted context")
	}
}
