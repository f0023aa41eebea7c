// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/jllopis/personaguard/pkg/errors"
)

func TestCircuitBreakerLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []string
	set := NewBreakerSet(CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute},
		func(name string, from, to CircuitBreakerState) {
			transitions = append(transitions, name+":"+string(from)+"->"+string(to))
		})
	set.now = func() time.Time { return now }
	cb := set.Get("/search")

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Fatalf("a success must reset the failure streak, state = %s", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != StateOpen || cb.Allow() {
		t.Fatalf("breaker should be open, state = %s", cb.State())
	}

	now = now.Add(2 * time.Minute)
	if !cb.Allow() || cb.State() != StateHalfOpen {
		t.Fatalf("timeout elapsed, breaker should probe, state = %s", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("half-open failure must reopen, state = %s", cb.State())
	}

	now = now.Add(2 * time.Minute)
	cb.Allow()
	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("two half-open successes should close, state = %s", cb.State())
	}

	want := []string{
		"/search:closed->open",
		"/search:open->half-open",
		"/search:half-open->open",
		"/search:open->half-open",
		"/search:half-open->closed",
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreakerCall(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Name: "tags"})
	boom := stderrors.New("boom")
	if err := cb.Call(context.Background(), func() error { return boom }); err != boom {
		t.Fatalf("err = %v", err)
	}
	err := cb.Call(context.Background(), func() error { t.Fatal("must not run"); return nil })
	ce := errors.AsCallError(err)
	if ce == nil || ce.Code != errors.CodeCircuitOpen || ce.DetailString("breaker") != "tags" {
		t.Fatalf("err = %v", err)
	}
	if hint, set := ce.RetryableHint(); !set || hint {
		t.Error("circuit-open error must not be retryable")
	}

	cb.Reset()
	if err := cb.Call(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("after reset: %v", err)
	}
	cb.Open()
	if cb.Allow() {
		t.Error("forced open breaker allowed a call")
	}
}

func TestBreakerSetStates(t *testing.T) {
	set := NewBreakerSet(CircuitBreakerConfig{FailureThreshold: 1}, nil)
	set.Get("/search").RecordFailure()
	set.Get("/v2/tags")
	if set.Get("/search") != set.Get("/search") {
		t.Fatal("Get must return the same breaker")
	}

	states := set.States()
	if states["/search"] != StateOpen || states["/v2/tags"] != StateClosed {
		t.Fatalf("states = %v", states)
	}
	set.Reset()
	if set.States()["/search"] != StateClosed {
		t.Error("Reset must close every breaker")
	}
	if StateOpen.Gauge() != 0 || StateHalfOpen.Gauge() != 1 || StateClosed.Gauge() != 2 {
		t.Error("unexpected gauge mapping")
	}
}

func TestWithTimeout(t *testing.T) {
	v, err := WithTimeout(context.Background(), TimeoutConfig{}, func(context.Context) (int, error) { return 7, nil })
	if v != 7 || err != nil {
		t.Fatalf("no timeout: %d %v", v, err)
	}

	_, err = WithTimeout(context.Background(), TimeoutConfig{Duration: 5 * time.Millisecond}, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	ce := errors.AsCallError(err)
	if ce.Kind != errors.KindNetworkError || ce.Code != errors.CodeAttemptTimeout {
		t.Fatalf("err = %+v", ce)
	}
	if ms, _ := ce.Detail("timeoutMs"); ms != int64(5) {
		t.Errorf("timeoutMs = %v", ms)
	}

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = WithTimeout(parent, TimeoutConfig{Duration: time.Second}, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if ce := errors.AsCallError(err); ce.Code == errors.CodeAttemptTimeout {
		t.Errorf("parent cancellation reported as attempt timeout: %+v", ce)
	}
}

func TestFallbackStrategies(t *testing.T) {
	ctx := context.Background()
	cause := errors.New(errors.KindServerError, "down", nil)

	cache := &CachedFallback[string]{}
	if _, err := cache.Execute(ctx, cause); err == nil {
		t.Fatal("empty cache must fail")
	}
	cache.Store("last")

	chain := &ChainedFallback[string]{Fallbacks: []FallbackStrategy[string]{
		FallbackFunc[string](func(context.Context, *errors.CallError) (string, error) {
			return "", stderrors.New("first fails")
		}),
		cache,
		&StaticFallback[string]{Value: "static"},
	}}
	v, err := chain.Execute(ctx, cause)
	if err != nil || v != "last" {
		t.Fatalf("chain = %q, %v", v, err)
	}

	empty := &ChainedFallback[string]{}
	if _, err := empty.Execute(ctx, cause); err != cause {
		t.Errorf("empty chain should return the cause, got %v", err)
	}
}
