// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"strings"
	"testing"
)

func TestEnsureCorrelationID(t *testing.T) {
	ctx, id := EnsureCorrelationID(context.Background())
	if !strings.HasPrefix(id, "corr-") {
		t.Fatalf("unexpected correlation id format: %q", id)
	}
	got, ok := CorrelationID(ctx)
	if !ok || got != id {
		t.Fatalf("expected correlation id in context")
	}

	ctx2, id2 := EnsureCorrelationID(ctx)
	if id2 != id || ctx2 != ctx {
		t.Fatalf("expected existing correlation id to be reused")
	}
}

func TestSessionAndCallerIDs(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithCallerID(ctx, "insights-wrapper")

	if id, ok := SessionID(ctx); !ok || id != "sess-1" {
		t.Errorf("expected session id, got %q", id)
	}
	if id, ok := CallerID(ctx); !ok || id != "insights-wrapper" {
		t.Errorf("expected caller id, got %q", id)
	}
	if _, ok := SessionID(context.Background()); ok {
		t.Errorf("expected no session id on empty context")
	}
}

func TestFanoutEmitter(t *testing.T) {
	var got []EventType
	rec := EmitterFunc(func(_ context.Context, e Event) { got = append(got, e.Type) })

	fan := NewFanoutEmitter(NoopEventEmitter{}, rec)
	fan.Add(rec)

	ctx := WithCorrelationID(context.Background(), "corr-x")
	ev := NewEvent(ctx, EventFallbackServed, "fallback", map[string]any{"kind": "entity"})
	if ev.CorrelationID != "corr-x" {
		t.Fatalf("expected correlation id copied into event")
	}
	fan.Emit(ctx, ev)

	if len(got) != 2 {
		t.Fatalf("expected event delivered twice, got %d", len(got))
	}
}
