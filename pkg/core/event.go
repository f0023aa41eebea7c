// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"sync"
	"time"
)

// EventType identifies a semantic event emitted by the resilience layer.
type EventType string

const (
	EventCallSucceeded  EventType = "call.succeeded"
	EventCallFailed     EventType = "call.failed"
	EventRetryScheduled EventType = "call.retry.scheduled"
	EventFallbackServed EventType = "fallback.served"
	EventCircuitChanged EventType = "circuit.changed"
	EventHealthChanged  EventType = "health.changed"
)

// Event captures a semantic event.
type Event struct {
	Type          EventType
	Source        string
	CorrelationID string
	Timestamp     time.Time
	Payload       map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event Event)

// Emit implements EventEmitter.
func (f EmitterFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

// FanoutEmitter forwards every event to each registered emitter in order.
type FanoutEmitter struct {
	mu       sync.RWMutex
	emitters []EventEmitter
}

// NewFanoutEmitter returns a fan-out emitter over the given emitters.
func NewFanoutEmitter(emitters ...EventEmitter) *FanoutEmitter {
	return &FanoutEmitter{emitters: emitters}
}

// Add registers another emitter.
func (f *FanoutEmitter) Add(e EventEmitter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitters = append(f.emitters, e)
}

// Emit implements EventEmitter.
func (f *FanoutEmitter) Emit(ctx context.Context, event Event) {
	f.mu.RLock()
	emitters := make([]EventEmitter, len(f.emitters))
	copy(emitters, f.emitters)
	f.mu.RUnlock()
	for _, e := range emitters {
		e.Emit(ctx, event)
	}
}

// NewEvent builds a default event with timestamp. The correlation id is
// taken from ctx when present.
func NewEvent(ctx context.Context, eventType EventType, source string, payload map[string]any) Event {
	id, _ := CorrelationID(ctx)
	return Event{
		Type:          eventType,
		Source:        source,
		CorrelationID: id,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}
