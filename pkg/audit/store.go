// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit keeps a provenance trail of every fallback emission.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event records one fallback emission. The persona context is never part
// of an event, only its shape.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Kind          string         `json:"kind"`
	Reason        string         `json:"reason"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Count         int            `json:"count"`
	PayloadBytes  int            `json:"payloadBytes"`
	Confidence    float64        `json:"confidence"`
	Details       map[string]any `json:"details,omitempty"`
}

// Store persists audit events.
type Store interface {
	Record(ctx context.Context, event Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}

// Filter limits audit event queries. Zero fields match everything.
type Filter struct {
	Kind   string
	Reason string
	Since  time.Time
	Limit  int
}

func (f Filter) match(ev Event) bool {
	if f.Kind != "" && ev.Kind != f.Kind {
		return false
	}
	if f.Reason != "" && ev.Reason != f.Reason {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// MemoryStore keeps the most recent audit events in memory.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemoryStore returns an in-memory store holding at most limit events
// (unbounded when limit <= 0).
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{limit: limit}
}

// Record appends an audit event, evicting the oldest one when full.
func (s *MemoryStore) Record(_ context.Context, event Event) error {
	event.Timestamp = normalizeTime(event.Timestamp)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.events) >= s.limit {
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, event)
	return nil
}

// List returns filtered audit events, oldest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		if !filter.match(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func encodeDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(details)
}

func decodeDetails(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeTime(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}
