// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Sink receives redacted entries, one method per severity.
type Sink interface {
	Debug(e Entry)
	Info(e Entry)
	Warn(e Entry)
	Error(e Entry)
	Critical(e Entry)
}

// SlogSink writes entries through a slog.Logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps logger. A nil logger uses slog.Default at write time.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Debug(e Entry)    { s.write(e) }
func (s *SlogSink) Info(e Entry)     { s.write(e) }
func (s *SlogSink) Warn(e Entry)     { s.write(e) }
func (s *SlogSink) Error(e Entry)    { s.write(e) }
func (s *SlogSink) Critical(e Entry) { s.write(e) }

func (s *SlogSink) write(e Entry) {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]slog.Attr, 0, len(e.Fields)+2)
	if e.Component != "" {
		attrs = append(attrs, slog.String("component", e.Component))
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", e.CorrelationID))
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, e.Fields[k]))
	}
	logger.LogAttrs(context.Background(), e.Level.Slog(), e.Message, attrs...)
}

// JSONSink writes one JSON document per entry, typically to a log file.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONSink returns a sink encoding entries to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

func (s *JSONSink) Debug(e Entry)    { s.write(e) }
func (s *JSONSink) Info(e Entry)     { s.write(e) }
func (s *JSONSink) Warn(e Entry)     { s.write(e) }
func (s *JSONSink) Error(e Entry)    { s.write(e) }
func (s *JSONSink) Critical(e Entry) { s.write(e) }

func (s *JSONSink) write(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(e)
}

// MemorySink keeps the most recent entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

// NewMemorySink keeps at most limit entries (1000 when limit <= 0).
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 1000
	}
	return &MemorySink{limit: limit}
}

func (s *MemorySink) Debug(e Entry)    { s.add(e) }
func (s *MemorySink) Info(e Entry)     { s.add(e) }
func (s *MemorySink) Warn(e Entry)     { s.add(e) }
func (s *MemorySink) Error(e Entry)    { s.add(e) }
func (s *MemorySink) Critical(e Entry) { s.add(e) }

func (s *MemorySink) add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.limit {
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:len(s.entries)-1]
	}
	s.entries = append(s.entries, e)
}

// Entries returns a copy of the retained entries, oldest first.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Reset drops all retained entries.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// MultiSink fans out every entry to each sink in order.
type MultiSink []Sink

func (m MultiSink) Debug(e Entry) {
	for _, s := range m {
		s.Debug(e)
	}
}

func (m MultiSink) Info(e Entry) {
	for _, s := range m {
		s.Info(e)
	}
}

func (m MultiSink) Warn(e Entry) {
	for _, s := range m {
		s.Warn(e)
	}
}

func (m MultiSink) Error(e Entry) {
	for _, s := range m {
		s.Error(e)
	}
}

func (m MultiSink) Critical(e Entry) {
	for _, s := range m {
		s.Critical(e)
	}
}
