// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jllopis/personaguard/pkg/core"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

// SlogLevelCritical sits above slog.LevelError so handlers order it correctly.
const SlogLevelCritical = slog.Level(12)

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Slog maps the level onto slog's scale.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelCritical:
		return SlogLevelCritical
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses a level name. Unknown names map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "critical", "fatal":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// Entry is one JSON-shaped log record as handed to a Sink.
type Entry struct {
	Time          time.Time      `json:"timestamp"`
	Level         Level          `json:"level"`
	Component     string         `json:"component,omitempty"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Logger builds entries, redacts them and routes them to its sinks.
// A nil *Logger discards everything.
type Logger struct {
	component string
	sink      Sink
	redactor  *Redactor
	minLevel  Level
	now       func() time.Time
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithSinks sets the sinks entries are routed to.
func WithSinks(sinks ...Sink) LoggerOption {
	return func(l *Logger) {
		if len(sinks) == 1 {
			l.sink = sinks[0]
			return
		}
		l.sink = MultiSink(sinks)
	}
}

// WithRedactor replaces the default redactor. A nil redactor is ignored so
// masking can never be switched off.
func WithRedactor(r *Redactor) LoggerOption {
	return func(l *Logger) {
		if r != nil {
			l.redactor = r
		}
	}
}

// WithMinLevel drops entries below level.
func WithMinLevel(level Level) LoggerOption {
	return func(l *Logger) {
		l.minLevel = level
	}
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) LoggerOption {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLogger creates a logger for a component. Without WithSinks it writes
// through slog.Default.
func NewLogger(component string, opts ...LoggerOption) *Logger {
	l := &Logger{
		component: component,
		redactor:  NewRedactor(nil),
		minLevel:  LevelDebug,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = NewSlogSink(slog.Default())
	}
	return l
}

// Named returns a logger for another component sharing sinks and redaction.
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return nil
	}
	clone := *l
	clone.component = component
	return &clone
}

// Redactor returns the redactor applied to every entry.
func (l *Logger) Redactor() *Redactor {
	if l == nil {
		return nil
	}
	return l.redactor
}

// Debug logs at debug level. args are alternating key/value pairs or slog.Attr.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, LevelDebug, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, LevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, LevelWarn, msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, LevelError, msg, args...)
}

// Critical logs at critical level.
func (l *Logger) Critical(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, LevelCritical, msg, args...)
}

// Log builds an entry and dispatches it. Redaction always runs here, before
// the entry reaches any sink.
func (l *Logger) Log(ctx context.Context, level Level, msg string, args ...any) {
	if l == nil || level < l.minLevel {
		return
	}
	entry := Entry{
		Time:      l.now().UTC(),
		Level:     level,
		Component: l.component,
		Message:   l.redactor.ScrubText(msg),
		Fields:    l.redactor.RedactFields(argsToFields(args)),
	}
	if id, ok := core.CorrelationID(ctx); ok {
		entry.CorrelationID = id
	}
	dispatch(l.sink, entry)
}

func dispatch(sink Sink, e Entry) {
	switch e.Level {
	case LevelDebug:
		sink.Debug(e)
	case LevelInfo:
		sink.Info(e)
	case LevelWarn:
		sink.Warn(e)
	case LevelError:
		sink.Error(e)
	default:
		sink.Critical(e)
	}
}

func argsToFields(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	fields := make(map[string]any, len(args)/2+1)
	for i := 0; i < len(args); i++ {
		switch a := args[i].(type) {
		case slog.Attr:
			fields[a.Key] = a.Value.Any()
		case map[string]any:
			for k, v := range a {
				fields[k] = v
			}
		case string:
			if i+1 < len(args) {
				fields[a] = args[i+1]
				i++
			} else {
				fields["!BADKEY"] = a
			}
		default:
			fields["!BADKEY"] = a
		}
	}
	return fields
}
