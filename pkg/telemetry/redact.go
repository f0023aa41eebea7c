// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
)

// DefaultMask replaces the value of every sensitive field.
const DefaultMask = "[REDACTED]"

// DefaultSensitiveKeys lists the field names masked when no list is configured.
var DefaultSensitiveKeys = []string{
	"apiKey",
	"api_key",
	"x-api-key",
	"token",
	"accessToken",
	"refreshToken",
	"password",
	"secret",
	"authorization",
	"clientSecret",
}

// Redactor masks sensitive fields and scrubs PII from log payloads.
// Key matching ignores case, '-' and '_'.
type Redactor struct {
	keys map[string]struct{}
	mask string
	pii  *PIIFilter
}

// RedactorOption configures a Redactor.
type RedactorOption func(*Redactor)

// WithMask overrides the mask string.
func WithMask(mask string) RedactorOption {
	return func(r *Redactor) {
		if mask != "" {
			r.mask = mask
		}
	}
}

// WithPIIFilter sets the free-text scrubber. Passing nil disables scrubbing
// but never key masking.
func WithPIIFilter(f *PIIFilter) RedactorOption {
	return func(r *Redactor) {
		r.pii = f
	}
}

// NewRedactor builds a redactor for the given keys. An empty list selects
// DefaultSensitiveKeys.
func NewRedactor(keys []string, opts ...RedactorOption) *Redactor {
	if len(keys) == 0 {
		keys = DefaultSensitiveKeys
	}
	r := &Redactor{
		keys: make(map[string]struct{}, len(keys)),
		mask: DefaultMask,
		pii:  NewPIIFilter(PIIFilterMask),
	}
	for _, k := range keys {
		if n := normalizeKey(k); n != "" {
			r.keys[n] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mask returns the mask string.
func (r *Redactor) Mask() string {
	return r.mask
}

// IsSensitive reports whether key names a sensitive field.
func (r *Redactor) IsSensitive(key string) bool {
	_, ok := r.keys[normalizeKey(key)]
	return ok
}

// ScrubText applies the PII filter to free text.
func (r *Redactor) ScrubText(s string) string {
	return r.pii.Scrub(s)
}

// RedactFields returns a deep copy of fields with sensitive values masked.
// The input map is never modified.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if r.IsSensitive(k) {
			out[k] = r.mask
			continue
		}
		out[k] = r.redactValue(v, 0)
	}
	return out
}

const maxRedactDepth = 16

func (r *Redactor) redactValue(v any, depth int) any {
	if depth > maxRedactDepth {
		return r.mask
	}
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return r.ScrubText(val)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return val
	case error:
		return r.ScrubText(val.Error())
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if r.IsSensitive(k) {
				out[k] = r.mask
				continue
			}
			out[k] = r.redactValue(inner, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if r.IsSensitive(k) {
				out[k] = r.mask
				continue
			}
			out[k] = r.ScrubText(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = r.redactValue(inner, depth+1)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, inner := range val {
			out[i] = r.ScrubText(inner)
		}
		return out
	}
	return r.redactComposite(v, depth)
}

// redactComposite handles structs, pointers and typed collections by
// round-tripping through JSON so tagged field names are matched too.
func (r *Redactor) redactComposite(v any, depth int) any {
	switch reflect.Indirect(reflect.ValueOf(v)).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
	default:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return r.mask
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return r.mask
	}
	return r.redactValue(generic, depth+1)
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr hook applying the same
// masking to records written through slog directly.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if r.IsSensitive(a.Key) {
		return slog.String(a.Key, r.mask)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.ScrubText(a.Value.String()))
	case slog.KindAny:
		return slog.Any(a.Key, r.redactValue(a.Value.Any(), 0))
	}
	return a
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = strings.ReplaceAll(key, "-", "")
	return strings.ReplaceAll(key, "_", "")
}
