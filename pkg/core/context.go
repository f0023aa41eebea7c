// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"

	"github.com/google/uuid"
)

type correlationIDKey struct{}
type sessionIDKey struct{}
type callerIDKey struct{}

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID returns the correlation id if present.
func CorrelationID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(correlationIDKey{}).(string)
	return id, ok && id != ""
}

// EnsureCorrelationID ensures a correlation id exists in the context.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id, ok := CorrelationID(ctx); ok {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}

// NewCorrelationID returns a fresh correlation id.
func NewCorrelationID() string {
	return "corr-" + uuid.NewString()
}

// WithSessionID attaches the end-user session id to the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionID returns the session id if present.
func SessionID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(sessionIDKey{}).(string)
	return id, ok && id != ""
}

// WithCallerID attaches the calling wrapper's identity to the context.
func WithCallerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callerIDKey{}, id)
}

// CallerID returns the caller id if present.
func CallerID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(callerIDKey{}).(string)
	return id, ok && id != ""
}
