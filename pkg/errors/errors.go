// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed failure vocabulary shared by the
// resilience layer: a closed set of error kinds and a CallError that carries
// the kind together with the context needed to decide what to do next.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a failed remote call. It is the only discriminant the
// resilience layer branches on.
type Kind string

const (
	// KindAuthentication indicates missing or invalid credentials.
	KindAuthentication Kind = "authentication"

	// KindAuthorization indicates valid credentials without the required permission.
	KindAuthorization Kind = "authorization"

	// KindValidation indicates the remote service rejected the request payload.
	KindValidation Kind = "validation"

	// KindRateLimit indicates the caller exceeded its request quota.
	KindRateLimit Kind = "rate-limit"

	// KindServerError indicates a failure on the remote side.
	KindServerError Kind = "server-error"

	// KindNetworkError indicates the request never got a usable response.
	KindNetworkError Kind = "network-error"

	// KindNotFound indicates the requested resource does not exist.
	KindNotFound Kind = "not-found"

	// KindInvalidParams indicates malformed query parameters.
	KindInvalidParams Kind = "invalid-params"

	// KindUnknown is used for anything that could not be mapped.
	KindUnknown Kind = "unknown"
)

// Kinds lists every Kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindAuthentication,
		KindAuthorization,
		KindValidation,
		KindRateLimit,
		KindServerError,
		KindNetworkError,
		KindNotFound,
		KindInvalidParams,
		KindUnknown,
	}
}

// Valid reports whether k is one of the nine declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAuthentication, KindAuthorization, KindValidation, KindRateLimit,
		KindServerError, KindNetworkError, KindNotFound, KindInvalidParams, KindUnknown:
		return true
	}
	return false
}

// ParseKind converts a serialized kind back to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return KindUnknown, fmt.Errorf("unknown error kind %q", s)
	}
	return k, nil
}

// Codes set by the resilience layer itself rather than by a remote status.
const (
	// CodeCircuitOpen marks a call rejected locally by an open circuit breaker.
	CodeCircuitOpen = "CIRCUIT_OPEN"

	// CodeAttemptTimeout marks an attempt cut short by the attempt deadline.
	CodeAttemptTimeout = "ATTEMPT_TIMEOUT"
)

// CallError is a typed error with rich context for a failed remote call.
// It implements the error interface and can be unwrapped with errors.As().
type CallError struct {
	Kind          Kind
	Message       string
	Code          string
	StatusCode    int
	Details       map[string]any
	CorrelationID string
	Timestamp     time.Time

	// Retryable is an explicit override. A nil value means the retry
	// policy decides on its own.
	Retryable *bool

	Err error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *CallError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *CallError) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind          Kind           `json:"kind"`
		Message       string         `json:"message"`
		Code          string         `json:"code,omitempty"`
		StatusCode    int            `json:"statusCode,omitempty"`
		Details       map[string]any `json:"details,omitempty"`
		CorrelationID string         `json:"correlationId,omitempty"`
		Timestamp     time.Time      `json:"timestamp"`
		Retryable     *bool          `json:"retryable,omitempty"`
		Err           string         `json:"error,omitempty"`
	}{
		Kind:          e.Kind,
		Message:       e.Message,
		Code:          e.Code,
		StatusCode:    e.StatusCode,
		Details:       e.Details,
		CorrelationID: e.CorrelationID,
		Timestamp:     e.Timestamp,
		Retryable:     e.Retryable,
	}
	if e.Err != nil {
		out.Err = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a CallError of the given kind. The code defaults to the
// upper-cased kind and the timestamp to the current UTC time.
func New(kind Kind, msg string, cause error) *CallError {
	if !kind.Valid() {
		kind = KindUnknown
	}
	return &CallError{
		Kind:      kind,
		Message:   msg,
		Code:      defaultCode(kind),
		Details:   make(map[string]any),
		Timestamp: time.Now().UTC(),
		Err:       cause,
	}
}

// WithDetail adds a key-value pair to the error details.
// Returns the error for method chaining.
func (e *CallError) WithDetail(key string, value any) *CallError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryable sets the explicit retry override.
// Returns the error for method chaining.
func (e *CallError) WithRetryable(retryable bool) *CallError {
	e.Retryable = &retryable
	return e
}

// WithCorrelationID sets the correlation id.
// Returns the error for method chaining.
func (e *CallError) WithCorrelationID(id string) *CallError {
	e.CorrelationID = id
	return e
}

// WithStatus records the HTTP status that produced the error.
// Returns the error for method chaining.
func (e *CallError) WithStatus(status int) *CallError {
	e.StatusCode = status
	if status > 0 {
		e.Code = fmt.Sprintf("HTTP_%d", status)
	}
	return e
}

// WithCode overrides the error code.
// Returns the error for method chaining.
func (e *CallError) WithCode(code string) *CallError {
	e.Code = code
	return e
}

// RetryableHint returns the explicit override and whether one was set.
func (e *CallError) RetryableHint() (bool, bool) {
	if e.Retryable == nil {
		return false, false
	}
	return *e.Retryable, true
}

// Detail returns a detail value and whether it was present.
func (e *CallError) Detail(key string) (any, bool) {
	if e == nil || e.Details == nil {
		return nil, false
	}
	v, ok := e.Details[key]
	return v, ok
}

// DetailString returns a detail as a string, or "" when absent or not a string.
func (e *CallError) DetailString(key string) string {
	v, ok := e.Detail(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func defaultCode(kind Kind) string {
	switch kind {
	case KindAuthentication:
		return "UNAUTHENTICATED"
	case KindAuthorization:
		return "PERMISSION_DENIED"
	case KindValidation:
		return "VALIDATION_FAILED"
	case KindRateLimit:
		return "RATE_LIMITED"
	case KindServerError:
		return "SERVER_ERROR"
	case KindNetworkError:
		return "NETWORK_ERROR"
	case KindNotFound:
		return "NOT_FOUND"
	case KindInvalidParams:
		return "INVALID_PARAMS"
	default:
		return "UNKNOWN"
	}
}
