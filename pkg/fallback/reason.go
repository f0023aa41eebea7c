// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"github.com/jllopis/personaguard/pkg/errors"
)

// Reason records why fallback data was served.
type Reason string

const (
	ReasonServiceUnavailable Reason = "service-unavailable"
	ReasonRateLimited        Reason = "rate-limited"
	ReasonTimeout            Reason = "timeout"
	ReasonCircuitOpen        Reason = "circuit-open"
	ReasonRetriesExhausted   Reason = "retries-exhausted"
	ReasonUnknownError       Reason = "unknown-error"
	ReasonManual             Reason = "manual"
)

// Reasons lists every reason.
func Reasons() []Reason {
	return []Reason{
		ReasonServiceUnavailable,
		ReasonRateLimited,
		ReasonTimeout,
		ReasonCircuitOpen,
		ReasonRetriesExhausted,
		ReasonUnknownError,
		ReasonManual,
	}
}

// Valid reports whether r is a declared reason.
func (r Reason) Valid() bool {
	for _, known := range Reasons() {
		if r == known {
			return true
		}
	}
	return false
}

// ReasonForKind maps an error kind to the reason reported with fallback data.
func ReasonForKind(kind errors.Kind) Reason {
	switch kind {
	case errors.KindRateLimit:
		return ReasonRateLimited
	case errors.KindServerError, errors.KindNetworkError:
		return ReasonServiceUnavailable
	default:
		return ReasonUnknownError
	}
}

// ReasonFor refines ReasonForKind with what the error itself records: a
// local circuit rejection, an attempt timeout, or server failures that
// outlasted more than one attempt.
func ReasonFor(cause *errors.CallError, attempts int) Reason {
	if cause == nil {
		return ReasonManual
	}
	if cause.Code == errors.CodeCircuitOpen {
		return ReasonCircuitOpen
	}
	if timeout, _ := cause.Details["timeout"].(bool); timeout {
		return ReasonTimeout
	}
	reason := ReasonForKind(cause.Kind)
	if reason == ReasonServiceUnavailable && attempts > 1 {
		return ReasonRetriesExhausted
	}
	return reason
}
