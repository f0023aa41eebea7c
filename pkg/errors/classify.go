// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// TransportError is returned by the HTTP fetch primitive when a request
// completes with a non-2xx status or fails before a response arrives.
// StatusCode is zero when there was no response at all.
type TransportError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	case e.StatusCode == 0:
		return fmt.Sprintf("%s %s: no response", e.Method, e.URL)
	default:
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
}

// Unwrap implements errors.Unwrap.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError builds a TransportError from a response. The
// Retry-After header is honoured in both delta-seconds and HTTP-date form.
func NewTransportError(resp *http.Response, body string) *TransportError {
	te := &TransportError{Body: body}
	if resp == nil {
		return te
	}
	te.StatusCode = resp.StatusCode
	if resp.Request != nil {
		te.Method = resp.Request.Method
		if resp.Request.URL != nil {
			te.URL = resp.Request.URL.String()
		}
	}
	te.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	return te
}

// KindForStatus maps an HTTP status code to a Kind. This is the single
// place in the module where status codes are interpreted.
func KindForStatus(status int) Kind {
	switch {
	case status == 0:
		return KindNetworkError
	case status == http.StatusBadRequest:
		return KindInvalidParams
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout:
		return KindNetworkError
	case status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500 && status <= 599:
		return KindServerError
	default:
		return KindUnknown
	}
}

// Classify maps a raw failure to a CallError. It is side-effect free and
// never looks at message text: only types and status codes are used.
func Classify(raw error) *CallError {
	if raw == nil {
		return nil
	}

	var ce *CallError
	if stderrors.As(raw, &ce) {
		return ce
	}

	var te *TransportError
	if stderrors.As(raw, &te) {
		kind := KindForStatus(te.StatusCode)
		out := New(kind, transportMessage(kind, te), raw)
		if te.StatusCode > 0 {
			out.WithStatus(te.StatusCode)
		}
		if te.Method != "" {
			out.WithDetail("method", te.Method)
		}
		if te.RetryAfter > 0 {
			out.WithDetail("retryAfterMs", te.RetryAfter.Milliseconds())
		}
		if te.StatusCode == 0 {
			if timeoutCause(te.Err) {
				out.WithDetail("timeout", true)
			}
		}
		return out
	}

	if stderrors.Is(raw, context.Canceled) {
		return New(KindUnknown, "call canceled by caller", raw).WithRetryable(false)
	}

	if stderrors.Is(raw, context.DeadlineExceeded) {
		return New(KindNetworkError, "call exceeded its deadline", raw).WithDetail("timeout", true)
	}

	var netErr net.Error
	if stderrors.As(raw, &netErr) {
		out := New(KindNetworkError, "network failure", raw)
		if netErr.Timeout() {
			out.WithDetail("timeout", true)
		}
		return out
	}

	return New(KindUnknown, "unclassified failure", raw)
}

// AsCallError returns err as a CallError, classifying it when needed.
func AsCallError(err error) *CallError {
	return Classify(err)
}

// KindOf returns the kind of err, or KindUnknown for nil or unmapped errors.
func KindOf(err error) Kind {
	ce := Classify(err)
	if ce == nil {
		return KindUnknown
	}
	return ce.Kind
}

func transportMessage(kind Kind, te *TransportError) string {
	if te.StatusCode == 0 {
		return "no response from remote service"
	}
	return fmt.Sprintf("remote service answered %d (%s)", te.StatusCode, kind)
}

func timeoutCause(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
