// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/jllopis/personaguard/pkg/core"
)

// CallContext is the per-operation state threaded through retries. It is
// created once per logical operation, not per attempt. Only the attempt
// counter and, through ApplyCorrections, the parameters change.
type CallContext struct {
	Endpoint      string
	Method        string
	Params        map[string]any
	AttemptNumber int
	MaxAttempts   int
	StartTime     time.Time
	CallerID      string
	SessionID     string
	CorrelationID string
}

// NewCallContext starts a logical operation at attempt 1. params is copied.
// Caller, session and correlation ids are taken from ctx when present.
func NewCallContext(ctx context.Context, endpoint, method string, params map[string]any, maxAttempts int) *CallContext {
	if method == "" {
		method = "GET"
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultPolicy().MaxAttempts
	}
	cc := &CallContext{
		Endpoint:      endpoint,
		Method:        method,
		Params:        maps.Clone(params),
		AttemptNumber: 1,
		MaxAttempts:   maxAttempts,
		StartTime:     time.Now(),
	}
	if cc.Params == nil {
		cc.Params = make(map[string]any)
	}
	if ctx != nil {
		cc.CallerID, _ = core.CallerID(ctx)
		cc.SessionID, _ = core.SessionID(ctx)
		cc.CorrelationID, _ = core.CorrelationID(ctx)
	}
	return cc
}

// Exhausted reports whether the attempt ceiling is reached.
func (c *CallContext) Exhausted() bool {
	return c.AttemptNumber >= c.MaxAttempts
}

// NextAttempt advances the attempt counter. It returns false, leaving the
// counter untouched, once the ceiling is reached.
func (c *CallContext) NextAttempt() bool {
	if c.Exhausted() {
		return false
	}
	c.AttemptNumber++
	return true
}

// ApplyCorrections merges corrected values into the parameters used by the
// next attempt. The previous map is replaced, not modified.
func (c *CallContext) ApplyCorrections(corrected map[string]any) {
	if len(corrected) == 0 {
		return
	}
	next := maps.Clone(c.Params)
	if next == nil {
		next = make(map[string]any, len(corrected))
	}
	maps.Copy(next, corrected)
	c.Params = next
}

// Elapsed returns the time since the operation started.
func (c *CallContext) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}

// ParamKeys returns the sorted parameter names, without values.
func (c *CallContext) ParamKeys() []string {
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
