// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience decides what happens after a remote call fails: whether
// to retry, after which delay, with which corrected parameters, and whether
// the caller may degrade to fallback data.
package resilience

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jllopis/personaguard/pkg/errors"
)

// maxJitter is the upper bound (exclusive) of the additive jitter.
const maxJitter = 1000 * time.Millisecond

// Policy controls retry behavior with exponential backoff.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (must be >= 1).
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential part of the delay.
	MaxDelay time.Duration

	// BackoffMultiplier for exponential backoff (default 2.0).
	BackoffMultiplier float64

	// JitterEnabled adds a uniform [0, 1s) offset to every delay.
	JitterEnabled bool

	// RetryableKinds lists the kinds eligible for a delayed retry.
	RetryableKinds []errors.Kind
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterEnabled:     true,
		RetryableKinds: []errors.Kind{
			errors.KindRateLimit,
			errors.KindServerError,
			errors.KindNetworkError,
		},
	}
}

// WithMaxAttempts returns a copy with MaxAttempts set.
func (p Policy) WithMaxAttempts(max int) Policy {
	p.MaxAttempts = max
	return p
}

// WithBaseDelay returns a copy with BaseDelay set.
func (p Policy) WithBaseDelay(d time.Duration) Policy {
	p.BaseDelay = d
	return p
}

// WithMaxDelay returns a copy with MaxDelay set.
func (p Policy) WithMaxDelay(d time.Duration) Policy {
	p.MaxDelay = d
	return p
}

// WithJitter returns a copy with jitter switched on or off.
func (p Policy) WithJitter(enabled bool) Policy {
	p.JitterEnabled = enabled
	return p
}

// WithRetryableKinds returns a copy with the retryable set replaced.
func (p Policy) WithRetryableKinds(kinds ...errors.Kind) Policy {
	p.RetryableKinds = append([]errors.Kind(nil), kinds...)
	return p
}

// Validate reports impossible settings.
func (p Policy) Validate() error {
	var problems []string
	if p.MaxAttempts < 1 {
		problems = append(problems, "max attempts must be >= 1")
	}
	if p.BaseDelay < 0 {
		problems = append(problems, "base delay must not be negative")
	}
	if p.MaxDelay < p.BaseDelay {
		problems = append(problems, "max delay must be >= base delay")
	}
	if p.BackoffMultiplier < 1 {
		problems = append(problems, "backoff multiplier must be >= 1")
	}
	for _, k := range p.RetryableKinds {
		if !k.Valid() {
			problems = append(problems, fmt.Sprintf("unknown retryable kind %q", k))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid retry policy: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Engine is the stateless retry decision engine. All per-call state lives in
// the caller-owned CallContext; an Engine can be shared freely.
type Engine struct {
	policy      Policy
	retryable   map[errors.Kind]struct{}
	corrections map[string]CorrectionRule
	permissions []permissionRule
	rand        func() float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.rand = fn
		}
	}
}

// WithCorrection registers (or replaces) the correction rule for a field.
func WithCorrection(field string, rule CorrectionRule) EngineOption {
	return func(e *Engine) {
		if rule == nil {
			delete(e.corrections, field)
			return
		}
		e.corrections[field] = rule
	}
}

// WithoutDefaultCorrections starts from an empty correction table.
func WithoutDefaultCorrections() EngineOption {
	return func(e *Engine) {
		e.corrections = make(map[string]CorrectionRule)
	}
}

// WithPermissions registers the permissions required by endpoints under prefix.
func WithPermissions(prefix string, permissions ...string) EngineOption {
	return func(e *Engine) {
		e.permissions = append(e.permissions, permissionRule{
			prefix:      prefix,
			permissions: append([]string(nil), permissions...),
		})
	}
}

// NewEngine builds an engine for policy. The policy is copied and
// normalized, so later changes to the argument have no effect.
func NewEngine(policy Policy, opts ...EngineOption) *Engine {
	policy = normalizePolicy(policy)
	e := &Engine{
		policy:      policy,
		retryable:   make(map[errors.Kind]struct{}, len(policy.RetryableKinds)),
		corrections: DefaultCorrections(),
		permissions: defaultPermissions(),
		rand:        rand.Float64,
	}
	for _, k := range policy.RetryableKinds {
		e.retryable[k] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	sort.SliceStable(e.permissions, func(i, j int) bool {
		return len(e.permissions[i].prefix) > len(e.permissions[j].prefix)
	})
	return e
}

var defaultEngine = sync.OnceValue(func() *Engine {
	return NewEngine(DefaultPolicy())
})

// DefaultEngine returns a process-wide engine built from DefaultPolicy.
// It is a plain *Engine: components should still receive their engine by
// injection.
func DefaultEngine() *Engine {
	return defaultEngine()
}

// Policy returns a copy of the engine policy.
func (e *Engine) Policy() Policy {
	p := e.policy
	p.RetryableKinds = append([]errors.Kind(nil), e.policy.RetryableKinds...)
	return p
}

// IsRetryableKind reports whether kind is in the retryable set.
func (e *Engine) IsRetryableKind(kind errors.Kind) bool {
	_, ok := e.retryable[kind]
	return ok
}

// ShouldRetry reports whether another attempt is warranted. The checks run
// in a fixed order: the attempt ceiling first, then the retryable set, then
// the explicit hint on the error.
func (e *Engine) ShouldRetry(err *errors.CallError, cc *CallContext) bool {
	if err == nil {
		return false
	}
	attempt, max := e.attempts(cc)
	if attempt >= max {
		return false
	}
	if !e.IsRetryableKind(err.Kind) {
		return false
	}
	if hint, set := err.RetryableHint(); set && !hint {
		return false
	}
	return true
}

// CalculateRetryDelay returns the delay before retrying after attempt n:
// min(base*multiplier^(n-1), maxDelay), plus [0, 1s) of jitter when
// enabled, floored to the millisecond.
func (e *Engine) CalculateRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(e.policy.BaseDelay) / float64(time.Millisecond)
	capMs := float64(e.policy.MaxDelay) / float64(time.Millisecond)

	delay := base * math.Pow(e.policy.BackoffMultiplier, float64(attempt-1))
	if delay > capMs || math.IsInf(delay, 1) || math.IsNaN(delay) {
		delay = capMs
	}
	if e.policy.JitterEnabled {
		delay += e.rand() * float64(maxJitter/time.Millisecond)
	}
	return time.Duration(math.Floor(delay)) * time.Millisecond
}

// RetryDecision is the output of Decide.
type RetryDecision struct {
	ShouldRetry bool           `json:"shouldRetry"`
	Delay       time.Duration  `json:"-"`
	DelayMs     int64          `json:"delayMs"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Decide combines ShouldRetry and CalculateRetryDelay.
func (e *Engine) Decide(err *errors.CallError, cc *CallContext) RetryDecision {
	attempt, max := e.attempts(cc)
	d := RetryDecision{
		ShouldRetry: e.ShouldRetry(err, cc),
		Diagnostics: map[string]any{
			"attempt":     attempt,
			"maxAttempts": max,
		},
	}
	if err != nil {
		d.Diagnostics["kind"] = string(err.Kind)
	}
	if d.ShouldRetry {
		d.Delay = e.CalculateRetryDelay(attempt)
		d.DelayMs = d.Delay.Milliseconds()
	}
	return d
}

func (e *Engine) attempts(cc *CallContext) (int, int) {
	if cc == nil {
		return 1, e.policy.MaxAttempts
	}
	attempt := cc.AttemptNumber
	if attempt < 1 {
		attempt = 1
	}
	max := cc.MaxAttempts
	if max < 1 {
		max = e.policy.MaxAttempts
	}
	return attempt, max
}

func normalizePolicy(p Policy) Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2.0
	}
	kinds := make([]errors.Kind, 0, len(p.RetryableKinds))
	for _, k := range p.RetryableKinds {
		if k.Valid() {
			kinds = append(kinds, k)
		}
	}
	p.RetryableKinds = kinds
	return p
}
