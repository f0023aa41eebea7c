// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// PIIFilterMode determines how PII is handled.
type PIIFilterMode int

const (
	// PIIFilterMask replaces PII with masked placeholders (e.g., "[EMAIL]").
	PIIFilterMask PIIFilterMode = iota
	// PIIFilterHash replaces PII with a short hash (for correlation without exposure).
	PIIFilterHash
)

// PIIType categorizes different types of PII.
type PIIType string

const (
	PIITypeEmail      PIIType = "email"
	PIITypePhone      PIIType = "phone"
	PIITypeCreditCard PIIType = "credit_card"
	PIITypeIPAddress  PIIType = "ip_address"
)

type piiPattern struct {
	piiType PIIType
	pattern *regexp.Regexp
	mask    string
}

// Order matters: card numbers are checked before phone numbers.
var defaultPIIPatterns = []struct {
	piiType PIIType
	pattern string
	mask    string
}{
	{PIITypeCreditCard, `\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`, "[CREDIT_CARD]"},
	{PIITypeEmail, `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[EMAIL]"},
	{PIITypePhone, `(?:\+33\s?|\b0)[1-9](?:[\s.-]?[0-9]{2}){4}\b`, "[PHONE]"},
	{PIITypePhone, `\+[0-9]{1,3}[-.\s]?[0-9]{6,14}\b`, "[PHONE]"},
	{PIITypeIPAddress, `\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`, "[IP_ADDRESS]"},
}

// PIIFilter scrubs personally identifiable information out of free text
// before it reaches a log sink.
type PIIFilter struct {
	mode       PIIFilterMode
	patterns   []piiPattern
	enabledPII map[PIIType]bool
}

// PIIFilterOption configures the PII filter.
type PIIFilterOption func(*PIIFilter)

// NewPIIFilter creates a new PII filter with every built-in type enabled.
func NewPIIFilter(mode PIIFilterMode, opts ...PIIFilterOption) *PIIFilter {
	f := &PIIFilter{
		mode:       mode,
		enabledPII: make(map[PIIType]bool),
	}
	for _, p := range defaultPIIPatterns {
		f.enabledPII[p.piiType] = true
		f.patterns = append(f.patterns, piiPattern{
			piiType: p.piiType,
			pattern: regexp.MustCompile(p.pattern),
			mask:    p.mask,
		})
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithExcludePII excludes specific PII types from filtering.
func WithExcludePII(types ...PIIType) PIIFilterOption {
	return func(f *PIIFilter) {
		for _, t := range types {
			f.enabledPII[t] = false
		}
	}
}

// WithCustomPIIPattern adds a custom PII pattern. Invalid patterns are ignored.
func WithCustomPIIPattern(piiType PIIType, pattern, mask string) PIIFilterOption {
	return func(f *PIIFilter) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return
		}
		f.patterns = append(f.patterns, piiPattern{piiType: piiType, pattern: re, mask: mask})
		f.enabledPII[piiType] = true
	}
}

// Scrub returns text with every enabled PII match replaced.
func (f *PIIFilter) Scrub(text string) string {
	if f == nil || text == "" {
		return text
	}
	for _, p := range f.patterns {
		if !f.enabledPII[p.piiType] {
			continue
		}
		text = p.pattern.ReplaceAllStringFunc(text, func(match string) string {
			return f.replacement(p, match)
		})
	}
	return text
}

// Contains reports whether text holds any enabled PII.
func (f *PIIFilter) Contains(text string) bool {
	if f == nil {
		return false
	}
	for _, p := range f.patterns {
		if f.enabledPII[p.piiType] && p.pattern.MatchString(text) {
			return true
		}
	}
	return false
}

func (f *PIIFilter) replacement(p piiPattern, original string) string {
	if f.mode == PIIFilterHash {
		sum := sha256.Sum256([]byte(original))
		return "[" + string(p.piiType) + ":" + hex.EncodeToString(sum[:4]) + "]"
	}
	return p.mask
}
