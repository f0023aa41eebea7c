// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package persona holds the result shapes shared by the recommendation
// service wrappers and the fallback synthesizer. Genuine and synthesized
// values use the same types; provenance lives in confidence and metadata.
package persona

import (
	"fmt"
	"strings"
	"time"
)

// Data sources stamped on InsightsResponse metadata.
const (
	DataSourceAPI      = "api"
	DataSourceFallback = "fallback"
)

// Variant discriminates the Entity union.
type Variant string

const (
	VariantBasic    Variant = "basic"
	VariantEnhanced Variant = "enhanced"
)

// AgeRange is an inclusive age interval. A zero range means unknown.
type AgeRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// IsZero reports whether the range is unset.
func (r AgeRange) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

// Valid reports whether the range is set and ordered.
func (r AgeRange) Valid() bool {
	return !r.IsZero() && r.Min >= 0 && r.Min <= r.Max
}

// Overlaps reports whether both ranges share at least one age. Unknown
// ranges overlap everything.
func (r AgeRange) Overlaps(o AgeRange) bool {
	if !r.Valid() || !o.Valid() {
		return true
	}
	return r.Min <= o.Max && o.Min <= r.Max
}

// Span is the number of ages covered.
func (r AgeRange) Span() int {
	if !r.Valid() {
		return 0
	}
	return r.Max - r.Min + 1
}

func (r AgeRange) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Demographics describes a population slice.
type Demographics struct {
	AgeRange   AgeRange `json:"ageRange" yaml:"age_range"`
	IncomeTier string   `json:"incomeTier,omitempty" yaml:"income_tier"`
	Location   string   `json:"location,omitempty" yaml:"location"`
}

// IsZero reports whether no demographic field is set.
func (d Demographics) IsZero() bool {
	return d.AgeRange.IsZero() && d.IncomeTier == "" && d.Location == ""
}

// PersonaContext is caller-supplied input to fallback synthesis. It is read
// and never stored.
type PersonaContext struct {
	Interests    []string     `json:"interests,omitempty"`
	Demographics Demographics `json:"demographics"`
	Language     string       `json:"language,omitempty"`
	Region       string       `json:"region,omitempty"`
}

// NormalizedInterests returns trimmed, lower-cased, de-duplicated interests
// in their original order.
func (pc PersonaContext) NormalizedInterests() []string {
	seen := make(map[string]struct{}, len(pc.Interests))
	out := make([]string, 0, len(pc.Interests))
	for _, raw := range pc.Interests {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Enhancement is the extra payload of an enhanced entity.
type Enhancement struct {
	Popularity  float64           `json:"popularity"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Entity is a recommendation result. Variant is fixed at construction;
// Enhancement is non-nil exactly when Variant is VariantEnhanced.
type Entity struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	Tags        []string     `json:"tags,omitempty"`
	Confidence  float64      `json:"confidence"`
	Variant     Variant      `json:"variant"`
	Enhancement *Enhancement `json:"enhancement,omitempty"`
}

// NewBasicEntity builds a basic entity.
func NewBasicEntity(id, name, entityType string, tags []string, confidence float64) Entity {
	return Entity{
		ID:         id,
		Name:       name,
		Type:       entityType,
		Tags:       append([]string(nil), tags...),
		Confidence: confidence,
		Variant:    VariantBasic,
	}
}

// NewEnhancedEntity builds an enhanced entity.
func NewEnhancedEntity(id, name, entityType string, tags []string, confidence float64, enh Enhancement) Entity {
	e := NewBasicEntity(id, name, entityType, tags, confidence)
	e.Variant = VariantEnhanced
	e.Enhancement = &enh
	return e
}

// Validate checks the union invariant.
func (e Entity) Validate() error {
	switch e.Variant {
	case VariantBasic:
		if e.Enhancement != nil {
			return fmt.Errorf("basic entity %q carries an enhancement", e.ID)
		}
	case VariantEnhanced:
		if e.Enhancement == nil {
			return fmt.Errorf("enhanced entity %q has no enhancement", e.ID)
		}
	default:
		return fmt.Errorf("entity %q has unknown variant %q", e.ID, e.Variant)
	}
	return nil
}

// Tag is a taxonomy label.
type Tag struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Audience is a population segment.
type Audience struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Demographics Demographics `json:"demographics"`
	Interests    []string     `json:"interests,omitempty"`
	Size         int          `json:"size"`
	Confidence   float64      `json:"confidence"`
}

// Metadata records provenance for an InsightsResponse.
type Metadata struct {
	DataSource  string    `json:"dataSource"`
	Reason      string    `json:"reason,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
	RequestID   string    `json:"requestId"`
	Confidence  float64   `json:"confidence"`
}

// Status is the non-fatal outcome reported with a response.
type Status struct {
	Success  bool     `json:"success"`
	Warnings []string `json:"warnings,omitempty"`
}

// InsightsResponse is the full insights payload.
type InsightsResponse struct {
	Entities  []Entity   `json:"entities"`
	Tags      []Tag      `json:"tags"`
	Audiences []Audience `json:"audiences"`
	Metadata  Metadata   `json:"metadata"`
	Status    Status     `json:"status"`
}

// IsFallback reports whether the response was synthesized.
func (r InsightsResponse) IsFallback() bool {
	return r.Metadata.DataSource == DataSourceFallback
}
