// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"math"
	"strings"

	"github.com/jllopis/personaguard/pkg/persona"
)

var incomeTiers = map[string]struct{}{"low": {}, "medium": {}, "high": {}}

// QualityMetrics scores how well pc can drive synthesis. Richer contexts
// (more interests, more demographic fields) score higher on diversity and
// coherence. The scores are advisory and bounded to [0,1].
func (s *Synthesizer) QualityMetrics(pc persona.PersonaContext) Quality {
	interests := pc.NormalizedInterests()
	categories := make(map[string]struct{})
	for _, interest := range interests {
		if c, ok := s.catalog.categoryFor(interest); ok {
			categories[c] = struct{}{}
		}
	}
	demo := pc.Demographics
	fields := 0
	if !demo.AgeRange.IsZero() {
		fields++
	}
	if demo.IncomeTier != "" {
		fields++
	}
	if demo.Location != "" {
		fields++
	}

	return Quality{
		Coherence:          round2(clamp01(0.4 + 0.1*float64(min(len(interests), 3)) + 0.1*float64(fields))),
		Diversity:          round2(clamp01(0.3 + 0.1*float64(min(len(interests), 5)) + 0.1*float64(min(len(categories), 2)))),
		CulturalRelevance:  round2(s.culturalRelevance(pc)),
		PersonaConsistency: round2(s.personaConsistency(pc)),
	}
}

func (s *Synthesizer) culturalRelevance(pc persona.PersonaContext) float64 {
	switch {
	case pc.Region == "" && pc.Language == "":
		return 0.3
	case pc.Region == "" || pc.Language == "":
		return 0.5
	}
	region, ok := s.catalog.region(pc.Region)
	if !ok {
		return 0.5
	}
	if strings.EqualFold(region.Language, pc.Language) {
		return 0.9
	}
	return 0.6
}

func (s *Synthesizer) personaConsistency(pc persona.PersonaContext) float64 {
	score := 1.0
	ar := pc.Demographics.AgeRange
	if !ar.IsZero() && (!ar.Valid() || ar.Min < 13 || ar.Max > 100) {
		score -= 0.3
	}
	tier := strings.ToLower(pc.Demographics.IncomeTier)
	if tier != "" {
		if _, ok := incomeTiers[tier]; !ok {
			score -= 0.1
		}
		if tier == "high" && ar.Valid() && ar.Max < 20 {
			score -= 0.2
		}
	}
	if pc.Region != "" && pc.Language != "" {
		if region, ok := s.catalog.region(pc.Region); ok && !strings.EqualFold(region.Language, pc.Language) {
			score -= 0.2
		}
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
