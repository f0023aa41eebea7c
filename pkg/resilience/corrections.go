// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jllopis/personaguard/pkg/persona"
)

// CorrectionRule returns a corrected value for a rejected parameter.
// value is the offending value (nil when unknown). ok is false when the
// rule cannot produce a deterministic correction.
type CorrectionRule func(value any) (corrected any, ok bool)

var ageBuckets = []struct {
	name     string
	min, max int
}{
	{"24_and_younger", 0, 24},
	{"25_to_29", 25, 29},
	{"30_to_34", 30, 34},
	{"35_to_44", 35, 44},
	{"45_to_54", 45, 54},
	{"55_and_older", 55, 200},
}

// DefaultCorrections returns a fresh copy of the built-in correction table.
func DefaultCorrections() map[string]CorrectionRule {
	return map[string]CorrectionRule{
		"filter.type":             correctEntityType,
		"take":                    clampInt(1, 50),
		"filter.popularity.min":   clampFloat(0, 1),
		"signal.demographics.age": correctAgeBucket,
	}
}

func correctEntityType(value any) (any, bool) {
	s, _ := value.(string)
	return persona.EntityTypeURN(s), true
}

func clampInt(min, max int) CorrectionRule {
	return func(value any) (any, bool) {
		n, ok := toFloat(value)
		if !ok {
			return min, true
		}
		v := int(n)
		if v < min {
			v = min
		}
		if v > max {
			v = max
		}
		return v, true
	}
}

func clampFloat(min, max float64) CorrectionRule {
	return func(value any) (any, bool) {
		n, ok := toFloat(value)
		if !ok {
			return min, true
		}
		if n < min {
			n = min
		}
		if n > max {
			n = max
		}
		return n, true
	}
}

func correctAgeBucket(value any) (any, bool) {
	if s, ok := value.(string); ok {
		s = strings.ToLower(strings.TrimSpace(s))
		for _, b := range ageBuckets {
			if b.name == s {
				return b.name, true
			}
		}
	}
	age, ok := toFloat(value)
	if !ok {
		return nil, false
	}
	for _, b := range ageBuckets {
		if int(age) <= b.max {
			return b.name, true
		}
	}
	return ageBuckets[len(ageBuckets)-1].name, true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func sameValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
