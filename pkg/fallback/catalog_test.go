// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/personaguard/pkg/errors"
	"github.com/jllopis/personaguard/pkg/persona"
)

func TestDefaultCatalogCoversEntityTypes(t *testing.T) {
	c := DefaultCatalog()
	for _, typ := range persona.EntityTypes {
		if typ == "person" {
			continue
		}
		seeds, ok := c.Entities[typ]
		if assert.Truef(t, ok, "no seeds for %s", typ) {
			assert.NotEmpty(t, seeds.Items, typ)
			assert.NotEmpty(t, seeds.Label, typ)
		}
	}
	assert.Contains(t, c.Regions, GlobalRegion)
	assert.Len(t, c.Audiences, 3)

	cat, ok := c.categoryFor("JAZZ")
	assert.True(t, ok)
	assert.Equal(t, "genre", cat)
	_, ok = c.categoryFor("origami")
	assert.False(t, ok)
}

func TestLoadCatalogRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"unknown field": "entities: {}\nextra: true\n",
		"unknown type": `
entities:
  spaceship:
    items:
      - {id: a, name: A}
`,
		"duplicate id": `
entities:
  brand:
    items:
      - {id: a, name: A}
  movie:
    items:
      - {id: a, name: B}
`,
		"inverted age": `
entities:
  book:
    items:
      - {id: a, name: A, age_range: {min: 40, max: 20}}
`,
		"audience without size": `
audiences:
  - id: x
    demographics: {location: FR}
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadCatalog(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalogMinimal(t *testing.T) {
	c, err := LoadCatalog(strings.NewReader(`
entities:
  brand:
    label: Marque
    items:
      - {id: b1, name: Maison, tags: [design], regions: [FR]}
regions:
  FR: {language: fr, default_tags: [Patrimoine]}
`))
	require.NoError(t, err)

	s := NewSynthesizer(WithCatalog(c))
	got := s.EntityFallback(t.Context(), "brand", persona.PersonaContext{Interests: []string{"design"}}, ReasonManual)
	require.Len(t, got, 2)
	assert.Equal(t, "b1", got[0].ID)
	assert.Equal(t, "Design Marque", got[1].Name)
}

func TestReasonFor(t *testing.T) {
	server := errors.New(errors.KindServerError, "boom", nil)
	assert.Equal(t, ReasonServiceUnavailable, ReasonFor(server, 1))
	assert.Equal(t, ReasonRetriesExhausted, ReasonFor(server, 3))
	assert.Equal(t, ReasonRateLimited, ReasonFor(errors.New(errors.KindRateLimit, "slow down", nil), 4))
	assert.Equal(t, ReasonCircuitOpen, ReasonFor(errors.New(errors.KindServerError, "open", nil).WithCode(errors.CodeCircuitOpen), 1))
	assert.Equal(t, ReasonTimeout, ReasonFor(errors.New(errors.KindNetworkError, "slow", nil).WithDetail("timeout", true), 1))
	assert.Equal(t, ReasonManual, ReasonFor(nil, 0))
	assert.False(t, Reason("nope").Valid())
}
