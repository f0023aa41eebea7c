// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/personaguard/pkg/persona"
)

//go:embed seeds.yaml
var defaultSeeds []byte

// GlobalRegion marks seeds valid in every region.
const GlobalRegion = "GLOBAL"

// Catalog is the static seed data synthesis draws from.
type Catalog struct {
	Entities      map[string]EntitySeeds `yaml:"entities"`
	TagCategories map[string]TagCategory `yaml:"tag_categories"`
	Regions       map[string]RegionSeed  `yaml:"regions"`
	Audiences     []AudienceSeed         `yaml:"audiences"`
}

// EntitySeeds are the seeds for one entity type.
type EntitySeeds struct {
	Label string       `yaml:"label"`
	Items []EntitySeed `yaml:"items"`
}

// EntitySeed is one catalog entity. A non-zero popularity yields an
// enhanced entity.
type EntitySeed struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Tags        []string         `yaml:"tags"`
	Regions     []string         `yaml:"regions"`
	AgeRange    persona.AgeRange `yaml:"age_range"`
	Popularity  float64          `yaml:"popularity"`
	Description string           `yaml:"description"`
}

// TagCategory groups seed tags with the interest keywords mapping to them.
type TagCategory struct {
	Keywords []string `yaml:"keywords"`
	Tags     []string `yaml:"tags"`
}

// RegionSeed carries region defaults.
type RegionSeed struct {
	Language    string   `yaml:"language"`
	DefaultTags []string `yaml:"default_tags"`
}

// AudienceSeed is one catalog audience.
type AudienceSeed struct {
	ID           string               `yaml:"id"`
	Name         string               `yaml:"name"`
	Description  string               `yaml:"description"`
	Demographics persona.Demographics `yaml:"demographics"`
	Interests    []string             `yaml:"interests"`
	Size         int                  `yaml:"size"`
}

// LoadCatalog decodes a YAML catalog.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode fallback catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var defaultCatalog = sync.OnceValues(func() (*Catalog, error) {
	return LoadCatalog(bytes.NewReader(defaultSeeds))
})

// DefaultCatalog returns the embedded catalog. It panics if the embedded
// file is malformed, which the package tests rule out.
func DefaultCatalog() *Catalog {
	c, err := defaultCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks ids and ranges.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{})
	for typ, seeds := range c.Entities {
		if persona.EntityTypeName(typ) != typ {
			return fmt.Errorf("catalog: unknown entity type %q", typ)
		}
		for _, s := range seeds.Items {
			if s.ID == "" || s.Name == "" {
				return fmt.Errorf("catalog: %s seed without id or name", typ)
			}
			if _, dup := seen[s.ID]; dup {
				return fmt.Errorf("catalog: duplicate seed id %q", s.ID)
			}
			seen[s.ID] = struct{}{}
			if !s.AgeRange.IsZero() && !s.AgeRange.Valid() {
				return fmt.Errorf("catalog: seed %q has invalid age range %s", s.ID, s.AgeRange)
			}
		}
	}
	for _, a := range c.Audiences {
		if a.Size <= 0 {
			return fmt.Errorf("catalog: audience %q has no size", a.ID)
		}
		if a.Demographics.IsZero() {
			return fmt.Errorf("catalog: audience %q has no demographics", a.ID)
		}
	}
	return nil
}

// categoryFor returns the tag category whose keywords contain interest.
func (c *Catalog) categoryFor(interest string) (string, bool) {
	names := make([]string, 0, len(c.TagCategories))
	for name := range c.TagCategories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, kw := range c.TagCategories[name].Keywords {
			if strings.EqualFold(kw, interest) {
				return name, true
			}
		}
	}
	return "", false
}

func (c *Catalog) region(code string) (RegionSeed, bool) {
	r, ok := c.Regions[strings.ToUpper(code)]
	return r, ok
}

func matchesRegion(regions []string, region string) bool {
	if region == "" || len(regions) == 0 {
		return true
	}
	for _, r := range regions {
		if strings.EqualFold(r, region) || r == GlobalRegion {
			return true
		}
	}
	return false
}
