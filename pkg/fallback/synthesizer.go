// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jllopis/personaguard/pkg/audit"
	"github.com/jllopis/personaguard/pkg/core"
	"github.com/jllopis/personaguard/pkg/persona"
	"github.com/jllopis/personaguard/pkg/telemetry"
)

// ConfidenceCeiling caps the confidence of every synthesized item. Genuine
// service results may exceed it.
const ConfidenceCeiling = 0.9

const (
	seedConfidence        = 0.5
	synthesizedConfidence = 0.4
	placeholderConfidence = 0.3
	overlapBoost          = 0.1

	defaultLocation   = "FR"
	defaultIncomeTier = "medium"
	defaultMinAge     = 18
	defaultMaxAge     = 65
	peoplePerAgeYear  = 50000
)

// Kind names what was synthesized.
type Kind string

const (
	KindEntity   Kind = "entity"
	KindTag      Kind = "tag"
	KindAudience Kind = "audience"
	KindInsights Kind = "insights"
)

// Config bounds synthesized result sizes.
type Config struct {
	MinEntities  int
	MaxEntities  int
	MaxTags      int
	MaxAudiences int
}

// DefaultConfig returns the default synthesizer configuration.
func DefaultConfig() Config {
	return Config{MinEntities: 3, MaxEntities: 10, MaxTags: 10, MaxAudiences: 5}
}

// UsageStats are cumulative counters. They only grow until Reset.
type UsageStats struct {
	TotalCalls int64            `json:"totalCalls"`
	ByKind     map[string]int64 `json:"byKind"`
	ByReason   map[string]int64 `json:"byReason"`
	LastUsed   time.Time        `json:"lastUsed,omitempty"`
}

// Quality holds advisory 0-1 heuristics about how well a persona context
// can be served by synthesized data.
type Quality struct {
	Coherence          float64 `json:"coherence"`
	Diversity          float64 `json:"diversity"`
	CulturalRelevance  float64 `json:"culturalRelevance"`
	PersonaConsistency float64 `json:"personaConsistency"`
}

// Synthesizer produces substitute results that stay coherent with a
// PersonaContext. It is safe for concurrent use.
type Synthesizer struct {
	cfg     Config
	catalog *Catalog
	logger  *telemetry.Logger
	metrics *telemetry.ResilienceMetrics
	audit   audit.Store
	now     func() time.Time

	mu    sync.Mutex
	stats UsageStats
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithLogger sets the logger fallback emissions are reported to.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Synthesizer) { s.logger = l }
}

// WithMetrics counts emissions on the OTel fallback counter.
func WithMetrics(m *telemetry.ResilienceMetrics) Option {
	return func(s *Synthesizer) { s.metrics = m }
}

// WithAuditStore records every emission in store.
func WithAuditStore(store audit.Store) Option {
	return func(s *Synthesizer) { s.audit = store }
}

// WithCatalog replaces the embedded seed catalog.
func WithCatalog(c *Catalog) Option {
	return func(s *Synthesizer) {
		if c != nil {
			s.catalog = c
		}
	}
}

// WithConfig overrides size bounds. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(s *Synthesizer) {
		if cfg.MinEntities > 0 {
			s.cfg.MinEntities = cfg.MinEntities
		}
		if cfg.MaxEntities > 0 {
			s.cfg.MaxEntities = cfg.MaxEntities
		}
		if cfg.MaxTags > 0 {
			s.cfg.MaxTags = cfg.MaxTags
		}
		if cfg.MaxAudiences > 0 {
			s.cfg.MaxAudiences = cfg.MaxAudiences
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSynthesizer creates a synthesizer over the embedded catalog.
func NewSynthesizer(opts ...Option) *Synthesizer {
	s := &Synthesizer{
		cfg:     DefaultConfig(),
		catalog: DefaultCatalog(),
		now:     time.Now,
		stats:   emptyStats(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.MinEntities > s.cfg.MaxEntities {
		s.cfg.MinEntities = s.cfg.MaxEntities
	}
	return s
}

// EntityFallback returns entities of entityType suited to pc. It never
// returns an empty slice.
func (s *Synthesizer) EntityFallback(ctx context.Context, entityType string, pc persona.PersonaContext, reason Reason) []persona.Entity {
	out := s.entities(entityType, pc)
	s.emit(ctx, KindEntity, reason, out, meanEntityConfidence(out), map[string]any{
		"entityType": persona.EntityTypeURN(entityType),
	})
	return out
}

// TagFallback returns tags for the union of interests and pc.Interests. It
// never returns an empty slice.
func (s *Synthesizer) TagFallback(ctx context.Context, interests []string, pc persona.PersonaContext, reason Reason) []persona.Tag {
	out := s.tags(interests, pc)
	s.emit(ctx, KindTag, reason, out, meanTagConfidence(out), nil)
	return out
}

// AudienceFallback returns audiences matching demographics, or pc's
// demographics when demographics is zero. Every audience has non-empty
// demographics and a positive size.
func (s *Synthesizer) AudienceFallback(ctx context.Context, demographics persona.Demographics, pc persona.PersonaContext, reason Reason) []persona.Audience {
	out := s.audiences(demographics, pc)
	s.emit(ctx, KindAudience, reason, out, meanAudienceConfidence(out), nil)
	return out
}

// InsightsFallback composes entities, tags and audiences into a full
// response stamped as fallback data with a degraded warning.
func (s *Synthesizer) InsightsFallback(ctx context.Context, params map[string]any, pc persona.PersonaContext, reason Reason) persona.InsightsResponse {
	reason = normalizeReason(reason)
	entityType := stringParam(params, "filter.type")
	if entityType == "" {
		entityType = persona.DefaultEntityURN
	}
	merged := pc
	merged.Interests = append(stringsParam(params, "signal.interests"), pc.Interests...)

	resp := persona.InsightsResponse{
		Entities:  s.entities(entityType, merged),
		Tags:      s.tags(nil, merged),
		Audiences: s.audiences(persona.Demographics{}, merged),
	}
	confidence := round2(mean(
		meanEntityConfidence(resp.Entities),
		meanTagConfidence(resp.Tags),
		meanAudienceConfidence(resp.Audiences),
	))
	resp.Metadata = persona.Metadata{
		DataSource:  persona.DataSourceFallback,
		Reason:      string(reason),
		GeneratedAt: s.now().UTC(),
		RequestID:   uuid.NewString(),
		Confidence:  confidence,
	}
	resp.Status = persona.Status{
		Success:  true,
		Warnings: []string{WarningFor(reason)},
	}
	s.emit(ctx, KindInsights, reason, resp, confidence, map[string]any{
		"entityType": persona.EntityTypeURN(entityType),
		"entities":   len(resp.Entities),
		"tags":       len(resp.Tags),
		"audiences":  len(resp.Audiences),
		"requestId":  resp.Metadata.RequestID,
	})
	return resp
}

// WarningFor is the non-fatal warning attached to synthesized responses.
func WarningFor(reason Reason) string {
	return fmt.Sprintf("degraded response: synthesized fallback data served (%s)", normalizeReason(reason))
}

// UsageStats returns a copy of the cumulative counters.
func (s *Synthesizer) UsageStats() UsageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ByKind = maps.Clone(s.stats.ByKind)
	out.ByReason = maps.Clone(s.stats.ByReason)
	return out
}

// Reset zeroes the usage counters.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	s.stats = emptyStats()
	s.mu.Unlock()
}

func (s *Synthesizer) entities(entityType string, pc persona.PersonaContext) []persona.Entity {
	typeName := persona.EntityTypeName(entityType)
	urn := persona.EntityTypeURN(entityType)
	seeds := s.catalog.Entities[typeName]
	label := seeds.Label
	if label == "" {
		label = capitalize(strings.ReplaceAll(typeName, "_", " "))
	}
	interests := pc.NormalizedInterests()

	out := make([]persona.Entity, 0, s.cfg.MaxEntities)
	for _, seed := range seeds.Items {
		if !seed.AgeRange.Overlaps(pc.Demographics.AgeRange) || !matchesRegion(seed.Regions, pc.Region) {
			continue
		}
		conf := boosted(seedConfidence, overlap(seed.Tags, interests))
		if seed.Popularity > 0 {
			out = append(out, persona.NewEnhancedEntity(seed.ID, seed.Name, urn, seed.Tags, conf, persona.Enhancement{
				Popularity:  seed.Popularity,
				Description: seed.Description,
				Properties:  map[string]string{"source": "seed"},
			}))
			continue
		}
		out = append(out, persona.NewBasicEntity(seed.ID, seed.Name, urn, seed.Tags, conf))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })

	if len(out) < s.cfg.MinEntities {
		for _, interest := range interests {
			tags := []string{interest, typeName}
			out = append(out, persona.NewBasicEntity(
				"fallback-"+typeName+"-"+slug(interest),
				capitalize(interest)+" "+label,
				urn, tags,
				boosted(synthesizedConfidence, overlap(tags, interests)),
			))
		}
	}
	if len(out) == 0 {
		out = append(out, persona.NewBasicEntity(
			"fallback-"+typeName+"-generic",
			label+" populaire",
			urn, []string{typeName},
			placeholderConfidence,
		))
	}
	if len(out) > s.cfg.MaxEntities {
		out = out[:s.cfg.MaxEntities]
	}
	return out
}

func (s *Synthesizer) tags(interests []string, pc persona.PersonaContext) []persona.Tag {
	merged := persona.PersonaContext{Interests: append(append([]string(nil), interests...), pc.Interests...)}
	all := merged.NormalizedInterests()

	out := make([]persona.Tag, 0, s.cfg.MaxTags)
	seen := make(map[string]struct{})
	add := func(name, category string, conf float64) {
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, persona.Tag{
			ID:         "fallback-tag-" + slug(name),
			Name:       name,
			Category:   category,
			Type:       "urn:tag:" + category,
			Confidence: min(conf, ConfidenceCeiling),
		})
	}

	for _, interest := range all {
		category, ok := s.catalog.categoryFor(interest)
		if !ok {
			add(capitalize(interest), "interest", synthesizedConfidence)
			continue
		}
		add(capitalize(interest), category, seedConfidence+overlapBoost)
	}
	// Related seed tags come after every direct interest.
	for _, interest := range all {
		category, ok := s.catalog.categoryFor(interest)
		if !ok {
			continue
		}
		for _, name := range s.catalog.TagCategories[category].Tags {
			add(name, category, seedConfidence)
		}
	}

	if len(out) == 0 {
		region, ok := s.catalog.region(pc.Region)
		if !ok {
			region, _ = s.catalog.region(GlobalRegion)
		}
		for _, name := range region.DefaultTags {
			add(name, "regional", placeholderConfidence)
		}
	}
	if len(out) == 0 {
		add("Tendances", "regional", placeholderConfidence)
	}
	if len(out) > s.cfg.MaxTags {
		out = out[:s.cfg.MaxTags]
	}
	return out
}

func (s *Synthesizer) audiences(demographics persona.Demographics, pc persona.PersonaContext) []persona.Audience {
	demo := demographics
	if demo.IsZero() {
		demo = pc.Demographics
	}
	interests := pc.NormalizedInterests()

	out := make([]persona.Audience, 0, s.cfg.MaxAudiences)
	for _, seed := range s.catalog.Audiences {
		if !seed.Demographics.AgeRange.Overlaps(demo.AgeRange) {
			continue
		}
		out = append(out, persona.Audience{
			ID:           seed.ID,
			Name:         seed.Name,
			Description:  seed.Description,
			Demographics: seed.Demographics,
			Interests:    append([]string(nil), seed.Interests...),
			Size:         seed.Size,
			Confidence:   boosted(seedConfidence, overlap(seed.Interests, interests)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })

	if len(out) == 0 {
		out = append(out, synthesizeAudience(demo, pc, interests))
	}
	if len(out) > s.cfg.MaxAudiences {
		out = out[:s.cfg.MaxAudiences]
	}
	return out
}

func synthesizeAudience(demo persona.Demographics, pc persona.PersonaContext, interests []string) persona.Audience {
	if !demo.AgeRange.Valid() {
		demo.AgeRange = persona.AgeRange{Min: defaultMinAge, Max: defaultMaxAge}
	}
	if demo.IncomeTier == "" {
		demo.IncomeTier = defaultIncomeTier
	}
	if demo.Location == "" {
		demo.Location = defaultLocation
		if pc.Region != "" {
			demo.Location = strings.ToUpper(pc.Region)
		}
	}
	return persona.Audience{
		ID:           "fallback-audience-" + demo.AgeRange.String(),
		Name:         fmt.Sprintf("Audience %s ans", demo.AgeRange),
		Description:  "Segment estimé à partir des données démographiques fournies",
		Demographics: demo,
		Interests:    interests,
		Size:         demo.AgeRange.Span() * peoplePerAgeYear,
		Confidence:   synthesizedConfidence,
	}
}

// emit updates counters, then reports the emission. The persona context
// itself is never logged or audited.
func (s *Synthesizer) emit(ctx context.Context, kind Kind, reason Reason, payload any, confidence float64, details map[string]any) {
	reason = normalizeReason(reason)
	now := s.now().UTC()
	count := itemCount(payload)
	size := 0
	if raw, err := json.Marshal(payload); err == nil {
		size = len(raw)
	}

	s.mu.Lock()
	s.stats.TotalCalls++
	s.stats.ByKind[string(kind)]++
	s.stats.ByReason[string(reason)]++
	s.stats.LastUsed = now
	s.mu.Unlock()

	s.metrics.RecordFallback(ctx, string(kind), string(reason))
	s.logger.Info(ctx, "fallback served",
		"kind", string(kind),
		"reason", string(reason),
		"count", count,
		"payloadBytes", size,
	)

	if s.audit == nil {
		return
	}
	ev := audit.Event{
		ID:           uuid.NewString(),
		Timestamp:    now,
		Kind:         string(kind),
		Reason:       string(reason),
		Count:        count,
		PayloadBytes: size,
		Confidence:   round2(confidence),
		Details:      details,
	}
	if id, ok := core.CorrelationID(ctx); ok {
		ev.CorrelationID = id
	}
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn(ctx, "fallback audit failed", "kind", string(kind), "error", err.Error())
	}
}

func emptyStats() UsageStats {
	return UsageStats{ByKind: make(map[string]int64), ByReason: make(map[string]int64)}
}

func normalizeReason(r Reason) Reason {
	if !r.Valid() {
		return ReasonUnknownError
	}
	return r
}

func itemCount(payload any) int {
	switch v := payload.(type) {
	case []persona.Entity:
		return len(v)
	case []persona.Tag:
		return len(v)
	case []persona.Audience:
		return len(v)
	case persona.InsightsResponse:
		return len(v.Entities) + len(v.Tags) + len(v.Audiences)
	default:
		return 0
	}
}

// overlap counts interests that lexically match at least one tag.
func overlap(tags, interests []string) int {
	n := 0
	for _, interest := range interests {
		for _, tag := range tags {
			t := strings.ToLower(tag)
			if t == interest || (len(interest) >= 3 && strings.Contains(t, interest)) || (len(t) >= 3 && strings.Contains(interest, t)) {
				n++
				break
			}
		}
	}
	return n
}

func boosted(base float64, matches int) float64 {
	return round2(min(base+overlapBoost*float64(matches), ConfidenceCeiling))
}

func meanEntityConfidence(items []persona.Entity) float64 {
	values := make([]float64, len(items))
	for i, it := range items {
		values[i] = it.Confidence
	}
	return mean(values...)
}

func meanTagConfidence(items []persona.Tag) float64 {
	values := make([]float64, len(items))
	for i, it := range items {
		values[i] = it.Confidence
	}
	return mean(values...)
}

func meanAudienceConfidence(items []persona.Audience) float64 {
	values := make([]float64, len(items))
	for i, it := range items {
		values[i] = it.Confidence
	}
	return mean(values...)
}

func mean(values ...float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(v, ",")
	default:
		return nil
	}
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
