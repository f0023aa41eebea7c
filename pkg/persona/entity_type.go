// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package persona

import "strings"

// EntityTypes lists the short names of the entity types the recommendation
// service accepts.
var EntityTypes = []string{
	"brand", "artist", "movie", "place", "book",
	"tv_show", "podcast", "destination", "person", "videogame",
}

// DefaultEntityURN is used when a type cannot be recognized.
const DefaultEntityURN = "urn:entity:brand"

const entityURNPrefix = "urn:entity:"

// EntityTypeURN normalizes a short or prefixed entity type to its URN.
// Unrecognized input maps to DefaultEntityURN.
func EntityTypeURN(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimPrefix(name, entityURNPrefix)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	switch name {
	case "tvshow", "tv":
		name = "tv_show"
	case "video_game", "game":
		name = "videogame"
	}
	for _, t := range EntityTypes {
		if t == name {
			return entityURNPrefix + t
		}
	}
	return DefaultEntityURN
}

// EntityTypeName returns the short name of a type, e.g. "movie" for
// "urn:entity:movie".
func EntityTypeName(raw string) string {
	return strings.TrimPrefix(EntityTypeURN(raw), entityURNPrefix)
}
