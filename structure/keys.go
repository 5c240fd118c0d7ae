package structure

import (
	"strings"

	"github.com/saiset-co/sai-story-cache/types"
)

const (
	FacetActs       = "acts"
	FacetChapters   = "chapters"
	FacetScenes     = "scenes"
	FacetCharacters = "characters"
	FacetLocations  = "locations"
)

// Facets lists the id-index arrays stored next to every snapshot.
var Facets = []string{FacetActs, FacetChapters, FacetScenes, FacetCharacters, FacetLocations}

// Every key of a root starts with "story:{rootID}:" so RootPattern reaches
// all of them.
func rootPrefix(rootID string) string {
	return types.EntityStory + ":" + rootID + ":"
}

// ValidateRootID rejects ids that cannot be addressed by RootPattern. A "*"
// inside the prefix would read as a wildcard.
func ValidateRootID(rootID string) error {
	if rootID == "" {
		return types.Errorf(types.ErrInvalidParameter, "root id is empty")
	}
	if strings.Contains(rootID, "*") {
		return types.Errorf(types.ErrInvalidParameter, "root id %q contains '*'", rootID)
	}
	return nil
}

func StructureKey(rootID, viewerID string) string {
	if viewerID == "" {
		return rootPrefix(rootID) + "structure:public"
	}
	return rootPrefix(rootID) + "structure:viewer:" + viewerID
}

func IDIndexKey(rootID, facet string) string {
	return rootPrefix(rootID) + "ids:" + facet
}

func RootPattern(rootID string) string {
	return rootPrefix(rootID) + "*"
}

func facetIDs(ids *types.EntityIDs, facet string) []string {
	switch facet {
	case FacetActs:
		return ids.Acts
	case FacetChapters:
		return ids.Chapters
	case FacetScenes:
		return ids.Scenes
	case FacetCharacters:
		return ids.Characters
	case FacetLocations:
		return ids.Locations
	}
	return nil
}

func setFacetIDs(ids *types.EntityIDs, facet string, values []string) {
	switch facet {
	case FacetActs:
		ids.Acts = values
	case FacetChapters:
		ids.Chapters = values
	case FacetScenes:
		ids.Scenes = values
	case FacetCharacters:
		ids.Characters = values
	case FacetLocations:
		ids.Locations = values
	}
}
