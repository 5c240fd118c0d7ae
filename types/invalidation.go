package types

import (
	"time"
)

const (
	HeaderCacheInvalidate          = "X-Cache-Invalidate"
	HeaderCacheInvalidateKeys      = "X-Cache-Invalidate-Keys"
	HeaderCacheInvalidateTimestamp = "X-Cache-Invalidate-Timestamp"
)

// InvalidationContext describes one completed write. ParentIDs lists the
// direct parent first, then the grandparent.
type InvalidationContext struct {
	EntityType string   `json:"entity_type" validate:"required"`
	EntityID   string   `json:"entity_id" validate:"required"`
	RootID     string   `json:"root_id,omitempty"`
	ParentIDs  []string `json:"parent_ids,omitempty"`
	ViewerID   string   `json:"viewer_id,omitempty"`
}

func (c InvalidationContext) ParentID() string {
	if len(c.ParentIDs) > 0 {
		return c.ParentIDs[0]
	}
	return ""
}

func (c InvalidationContext) GrandparentID() string {
	if len(c.ParentIDs) > 1 {
		return c.ParentIDs[1]
	}
	return ""
}

type InvalidationDirective struct {
	Partitions []string  `json:"partitions"`
	Keys       []string  `json:"keys"`
	Timestamp  time.Time `json:"timestamp"`
}

// RevisionTracker counts in-process invalidations per root.
type RevisionTracker interface {
	Revision(rootID string) uint64
	Bump(rootID string) uint64
}
