package types

import (
	"context"
	"time"
)

const (
	EntityStory     = "story"
	EntityAct       = "act"
	EntityChapter   = "chapter"
	EntityScene     = "scene"
	EntityCharacter = "character"
	EntityLocation  = "location"
	EntityUser      = "user"
)

const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// HierarchyLoader is owned by the data-access layer. A nil hierarchy with a
// nil error means the root does not exist.
type HierarchyLoader interface {
	LoadHierarchy(ctx context.Context, rootID string) (*Hierarchy, error)
}

type HierarchyLoaderFunc func(ctx context.Context, rootID string) (*Hierarchy, error)

func (f HierarchyLoaderFunc) LoadHierarchy(ctx context.Context, rootID string) (*Hierarchy, error) {
	return f(ctx, rootID)
}

type Hierarchy struct {
	Story      Story       `json:"story"`
	Acts       []Act       `json:"acts"`
	Chapters   []Chapter   `json:"chapters"`
	Scenes     []Scene     `json:"scenes"`
	Characters []Character `json:"characters"`
	Locations  []Location  `json:"locations"`
}

type Story struct {
	ID        string    `json:"id" validate:"required"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	AuthorID  string    `json:"author_id,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Act struct {
	ID       string `json:"id"`
	StoryID  string `json:"story_id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

type Chapter struct {
	ID       string `json:"id"`
	ActID    string `json:"act_id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

type Scene struct {
	ID        string `json:"id"`
	ChapterID string `json:"chapter_id"`
	Title     string `json:"title"`
	Content   string `json:"content,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	Position  int    `json:"position"`
}

type Character struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type Location struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// StructureSnapshot is built once per cache miss and never modified after.
type StructureSnapshot struct {
	Story      Story       `json:"story"`
	Acts       []Act       `json:"acts"`
	Chapters   []Chapter   `json:"chapters"`
	Scenes     []Scene     `json:"scenes"`
	Characters []Character `json:"characters"`
	Locations  []Location  `json:"locations"`
	IDs        EntityIDs   `json:"ids"`
	ViewerID   string      `json:"viewer_id,omitempty"`
	CachedAt   time.Time   `json:"cached_at" validate:"required"`
	TTLSeconds int         `json:"ttl_seconds" validate:"min=1"`
}

type EntityIDs struct {
	Acts       []string `json:"acts"`
	Chapters   []string `json:"chapters"`
	Scenes     []string `json:"scenes"`
	Characters []string `json:"characters"`
	Locations  []string `json:"locations"`
}
