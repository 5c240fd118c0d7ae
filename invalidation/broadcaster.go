package invalidation

import (
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-story-cache/types"
)

const (
	PartitionStoryEditor      = "story-editor"
	PartitionStoryReader      = "story-reader"
	PartitionStoryBrowse      = "story-browse"
	PartitionCharacterLibrary = "character-library"
	PartitionLocationLibrary  = "location-library"
	PartitionUserProfile      = "user-profile"
)

// TimestampFormat is RFC 3339 with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

var partitionTable = map[string][]string{
	types.EntityStory:     {PartitionStoryEditor, PartitionStoryReader, PartitionStoryBrowse},
	types.EntityAct:       {PartitionStoryEditor, PartitionStoryReader},
	types.EntityChapter:   {PartitionStoryEditor, PartitionStoryReader},
	types.EntityScene:     {PartitionStoryEditor, PartitionStoryReader},
	types.EntityCharacter: {PartitionStoryEditor, PartitionCharacterLibrary},
	types.EntityLocation:  {PartitionStoryEditor, PartitionLocationLibrary},
	types.EntityUser:      {PartitionUserProfile},
}

var parentTable = map[string]string{
	types.EntityScene:     types.EntityChapter,
	types.EntityChapter:   types.EntityAct,
	types.EntityAct:       types.EntityStory,
	types.EntityCharacter: types.EntityStory,
	types.EntityLocation:  types.EntityStory,
}

// Broadcaster maps a completed write to the client-side cache partitions
// and composite keys that downstream caches should drop.
type Broadcaster struct {
	now func() time.Time
}

type BroadcasterOption func(*Broadcaster)

func WithBroadcasterClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) {
		b.now = now
	}
}

func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Partitions returns the downstream partitions an entity type can affect.
// Unknown types affect none.
func Partitions(entityType string) []string {
	return append([]string{}, partitionTable[entityType]...)
}

func (b *Broadcaster) ForMutation(ictx types.InvalidationContext) types.InvalidationDirective {
	return types.InvalidationDirective{
		Partitions: Partitions(ictx.EntityType),
		Keys:       compositeKeys(ictx),
		Timestamp:  b.now().UTC().Truncate(time.Millisecond),
	}
}

func compositeKeys(ictx types.InvalidationContext) []string {
	keys := make([]string, 0, 5)
	seen := make(map[string]struct{}, 5)

	add := func(entityType, id string) {
		if id == "" {
			return
		}
		key := entityType + ":" + id
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	add(ictx.EntityType, ictx.EntityID)

	parentType := parentOf(ictx.EntityType)
	add(parentType, ictx.ParentID())
	add(parentOf(parentType), ictx.GrandparentID())

	add(types.EntityStory, ictx.RootID)
	add(types.EntityUser, ictx.ViewerID)

	return keys
}

func parentOf(entityType string) string {
	if parent, ok := parentTable[entityType]; ok {
		return parent
	}
	return "parent"
}

// Headers renders a directive as response metadata. The partition header
// is omitted when the directive names no partitions.
func Headers(d types.InvalidationDirective) map[string]string {
	headers := map[string]string{
		types.HeaderCacheInvalidateKeys:      strings.Join(d.Keys, ","),
		types.HeaderCacheInvalidateTimestamp: d.Timestamp.UTC().Format(TimestampFormat),
	}
	if len(d.Partitions) > 0 {
		headers[types.HeaderCacheInvalidate] = strings.Join(d.Partitions, ",")
	}
	return headers
}

func ApplyToResponse(header *fasthttp.ResponseHeader, d types.InvalidationDirective) {
	for name, value := range Headers(d) {
		header.Set(name, value)
	}
}
