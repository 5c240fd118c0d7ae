package database

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-story-cache/types"
	"github.com/saiset-co/sai-story-cache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	CollectionStories    = "stories"
	CollectionActs       = "acts"
	CollectionChapters   = "chapters"
	CollectionScenes     = "scenes"
	CollectionCharacters = "characters"
	CollectionLocations  = "locations"
)

var collections = []string{
	CollectionStories,
	CollectionActs,
	CollectionChapters,
	CollectionScenes,
	CollectionCharacters,
	CollectionLocations,
}

// CloverStore keeps the story hierarchy in CloverDB and serves it to the
// structure cache as a types.HierarchyLoader.
type CloverStore struct {
	db     *clover.DB
	logger types.Logger
	config *types.DatabaseConfig
	state  atomic.Value
}

var _ types.HierarchyLoader = (*CloverStore)(nil)

func NewManager(ctx context.Context, logger types.Logger, config *types.DatabaseConfig) (*CloverStore, error) {
	if config == nil {
		config = &types.DatabaseConfig{Type: "clover"}
	}

	switch config.Type {
	case "", "clover":
		return NewCloverStore(ctx, logger, config)
	default:
		return nil, types.Errorf(types.ErrDatabaseTypeUnknown, "type: %s", config.Type)
	}
}

// NewCloverStore opens an in-memory database when config.Path is empty.
func NewCloverStore(_ context.Context, logger types.Logger, config *types.DatabaseConfig) (*CloverStore, error) {
	var db *clover.DB
	var err error

	if config.Path == "" {
		db, err = clover.Open("", clover.InMemoryMode(true))
	} else {
		db, err = clover.Open(config.Path)
	}

	if err != nil {
		return nil, types.Errorf(types.ErrDatabaseOpenFailed, "%v", err)
	}

	for _, name := range collections {
		exists, err := db.HasCollection(name)
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to check collection %s", name)
		}

		if exists {
			continue
		}

		if err := db.CreateCollection(name); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to create collection %s", name)
		}
	}

	s := &CloverStore{
		db:     db,
		logger: logger,
		config: config,
	}

	s.state.Store(StateStopped)
	return s, nil
}

func (s *CloverStore) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	s.state.Store(StateRunning)
	s.logger.Info("CloverDB started", zap.String("path", s.config.Path))
	return nil
}

func (s *CloverStore) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer s.state.Store(StateStopped)

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}

	s.logger.Info("CloverDB stopped gracefully")
	return nil
}

func (s *CloverStore) IsRunning() bool {
	return s.getState() == StateRunning
}

// LoadHierarchy returns nil without error when the story does not exist.
func (s *CloverStore) LoadHierarchy(ctx context.Context, rootID string) (*types.Hierarchy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var stories []types.Story
	if err := findAll(s.db.Query(CollectionStories).Where(clover.Field("id").Eq(rootID)).Limit(1), &stories); err != nil {
		return nil, s.queryError(err, CollectionStories, rootID)
	}

	if len(stories) == 0 {
		return nil, nil
	}

	h := &types.Hierarchy{Story: stories[0]}

	if err := findAll(s.db.Query(CollectionActs).Where(clover.Field("story_id").Eq(rootID)), &h.Acts); err != nil {
		return nil, s.queryError(err, CollectionActs, rootID)
	}

	actIDs := make([]interface{}, 0, len(h.Acts))
	for _, act := range h.Acts {
		actIDs = append(actIDs, act.ID)
	}

	if len(actIDs) > 0 {
		if err := findAll(s.db.Query(CollectionChapters).Where(clover.Field("act_id").In(actIDs...)), &h.Chapters); err != nil {
			return nil, s.queryError(err, CollectionChapters, rootID)
		}
	}

	chapterIDs := make([]interface{}, 0, len(h.Chapters))
	for _, chapter := range h.Chapters {
		chapterIDs = append(chapterIDs, chapter.ID)
	}

	if len(chapterIDs) > 0 {
		if err := findAll(s.db.Query(CollectionScenes).Where(clover.Field("chapter_id").In(chapterIDs...)), &h.Scenes); err != nil {
			return nil, s.queryError(err, CollectionScenes, rootID)
		}
	}

	if err := findAll(s.db.Query(CollectionCharacters).Where(clover.Field("story_id").Eq(rootID)), &h.Characters); err != nil {
		return nil, s.queryError(err, CollectionCharacters, rootID)
	}

	if err := findAll(s.db.Query(CollectionLocations).Where(clover.Field("story_id").Eq(rootID)), &h.Locations); err != nil {
		return nil, s.queryError(err, CollectionLocations, rootID)
	}

	// Characters and locations have no position; keep their order stable.
	sort.Slice(h.Characters, func(i, j int) bool { return h.Characters[i].ID < h.Characters[j].ID })
	sort.Slice(h.Locations, func(i, j int) bool { return h.Locations[i].ID < h.Locations[j].ID })

	return h, nil
}

func (s *CloverStore) SaveStory(ctx context.Context, story types.Story) (string, error) {
	if story.ID == "" {
		story.ID = uuid.New().String()
	}
	return story.ID, s.upsert(ctx, CollectionStories, story.ID, story, nil)
}

func (s *CloverStore) SaveAct(ctx context.Context, act types.Act) (string, error) {
	if act.ID == "" {
		act.ID = uuid.New().String()
	}
	return act.ID, s.upsert(ctx, CollectionActs, act.ID, act, nil)
}

func (s *CloverStore) SaveChapter(ctx context.Context, chapter types.Chapter) (string, error) {
	if chapter.ID == "" {
		chapter.ID = uuid.New().String()
	}
	return chapter.ID, s.upsert(ctx, CollectionChapters, chapter.ID, chapter, nil)
}

func (s *CloverStore) SaveScene(ctx context.Context, scene types.Scene) (string, error) {
	if scene.ID == "" {
		scene.ID = uuid.New().String()
	}
	return scene.ID, s.upsert(ctx, CollectionScenes, scene.ID, scene, nil)
}

func (s *CloverStore) SaveCharacter(ctx context.Context, storyID string, character types.Character) (string, error) {
	if character.ID == "" {
		character.ID = uuid.New().String()
	}
	return character.ID, s.upsert(ctx, CollectionCharacters, character.ID, character, map[string]interface{}{"story_id": storyID})
}

func (s *CloverStore) SaveLocation(ctx context.Context, storyID string, location types.Location) (string, error) {
	if location.ID == "" {
		location.ID = uuid.New().String()
	}
	return location.ID, s.upsert(ctx, CollectionLocations, location.ID, location, map[string]interface{}{"story_id": storyID})
}

// SaveHierarchy writes every entity of h under h.Story.ID.
func (s *CloverStore) SaveHierarchy(ctx context.Context, h *types.Hierarchy) error {
	if h == nil || h.Story.ID == "" {
		return types.Errorf(types.ErrInvalidParameter, "hierarchy story id is required")
	}

	if _, err := s.SaveStory(ctx, h.Story); err != nil {
		return err
	}

	for _, act := range h.Acts {
		if act.StoryID == "" {
			act.StoryID = h.Story.ID
		}
		if _, err := s.SaveAct(ctx, act); err != nil {
			return err
		}
	}

	for _, chapter := range h.Chapters {
		if _, err := s.SaveChapter(ctx, chapter); err != nil {
			return err
		}
	}

	for _, scene := range h.Scenes {
		if _, err := s.SaveScene(ctx, scene); err != nil {
			return err
		}
	}

	for _, character := range h.Characters {
		if _, err := s.SaveCharacter(ctx, h.Story.ID, character); err != nil {
			return err
		}
	}

	for _, location := range h.Locations {
		if _, err := s.SaveLocation(ctx, h.Story.ID, location); err != nil {
			return err
		}
	}

	return nil
}

// Delete removes one entity by type and id. Children are left in place.
func (s *CloverStore) Delete(ctx context.Context, entityType, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	collection, ok := collectionFor(entityType)
	if !ok {
		return types.Errorf(types.ErrInvalidParameter, "entity type: %s", entityType)
	}

	if err := s.db.Query(collection).Where(clover.Field("id").Eq(id)).Delete(); err != nil {
		return s.queryError(err, collection, id)
	}

	return nil
}

func (s *CloverStore) upsert(ctx context.Context, collection, id string, entity interface{}, extra map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fields, err := toFields(entity)
	if err != nil {
		return err
	}

	for key, value := range extra {
		fields[key] = value
	}

	query := s.db.Query(collection).Where(clover.Field("id").Eq(id))

	count, err := query.Count()
	if err != nil {
		return s.queryError(err, collection, id)
	}

	if count > 0 {
		if err := query.Update(fields); err != nil {
			return s.queryError(err, collection, id)
		}
		return nil
	}

	doc := clover.NewDocument()
	for key, value := range fields {
		doc.Set(key, value)
	}

	if err := s.db.Insert(collection, doc); err != nil {
		return s.queryError(err, collection, id)
	}

	return nil
}

func (s *CloverStore) queryError(err error, collection, id string) error {
	wrapped := errors.Wrapf(err, "%s %s", collection, id)
	if stackLogger, ok := s.logger.(types.StackLogger); ok {
		stackLogger.ErrorWithErrStack("CloverDB query failed", wrapped, zap.String("collection", collection))
	} else {
		s.logger.Error("CloverDB query failed", zap.String("collection", collection), zap.Error(wrapped))
	}
	return types.Errorf(types.ErrDatabaseQueryFailed, "%v", wrapped)
}

func (s *CloverStore) getState() State {
	return s.state.Load().(State)
}

func (s *CloverStore) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func collectionFor(entityType string) (string, bool) {
	switch entityType {
	case types.EntityStory:
		return CollectionStories, true
	case types.EntityAct:
		return CollectionActs, true
	case types.EntityChapter:
		return CollectionChapters, true
	case types.EntityScene:
		return CollectionScenes, true
	case types.EntityCharacter:
		return CollectionCharacters, true
	case types.EntityLocation:
		return CollectionLocations, true
	}
	return "", false
}

func toFields(entity interface{}) (map[string]interface{}, error) {
	data, err := utils.Marshal(entity)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode entity")
	}

	fields := make(map[string]interface{})
	if err := utils.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(err, "failed to decode entity fields")
	}

	return fields, nil
}

func findAll[T any](query *clover.Query, out *[]T) error {
	docs, err := query.FindAll()
	if err != nil {
		return err
	}

	items := make([]T, 0, len(docs))
	for _, doc := range docs {
		var item T
		if err := doc.Unmarshal(&item); err != nil {
			return err
		}
		items = append(items, item)
	}

	*out = items
	return nil
}
