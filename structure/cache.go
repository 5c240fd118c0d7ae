package structure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-story-cache/types"
)

const (
	DefaultPublishedTTL    = 1800
	DefaultDraftTTL        = 180
	DefaultWarmConcurrency = 4
)

// Cache builds and serves root hierarchy snapshots on top of a
// types.Cache. It owns the snapshot shape and the TTL policy.
type Cache struct {
	logger          types.Logger
	cache           types.Cache
	loader          types.HierarchyLoader
	revisions       *Revisions
	group           singleflight.Group
	publishedTTL    int
	draftTTL        int
	warmConcurrency int
	now             func() time.Time
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(s *Cache) {
		s.now = now
	}
}

func WithRevisions(revisions *Revisions) Option {
	return func(s *Cache) {
		s.revisions = revisions
	}
}

func NewCache(logger types.Logger, cache types.Cache, loader types.HierarchyLoader, config *types.StructureConfig, opts ...Option) (*Cache, error) {
	if cache == nil || loader == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "cache and loader are required")
	}

	s := &Cache{
		logger:          logger,
		cache:           cache,
		loader:          loader,
		publishedTTL:    DefaultPublishedTTL,
		draftTTL:        DefaultDraftTTL,
		warmConcurrency: DefaultWarmConcurrency,
		now:             time.Now,
	}

	if config != nil {
		if config.PublishedTTL > 0 {
			s.publishedTTL = config.PublishedTTL
		}
		if config.DraftTTL > 0 {
			s.draftTTL = config.DraftTTL
		}
		if config.Warm != nil && config.Warm.Concurrency > 0 {
			s.warmConcurrency = config.Warm.Concurrency
		}
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.revisions == nil {
		s.revisions = NewRevisions()
	}

	return s, nil
}

func (s *Cache) Revisions() *Revisions {
	return s.revisions
}

// TTLFor returns the snapshot lifetime in seconds for a root status.
func (s *Cache) TTLFor(status string) int {
	if status == types.StatusPublished {
		return s.publishedTTL
	}
	return s.draftTTL
}

// GetStructure returns the snapshot for rootID, personalized when viewerID
// is set. A root unknown to the loader yields found=false and no error.
func (s *Cache) GetStructure(ctx context.Context, rootID, viewerID string) (*types.StructureSnapshot, bool, error) {
	snapshot, _, err := s.getStructure(ctx, rootID, viewerID)
	return snapshot, snapshot != nil, err
}

func (s *Cache) getStructure(ctx context.Context, rootID, viewerID string) (*types.StructureSnapshot, bool, error) {
	if err := ValidateRootID(rootID); err != nil {
		return nil, false, err
	}

	key := StructureKey(rootID, viewerID)

	if payload, ok := s.cache.Get(ctx, key); ok && payload.Structure != nil {
		return payload.Structure, true, nil
	}

	revision := s.revisions.Acquire(rootID)
	defer s.revisions.Release(rootID)

	flightKey := key + "#" + strconv.FormatUint(revision, 10)

	result, err, shared := s.group.Do(flightKey, func() (interface{}, error) {
		return s.rebuild(ctx, rootID, viewerID, key, revision)
	})
	if err != nil {
		return nil, false, err
	}

	if shared {
		s.logger.Debug("Structure rebuild shared", zap.String("key", key))
	}

	return result.(*types.StructureSnapshot), false, nil
}

// GetEntityIDs serves the five id arrays from their narrow keys. If any of
// them is missing the whole set is rebuilt through GetStructure.
func (s *Cache) GetEntityIDs(ctx context.Context, rootID string) (*types.EntityIDs, bool, error) {
	if err := ValidateRootID(rootID); err != nil {
		return nil, false, err
	}

	results := make([][]string, len(Facets))
	missing := make([]bool, len(Facets))

	var g errgroup.Group
	for i, facet := range Facets {
		i, facet := i, facet
		g.Go(func() error {
			payload, ok := s.cache.Get(ctx, IDIndexKey(rootID, facet))
			if !ok || payload.IDs == nil || payload.IDs.Facet != facet {
				missing[i] = true
				return nil
			}
			results[i] = payload.IDs.IDs
			return nil
		})
	}
	_ = g.Wait()

	complete := true
	for _, m := range missing {
		if m {
			complete = false
			break
		}
	}

	if complete {
		ids := &types.EntityIDs{}
		for i, facet := range Facets {
			setFacetIDs(ids, facet, results[i])
		}
		return ids, true, nil
	}

	snapshot, cached, err := s.getStructure(ctx, rootID, "")
	if err != nil || snapshot == nil {
		return nil, false, err
	}

	if cached {
		remaining := int(snapshot.CachedAt.Add(time.Duration(snapshot.TTLSeconds) * time.Second).Sub(s.now()) / time.Second)
		if remaining > 0 {
			s.storeIDIndexes(ctx, rootID, snapshot, remaining)
		}
	}

	ids := snapshot.IDs
	return &ids, true, nil
}

// Warm loads every root concurrently. One failing root does not stop the
// others; all failures are returned together.
func (s *Cache) Warm(ctx context.Context, rootIDs []string) error {
	if len(rootIDs) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		failures []error
		warmed   int
		seen     = make(map[string]struct{}, len(rootIDs))
	)

	var g errgroup.Group
	g.SetLimit(s.warmConcurrency)

	for _, rootID := range rootIDs {
		if _, dup := seen[rootID]; dup {
			continue
		}
		seen[rootID] = struct{}{}

		rootID := rootID
		g.Go(func() error {
			_, found, err := s.GetStructure(ctx, rootID, "")

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				failures = append(failures, fmt.Errorf("root %q: %w", rootID, err))
				s.logger.Warn("Structure warm failed", zap.String("root_id", rootID), zap.Error(err))
			case !found:
				s.logger.Debug("Structure warm skipped unknown root", zap.String("root_id", rootID))
			default:
				warmed++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("Structure warm finished",
		zap.Int("requested", len(seen)),
		zap.Int("warmed", warmed),
		zap.Int("failed", len(failures)))

	if len(failures) > 0 {
		return fmt.Errorf("%w: %d of %d roots: %w", types.ErrWarmPartialFailure, len(failures), len(seen), errors.Join(failures...))
	}

	return nil
}

func (s *Cache) rebuild(ctx context.Context, rootID, viewerID, key string, revision uint64) (*types.StructureSnapshot, error) {
	hierarchy, err := s.loader.LoadHierarchy(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("%w: root %s: %w", types.ErrStructureLoadFailed, rootID, err)
	}

	if hierarchy == nil {
		return nil, nil
	}

	ttl := s.TTLFor(hierarchy.Story.Status)
	snapshot := buildSnapshot(hierarchy, viewerID, ttl, s.now().UTC())
	if snapshot.Story.ID == "" {
		snapshot.Story.ID = rootID
	}

	if current := s.revisions.Revision(rootID); current != revision {
		s.logger.Debug("Root invalidated during rebuild, result not cached",
			zap.String("root_id", rootID),
			zap.Uint64("started_at", revision),
			zap.Uint64("current", current))
		return snapshot, nil
	}

	s.cache.Set(ctx, key, types.NewStructurePayload(snapshot), ttl)
	s.storeIDIndexes(ctx, rootID, snapshot, ttl)

	s.logger.Debug("Structure cached",
		zap.String("key", key),
		zap.String("status", hierarchy.Story.Status),
		zap.Int("ttl", ttl))

	return snapshot, nil
}

func (s *Cache) storeIDIndexes(ctx context.Context, rootID string, snapshot *types.StructureSnapshot, ttl int) {
	for _, facet := range Facets {
		s.cache.Set(ctx, IDIndexKey(rootID, facet), types.NewIDIndexPayload(facet, facetIDs(&snapshot.IDs, facet)), ttl)
	}
}

// buildSnapshot copies the hierarchy so the snapshot shares no slices with
// the loader, ordering groups and items by position.
func buildSnapshot(h *types.Hierarchy, viewerID string, ttl int, cachedAt time.Time) *types.StructureSnapshot {
	acts := append(make([]types.Act, 0, len(h.Acts)), h.Acts...)
	sort.SliceStable(acts, func(i, j int) bool { return acts[i].Position < acts[j].Position })

	chapters := append(make([]types.Chapter, 0, len(h.Chapters)), h.Chapters...)
	sort.SliceStable(chapters, func(i, j int) bool { return chapters[i].Position < chapters[j].Position })

	scenes := append(make([]types.Scene, 0, len(h.Scenes)), h.Scenes...)
	sort.SliceStable(scenes, func(i, j int) bool { return scenes[i].Position < scenes[j].Position })

	characters := append(make([]types.Character, 0, len(h.Characters)), h.Characters...)
	locations := append(make([]types.Location, 0, len(h.Locations)), h.Locations...)

	ids := types.EntityIDs{
		Acts:       make([]string, 0, len(acts)),
		Chapters:   make([]string, 0, len(chapters)),
		Scenes:     make([]string, 0, len(scenes)),
		Characters: make([]string, 0, len(characters)),
		Locations:  make([]string, 0, len(locations)),
	}
	for _, a := range acts {
		ids.Acts = append(ids.Acts, a.ID)
	}
	for _, c := range chapters {
		ids.Chapters = append(ids.Chapters, c.ID)
	}
	for _, sc := range scenes {
		ids.Scenes = append(ids.Scenes, sc.ID)
	}
	for _, c := range characters {
		ids.Characters = append(ids.Characters, c.ID)
	}
	for _, l := range locations {
		ids.Locations = append(ids.Locations, l.ID)
	}

	return &types.StructureSnapshot{
		Story:      h.Story,
		Acts:       acts,
		Chapters:   chapters,
		Scenes:     scenes,
		Characters: characters,
		Locations:  locations,
		IDs:        ids,
		ViewerID:   viewerID,
		CachedAt:   cachedAt,
		TTLSeconds: ttl,
	}
}
