package structure

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-story-cache/cache"
	"github.com/saiset-co/sai-story-cache/logger"
	"github.com/saiset-co/sai-story-cache/metrics"
	"github.com/saiset-co/sai-story-cache/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryLoader serves hierarchies from a map and counts loads per root.
type memoryLoader struct {
	mu      sync.Mutex
	stories map[string]*types.Hierarchy
	errs    map[string]error
	calls   map[string]int
	gate    chan struct{}
}

func newMemoryLoader() *memoryLoader {
	return &memoryLoader{
		stories: make(map[string]*types.Hierarchy),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (l *memoryLoader) LoadHierarchy(ctx context.Context, rootID string) (*types.Hierarchy, error) {
	l.mu.Lock()
	l.calls[rootID]++
	gate := l.gate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.errs[rootID]; err != nil {
		return nil, err
	}

	h, ok := l.stories[rootID]
	if !ok {
		return nil, nil
	}
	copied := *h
	return &copied, nil
}

func (l *memoryLoader) put(h *types.Hierarchy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stories[h.Story.ID] = h
}

func (l *memoryLoader) setStatus(rootID, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stories[rootID].Story.Status = status
}

func (l *memoryLoader) fail(rootID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs[rootID] = err
}

func (l *memoryLoader) setGate(gate chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gate = gate
}

func (l *memoryLoader) callCount(rootID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[rootID]
}

func sampleHierarchy(rootID, status string) *types.Hierarchy {
	return &types.Hierarchy{
		Story: types.Story{ID: rootID, Title: "Harbor Lights", Status: status},
		Acts: []types.Act{
			{ID: "A2", StoryID: rootID, Title: "Storm", Position: 2},
			{ID: "A1", StoryID: rootID, Title: "Arrival", Position: 1},
		},
		Chapters: []types.Chapter{
			{ID: "C1", ActID: "A1", Title: "The Pier", Position: 1},
		},
		Scenes: []types.Scene{
			{ID: "E2", ChapterID: "C1", Title: "Night", Position: 2},
			{ID: "E1", ChapterID: "C1", Title: "Dusk", Position: 1},
		},
		Characters: []types.Character{{ID: "P1", Name: "Mara"}},
		Locations:  []types.Location{{ID: "L1", Name: "Lighthouse"}},
	}
}

type fixture struct {
	clock     *testClock
	tiered    *cache.TieredCache
	collector *metrics.Collector
	loader    *memoryLoader
	structure *Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	collector := metrics.NewCollector()

	tiered, err := cache.NewTieredCache(logger.NewNopLogger(), collector,
		&types.CacheConfig{Name: "story", Fallback: &types.FallbackConfig{MaxEntries: 1000}},
		cache.WithFallback(cache.NewFallbackTier(1000, cache.WithClock(clock.Now))))
	require.NoError(t, err)

	loader := newMemoryLoader()
	s, err := NewCache(logger.NewNopLogger(), tiered, loader, &types.StructureConfig{
		PublishedTTL: 1800,
		DraftTTL:     180,
	}, WithClock(clock.Now))
	require.NoError(t, err)

	return &fixture{clock: clock, tiered: tiered, collector: collector, loader: loader, structure: s}
}

func (f *fixture) invalidate(ctx context.Context, rootID string) {
	f.structure.Revisions().Bump(rootID)
	f.tiered.DelPattern(ctx, RootPattern(rootID))
}

func TestCache_GetStructure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.loader.put(sampleHierarchy("S1", types.StatusDraft))

	t.Run("Miss builds and stores", func(t *testing.T) {
		snapshot, found, err := f.structure.GetStructure(ctx, "S1", "")
		require.NoError(t, err)
		require.True(t, found)

		assert.Equal(t, "S1", snapshot.Story.ID)
		assert.Equal(t, []string{"A1", "A2"}, snapshot.IDs.Acts)
		assert.Equal(t, []string{"E1", "E2"}, snapshot.IDs.Scenes)
		assert.Equal(t, []string{"P1"}, snapshot.IDs.Characters)
		assert.Equal(t, []string{"L1"}, snapshot.IDs.Locations)
		assert.Equal(t, "A1", snapshot.Acts[0].ID)
		assert.Equal(t, f.clock.Now(), snapshot.CachedAt)
		assert.Equal(t, 1, f.loader.callCount("S1"))
	})

	t.Run("Hit does not load", func(t *testing.T) {
		snapshot, found, err := f.structure.GetStructure(ctx, "S1", "")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "Harbor Lights", snapshot.Story.Title)
		assert.Equal(t, 1, f.loader.callCount("S1"))
	})

	t.Run("Id indexes are stored", func(t *testing.T) {
		for _, facet := range Facets {
			payload, found := f.tiered.Get(ctx, IDIndexKey("S1", facet))
			require.True(t, found, facet)
			assert.Equal(t, facet, payload.IDs.Facet)
		}
	})

	t.Run("Viewer variant is separate", func(t *testing.T) {
		snapshot, found, err := f.structure.GetStructure(ctx, "S1", "U7")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "U7", snapshot.ViewerID)
		assert.Equal(t, 2, f.loader.callCount("S1"))

		_, found = f.tiered.Get(ctx, StructureKey("S1", "U7"))
		assert.True(t, found)
	})

	t.Run("Unknown root is absent", func(t *testing.T) {
		snapshot, found, err := f.structure.GetStructure(ctx, "missing", "")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, snapshot)
	})

	t.Run("Empty root id", func(t *testing.T) {
		_, _, err := f.structure.GetStructure(ctx, "", "")
		assert.ErrorIs(t, err, types.ErrInvalidParameter)
	})
}

func TestCache_LoaderErrorPropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dbErr := errors.New("connection reset")
	f.loader.fail("S1", dbErr)

	_, found, err := f.structure.GetStructure(ctx, "S1", "")
	assert.False(t, found)
	assert.ErrorIs(t, err, types.ErrStructureLoadFailed)
	assert.ErrorIs(t, err, dbErr)

	_, ok := f.tiered.Get(ctx, StructureKey("S1", ""))
	assert.False(t, ok)
}

func TestCache_TTLPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.loader.put(sampleHierarchy("S1", types.StatusDraft))

	snapshot, _, err := f.structure.GetStructure(ctx, "S1", "")
	require.NoError(t, err)
	assert.Equal(t, 180, snapshot.TTLSeconds)

	f.loader.setStatus("S1", types.StatusPublished)
	f.invalidate(ctx, "S1")

	snapshot, _, err = f.structure.GetStructure(ctx, "S1", "")
	require.NoError(t, err)
	assert.Equal(t, 1800, snapshot.TTLSeconds)

	payload, found := f.tiered.Get(ctx, StructureKey("S1", ""))
	require.True(t, found)
	assert.Equal(t, 1800, payload.Structure.TTLSeconds)
}

func TestCache_IncompleteHierarchyIsCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	h := sampleHierarchy("S1", "")
	h.Characters = append(h.Characters, types.Character{Name: "Stowaway"})
	f.loader.put(h)

	for i := 0; i < 3; i++ {
		snapshot, found, err := f.structure.GetStructure(ctx, "S1", "")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 180, snapshot.TTLSeconds, "empty status gets the short ttl")
	}

	assert.Equal(t, 1, f.loader.callCount("S1"))
	assert.Zero(t, f.collector.Bucket("story").Errors)

	ids, found, err := f.structure.GetEntityIDs(ctx, "S1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"P1", ""}, ids.Characters)
	assert.Equal(t, 1, f.loader.callCount("S1"))
}

func TestCache_MissingStoryIDDefaultsToRoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	h := sampleHierarchy("S1", types.StatusPublished)
	f.loader.put(h)
	h.Story.ID = ""

	snapshot, found, err := f.structure.GetStructure(ctx, "S1", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "S1", snapshot.Story.ID)

	_, found = f.tiered.Get(ctx, StructureKey("S1", ""))
	assert.True(t, found)
}

func TestCache_DraftSnapshotExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.loader.put(sampleHierarchy("S1", types.StatusDraft))

	_, _, err := f.structure.GetStructure(ctx, "S1", "")
	require.NoError(t, err)

	f.clock.Advance(179 * time.Second)
	_, _, err = f.structure.GetStructure(ctx, "S1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.loader.callCount("S1"))

	f.clock.Advance(2 * time.Second)
	_, _, err = f.structure.GetStructure(ctx, "S1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, f.loader.callCount("S1"))
}

func TestCache_TTLFor(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 1800, f.structure.TTLFor(types.StatusPublished))
	assert.Equal(t, 180, f.structure.TTLFor(types.StatusDraft))
	assert.Equal(t, 180, f.structure.TTLFor("archived"))
}

func TestCache_InvalidationForcesRebuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.loader.put(sampleHierarchy("S1", types.StatusPublished))

	_, _, err := f.structure.GetStructure(ctx, "S1", "")
	require.NoError(t, err)
	_, _, err = f.structure.GetStructure(ctx, "S1", "U1")
	require.NoError(t, err)
	require.Equal(t, 2, f.loader.callCount("S1"))

	f.invalidate(ctx, "S1")

	_, _, err = f.structure.GetStructure(ctx, "S1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, f.loader.callCount("S1"))

	_, _, err = f.structure.GetStructure(ctx, "S1", "U1")
	require.NoError(t, err)
	assert.Equal(t, 4, f.loader.callCount("S1"))
}

func TestCache_GetEntityIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.loader.put(sampleHierarchy("S1", types.StatusPublished))

	t.Run("Cold path rebuilds", func(t *testing.T) {
		ids, found, err := f.structure.GetEntityIDs(ctx, "S1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []string{"A1", "A2"}, ids.Acts)
		assert.Equal(t, []string{"C1"}, ids.Chapters)
		assert.Equal(t, 1, f.loader.callCount("S1"))
	})

	t.Run("Warm path reads narrow keys", func(t *testing.T) {
		f.tiered.Del(ctx, StructureKey("S1", ""))

		ids, found, err := f.structure.GetEntityIDs(ctx, "S1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []string{"E1", "E2"}, ids.Scenes)
		assert.Equal(t, 1, f.loader.callCount("S1"))
	})

	t.Run("One missing facet rebuilds all", func(t *testing.T) {
		f.tiered.Del(ctx, IDIndexKey("S1", FacetLocations))

		ids, found, err := f.structure.GetEntityIDs(ctx, "S1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []string{"L1"}, ids.Locations)
		assert.Equal(t, 2, f.loader.callCount("S1"))

		_, ok := f.tiered.Get(ctx, IDIndexKey("S1", FacetLocations))
		assert.True(t, ok)
	})

	t.Run("Missing facet refilled from cached snapshot", func(t *testing.T) {
		f.tiered.Del(ctx, IDIndexKey("S1", FacetActs))

		ids, found, err := f.structure.GetEntityIDs(ctx, "S1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []string{"A1", "A2"}, ids.Acts)
		assert.Equal(t, 2, f.loader.callCount("S1"))

		_, ok := f.tiered.Get(ctx, IDIndexKey("S1", FacetActs))
		assert.True(t, ok)
	})

	t.Run("Unknown root", func(t *testing.T) {
		ids, found, err := f.structure.GetEntityIDs(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, ids)
	})
}

func TestCache_ConcurrentMissesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.loader.put(sampleHierarchy("S1", types.StatusPublished))

	gate := make(chan struct{})
	f.loader.setGate(gate)

	var (
		wg    sync.WaitGroup
		found atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := f.structure.GetStructure(ctx, "S1", "")
			if err == nil && ok {
				found.Add(1)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(10), found.Load())
	assert.Equal(t, 1, f.loader.callCount("S1"))
}

func TestCache_RebuildDuringInvalidationIsNotStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.loader.put(sampleHierarchy("S1", types.StatusDraft))

	gate := make(chan struct{})
	f.loader.setGate(gate)

	done := make(chan *types.StructureSnapshot, 1)
	go func() {
		snapshot, _, _ := f.structure.GetStructure(ctx, "S1", "")
		done <- snapshot
	}()

	require.Eventually(t, func() bool { return f.loader.callCount("S1") == 1 }, time.Second, 5*time.Millisecond)

	f.invalidate(ctx, "S1")
	f.loader.setGate(nil)
	close(gate)

	snapshot := <-done
	require.NotNil(t, snapshot, "caller still receives the rebuilt snapshot")

	_, found := f.tiered.Get(ctx, StructureKey("S1", ""))
	assert.False(t, found, "stale rebuild is not cached")

	_, _, err := f.structure.GetStructure(ctx, "S1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, f.loader.callCount("S1"))
}

func TestCache_Warm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.loader.put(sampleHierarchy("S1", types.StatusPublished))
	f.loader.put(sampleHierarchy("S2", types.StatusDraft))
	f.loader.put(sampleHierarchy("S3", types.StatusDraft))
	f.loader.fail("S3", errors.New("timeout"))

	err := f.structure.Warm(ctx, []string{"S1", "S2", "S3", "S1", "ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrWarmPartialFailure)
	assert.Contains(t, err.Error(), `root "S3"`)

	for _, rootID := range []string{"S1", "S2"} {
		_, found := f.tiered.Get(ctx, StructureKey(rootID, ""))
		assert.True(t, found, rootID)
		assert.Equal(t, 1, f.loader.callCount(rootID))
	}

	assert.NoError(t, f.structure.Warm(ctx, []string{"S1", "S2"}))
	assert.NoError(t, f.structure.Warm(ctx, nil))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "story:S1:structure:public", StructureKey("S1", ""))
	assert.Equal(t, "story:S1:structure:viewer:U1", StructureKey("S1", "U1"))
	assert.Equal(t, "story:S1:ids:scenes", IDIndexKey("S1", FacetScenes))
	assert.Equal(t, "story:S1:*", RootPattern("S1"))
}

func TestRevisions(t *testing.T) {
	r := NewRevisions()
	assert.Zero(t, r.Revision("S1"))
	assert.Zero(t, r.Bump("S1"), "untracked root records nothing")

	assert.Zero(t, r.Acquire("S1"))
	assert.Equal(t, uint64(1), r.Bump("S1"))
	assert.Equal(t, uint64(2), r.Bump("S1"))
	assert.Equal(t, uint64(2), r.Acquire("S1"))
	assert.Equal(t, uint64(2), r.Revision("S1"))
	assert.Zero(t, r.Revision("S2"))

	r.Release("S1")
	assert.Equal(t, 1, r.Len())
	r.Release("S1")
	assert.Zero(t, r.Len())
	assert.Zero(t, r.Revision("S1"))

	r.Release("S1")
	assert.Zero(t, r.Len())
}

func TestCache_RevisionsArePruned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, rootID := range []string{"S1", "S2", "S3"} {
		f.loader.put(sampleHierarchy(rootID, types.StatusDraft))
		_, _, err := f.structure.GetStructure(ctx, rootID, "")
		require.NoError(t, err)
		f.invalidate(ctx, rootID)
	}
	_, _, err := f.structure.GetStructure(ctx, "ghost", "")
	require.NoError(t, err)

	assert.Zero(t, f.structure.Revisions().Len())
}
