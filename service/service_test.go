package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-story-cache/structure"
	"github.com/saiset-co/sai-story-cache/types"
)

const testConfig = `
name: story-cache-test
logger:
  type: nop
  level: error
cache:
  name: story
  fallback:
    max_entries: 100
metrics:
  enabled: true
  namespace: story_cache_test
cron:
  enabled: true
  timezone: UTC
structure:
  published_ttl: 600
  draft_ttl: 60
  warm:
    enabled: true
    schedule: "@every 1h"
    root_ids: [S1]
`

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	t.Setenv("REDIS_URL", "")

	svc, err := NewServiceFromBytes(context.Background(), []byte(testConfig), append(opts, WithoutSignals())...)
	require.NoError(t, err)
	return svc
}

func seedStore(t *testing.T, svc *Service) {
	t.Helper()

	require.NoError(t, svc.Container().Store.Load().SaveHierarchy(context.Background(), &types.Hierarchy{
		Story:    types.Story{ID: "S1", Title: "Saltmarsh", Status: types.StatusPublished},
		Acts:     []types.Act{{ID: "A1", Position: 1}},
		Chapters: []types.Chapter{{ID: "C1", ActID: "A1", Position: 1}},
		Scenes:   []types.Scene{{ID: "E1", ChapterID: "C1", Position: 1}},
	}))
}

func TestNewService_MissingFile(t *testing.T) {
	_, err := NewService(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigNotFound)

	_, err = NewService(context.Background(), "/nonexistent/config.yml")
	assert.Error(t, err)
}

func TestService_WiresComponents(t *testing.T) {
	svc := newTestService(t)
	c := svc.Container()

	assert.NotNil(t, c.Cache.Load())
	assert.NotNil(t, c.Structure.Load())
	assert.NotNil(t, c.Store.Load())
	assert.NotNil(t, c.Exporter.Load())
	assert.Nil(t, c.HTTPServer.Load())

	jobs := c.Cron.Load().Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, JobFallbackPurge, jobs[0].Name)
	assert.Equal(t, JobStructureWarm, jobs[1].Name)
}

func TestService_AfterWriteInvalidatesStructure(t *testing.T) {
	svc := newTestService(t)
	store := svc.Container().Store.Load()
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })
	seedStore(t, svc)

	ctx := context.Background()
	sc := svc.Container().Structure.Load()
	tiered := svc.Container().Cache.Load()

	require.NoError(t, svc.Container().Cron.Load().Run(JobStructureWarm))

	_, ok := tiered.Get(ctx, structure.StructureKey("S1", ""))
	require.True(t, ok)

	_, err := svc.Container().Store.Load().SaveScene(ctx, types.Scene{ID: "E2", ChapterID: "C1", Position: 2})
	require.NoError(t, err)

	directive, err := svc.AfterWrite(ctx, types.InvalidationContext{
		EntityType: types.EntityScene,
		EntityID:   "E2",
		RootID:     "S1",
		ParentIDs:  []string{"C1", "A1"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"scene:E2", "chapter:C1", "act:A1", "story:S1"}, directive.Keys)
	assert.NotEmpty(t, directive.Partitions)

	_, ok = tiered.Get(ctx, structure.StructureKey("S1", ""))
	assert.False(t, ok)

	snapshot, found, err := sc.GetStructure(ctx, "S1", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"E1", "E2"}, snapshot.IDs.Scenes)
}

func TestService_AfterWriteStoryWithoutRoot(t *testing.T) {
	svc := newTestService(t)

	directive, err := svc.AfterWrite(context.Background(), types.InvalidationContext{
		EntityType: types.EntityStory,
		EntityID:   "S9",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"story:S9"}, directive.Keys)

	_, err = svc.AfterWrite(context.Background(), types.InvalidationContext{
		EntityType: types.EntityScene,
		EntityID:   "E1",
	})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	assert.ErrorIs(t, svc.AfterBulkWrite(context.Background(), []string{"S1", ""}), types.ErrInvalidParameter)
	assert.NoError(t, svc.AfterBulkWrite(context.Background(), []string{"S1", "S2", "S1"}))
}

func TestService_ContainersAreIndependent(t *testing.T) {
	first := newTestService(t)
	second := newTestService(t)

	require.NotSame(t, first.Container(), second.Container())
	assert.NotSame(t, first.Container().Cache.Load(), second.Container().Cache.Load())
	assert.NotNil(t, first.Container().GetLogger())

	seedStore(t, first)

	_, found, err := first.Container().Structure.Load().GetStructure(context.Background(), "S1", "")
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = second.Container().Structure.Load().GetStructure(context.Background(), "S1", "")
	require.NoError(t, err)
	assert.False(t, found, "each service reads its own store")
}

func TestService_CustomLoader(t *testing.T) {
	loader := types.HierarchyLoaderFunc(func(_ context.Context, rootID string) (*types.Hierarchy, error) {
		return &types.Hierarchy{Story: types.Story{ID: rootID, Status: types.StatusDraft}}, nil
	})

	svc := newTestService(t, WithLoader(loader))
	assert.Nil(t, svc.Container().Store.Load())

	snapshot, found, err := svc.Container().Structure.Load().GetStructure(context.Background(), "S5", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 60, snapshot.TTLSeconds)
}

func TestService_StartStop(t *testing.T) {
	svc := newTestService(t)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()

	require.Eventually(t, svc.IsRunning, 5*time.Second, 10*time.Millisecond)
	assert.True(t, svc.Container().Cron.Load().IsRunning())
	assert.Equal(t, types.TierModeFallback, svc.Container().Cache.Load().Mode())

	require.NoError(t, svc.Stop())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}

	<-svc.Done()
	assert.False(t, svc.IsRunning())
	assert.ErrorIs(t, svc.Stop(), types.ErrServerNotRunning)
}
