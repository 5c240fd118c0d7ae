package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-story-cache/logger"
	"github.com/saiset-co/sai-story-cache/metrics"
	"github.com/saiset-co/sai-story-cache/types"
	"github.com/saiset-co/sai-story-cache/utils"
)

type fakeCache struct {
	mu         sync.Mutex
	stats      types.TierStats
	reconnects int
}

func (c *fakeCache) Mode() types.TierMode { return c.stats.Mode }

func (c *fakeCache) Stats() types.TierStats { return c.stats }

func (c *fakeCache) Reconnect(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
}

type fakeStructure struct {
	snapshots map[string]*types.StructureSnapshot
	err       error
}

func (s *fakeStructure) GetStructure(_ context.Context, rootID, viewerID string) (*types.StructureSnapshot, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	if rootID == "" {
		return nil, false, types.Errorf(types.ErrInvalidParameter, "root id is empty")
	}
	snapshot, ok := s.snapshots[rootID]
	if !ok {
		return nil, false, nil
	}
	copied := *snapshot
	copied.ViewerID = viewerID
	return &copied, true, nil
}

func (s *fakeStructure) GetEntityIDs(_ context.Context, rootID string) (*types.EntityIDs, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	snapshot, ok := s.snapshots[rootID]
	if !ok {
		return nil, false, nil
	}
	ids := snapshot.IDs
	return &ids, true, nil
}

type fakeWrites struct {
	last types.InvalidationContext
}

func (w *fakeWrites) AfterWrite(_ context.Context, ictx types.InvalidationContext) (types.InvalidationDirective, error) {
	w.last = ictx
	return types.InvalidationDirective{
		Partitions: []string{"scenes"},
		Keys:       []string{"scene:" + ictx.EntityID, "story:" + ictx.RootID},
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

type fixture struct {
	router    *Router
	cache     *fakeCache
	collector *metrics.Collector
	structure *fakeStructure
	writes    *fakeWrites
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		router:    NewRouter(),
		cache:     &fakeCache{stats: types.TierStats{Mode: types.TierModeFallback, RemoteEnabled: true, FallbackLimit: 1000}},
		collector: metrics.NewCollector(),
		structure: &fakeStructure{snapshots: map[string]*types.StructureSnapshot{
			"S1": {
				Story:      types.Story{ID: "S1", Title: "Saltmarsh", Status: types.StatusPublished},
				IDs:        types.EntityIDs{Acts: []string{"A1"}, Chapters: []string{}, Scenes: []string{}, Characters: []string{}, Locations: []string{}},
				CachedAt:   time.Now(),
				TTLSeconds: 1800,
			},
		}},
		writes: &fakeWrites{},
	}

	handlers, err := NewHandlers(context.Background(), logger.NewNopLogger(), Dependencies{
		Cache:     f.cache,
		Reporter:  f.collector,
		Structure: f.structure,
		Writes:    f.writes,
		Metrics:   func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString("# metrics") },
	})
	require.NoError(t, err)
	handlers.Register(f.router)

	return f
}

func TestNewHandlers_RequiresCoreDependencies(t *testing.T) {
	_, err := NewHandlers(context.Background(), logger.NewNopLogger(), Dependencies{})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestHandlers_Health(t *testing.T) {
	f := newFixture(t)

	ctx := serve(f.router, fasthttp.MethodGet, "/health", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var body healthResponse
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, types.TierModeFallback, body.Mode)

	f.cache.stats.Mode = types.TierModeRemote
	ctx = serve(f.router, fasthttp.MethodGet, "/health", nil)
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestHandlers_StatsAndReset(t *testing.T) {
	f := newFixture(t)
	f.collector.RecordHit("story")
	f.collector.RecordMiss("story")

	ctx := serve(f.router, fasthttp.MethodGet, "/cache/stats", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var body statsResponse
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &body))
	assert.Equal(t, uint64(1), body.Buckets["story"].Hits)
	assert.InDelta(t, 0.5, body.HitRates["story"], 0.0001)
	assert.Equal(t, 1000, body.Tier.FallbackLimit)

	ctx = serve(f.router, fasthttp.MethodPost, "/cache/stats/reset", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Empty(t, f.collector.Buckets())
}

func TestHandlers_Reconnect(t *testing.T) {
	f := newFixture(t)

	ctx := serve(f.router, fasthttp.MethodPost, "/cache/reconnect", nil)
	assert.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
	assert.Equal(t, 1, f.cache.reconnects)
}

func TestHandlers_Structure(t *testing.T) {
	f := newFixture(t)

	ctx := serve(f.router, fasthttp.MethodGet, "/stories/S1/structure?viewer=u7", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var snapshot types.StructureSnapshot
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &snapshot))
	assert.Equal(t, "Saltmarsh", snapshot.Story.Title)
	assert.Equal(t, "u7", snapshot.ViewerID)

	ctx = serve(f.router, fasthttp.MethodGet, "/stories/missing/structure", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())

	f.structure.err = types.Errorf(types.ErrStructureLoadFailed, "root S1")
	ctx = serve(f.router, fasthttp.MethodGet, "/stories/S1/structure", nil)
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
	assert.NotContains(t, string(ctx.Response.Body()), "root S1")
}

func TestHandlers_EntityIDs(t *testing.T) {
	f := newFixture(t)

	ctx := serve(f.router, fasthttp.MethodGet, "/stories/S1/ids", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var ids types.EntityIDs
	require.NoError(t, utils.Unmarshal(ctx.Response.Body(), &ids))
	assert.Equal(t, []string{"A1"}, ids.Acts)

	f.structure.err = errors.New("boom")
	ctx = serve(f.router, fasthttp.MethodGet, "/stories/S1/ids", nil)
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
}

func TestHandlers_Invalidate(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"entity_type":"scene","entity_id":"E1","parent_ids":["C1","A1"]}`)
	ctx := serve(f.router, fasthttp.MethodPost, "/stories/S1/invalidate", body)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	assert.Equal(t, "S1", f.writes.last.RootID)
	assert.Equal(t, "scene", f.writes.last.EntityType)
	assert.Equal(t, "scenes", string(ctx.Response.Header.Peek(types.HeaderCacheInvalidate)))
	assert.Equal(t, "scene:E1,story:S1", string(ctx.Response.Header.Peek(types.HeaderCacheInvalidateKeys)))
	assert.True(t, strings.HasPrefix(string(ctx.Response.Header.Peek(types.HeaderCacheInvalidateTimestamp)), "2026-03-01T12:00:00.000"))

	ctx = serve(f.router, fasthttp.MethodPost, "/stories/S1/invalidate", nil)
	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, types.EntityStory, f.writes.last.EntityType)
	assert.Equal(t, "S1", f.writes.last.EntityID)

	ctx = serve(f.router, fasthttp.MethodPost, "/stories/S1/invalidate", []byte(`{not json`))
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())

	ctx = serve(f.router, fasthttp.MethodPost, "/stories/S1/invalidate", []byte(`{"entity_type":"scene"}`))
	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandlers_OptionalRoutes(t *testing.T) {
	f := newFixture(t)

	ctx := serve(f.router, fasthttp.MethodGet, "/metrics", nil)
	assert.Equal(t, "# metrics", string(ctx.Response.Body()))

	ctx = serve(f.router, fasthttp.MethodGet, "/cron/jobs", nil)
	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}
