package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-story-cache/logger"
	"github.com/saiset-co/sai-story-cache/types"
)

func newTestExporter(t *testing.T) (*Collector, *Exporter) {
	t.Helper()

	collector := NewCollector()
	exporter, err := NewExporter(logger.NewNopLogger(), collector, &types.MetricsConfig{
		Enabled:   true,
		Namespace: "test_cache",
		Labels:    map[string]string{"service": "story"},
	})
	require.NoError(t, err)

	return collector, exporter
}

func TestExporter_CollectsBuckets(t *testing.T) {
	collector, exporter := newTestExporter(t)

	collector.RecordHit("story")
	collector.RecordHit("story")
	collector.RecordMiss("story")

	expected := `
# HELP test_cache_hits_total Cache hits per bucket.
# TYPE test_cache_hits_total counter
test_cache_hits_total{bucket="story",service="story"} 2
# HELP test_cache_misses_total Cache misses per bucket.
# TYPE test_cache_misses_total counter
test_cache_misses_total{bucket="story",service="story"} 1
`
	err := testutil.GatherAndCompare(exporter.Registry(), strings.NewReader(expected),
		"test_cache_hits_total", "test_cache_misses_total")
	assert.NoError(t, err)
}

func TestExporter_TrackTier(t *testing.T) {
	_, exporter := newTestExporter(t)

	exporter.TrackTier("story", func() types.TierStats {
		return types.TierStats{Mode: types.TierModeFallback, FallbackSize: 7, FallbackLimit: 1000, Evictions: 3}
	})

	values, err := exporter.Snapshot()
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, v := range values {
		byName[v.Name] = v.Value
	}

	assert.Equal(t, 7.0, byName["test_cache_fallback_entries"])
	assert.Equal(t, 3.0, byName["test_cache_fallback_evictions_total"])
	assert.Equal(t, 0.0, byName["test_cache_remote_active"])
}

func TestExporter_SnapshotSkipsRuntime(t *testing.T) {
	collector, exporter := newTestExporter(t)
	collector.RecordMiss("story")

	values, err := exporter.Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, values)

	for _, v := range values {
		assert.True(t, strings.HasPrefix(v.Name, "test_cache_"), v.Name)
	}
}

func TestExporter_Handler(t *testing.T) {
	collector, exporter := newTestExporter(t)
	collector.RecordHit("story")

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	ctx.Request.SetRequestURI("/metrics")

	exporter.Handler()(ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `test_cache_hits_total{bucket="story",service="story"} 1`)
}
