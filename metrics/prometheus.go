package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-story-cache/types"
)

type MetricValue struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
	Help   string            `json:"help,omitempty"`
}

type TierStatsFunc func() types.TierStats

// Exporter publishes Collector buckets as Prometheus metrics. Values are
// read at scrape time, so the Collector stays the single source of truth.
type Exporter struct {
	logger   types.Logger
	reporter types.MetricsReporter
	registry *prometheus.Registry
	tiers    map[string]TierStatsFunc
	mu       sync.RWMutex

	hits          *prometheus.Desc
	misses        *prometheus.Desc
	errors        *prometheus.Desc
	gets          *prometheus.Desc
	sets          *prometheus.Desc
	hitRate       *prometheus.Desc
	avgGetLatency *prometheus.Desc
	avgSetLatency *prometheus.Desc
	fallbackSize  *prometheus.Desc
	evictions     *prometheus.Desc
	remoteActive  *prometheus.Desc
}

func NewExporter(logger types.Logger, reporter types.MetricsReporter, config *types.MetricsConfig) (*Exporter, error) {
	namespace := "story_cache"
	var constLabels prometheus.Labels
	if config != nil {
		if config.Namespace != "" {
			namespace = config.Namespace
		}
		constLabels = config.Labels
	}

	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, constLabels)
	}

	e := &Exporter{
		logger:        logger,
		reporter:      reporter,
		registry:      prometheus.NewRegistry(),
		tiers:         make(map[string]TierStatsFunc),
		hits:          desc("hits_total", "Cache hits per bucket.", "bucket"),
		misses:        desc("misses_total", "Cache misses per bucket.", "bucket"),
		errors:        desc("errors_total", "Swallowed tier errors per bucket.", "bucket"),
		gets:          desc("gets_total", "Get operations per bucket.", "bucket"),
		sets:          desc("sets_total", "Set operations per bucket.", "bucket"),
		hitRate:       desc("hit_rate", "Hits divided by hits plus misses.", "bucket"),
		avgGetLatency: desc("get_latency_avg_ms", "Running average get latency in milliseconds.", "bucket"),
		avgSetLatency: desc("set_latency_avg_ms", "Running average set latency in milliseconds.", "bucket"),
		fallbackSize:  desc("fallback_entries", "Entries held by the fallback tier.", "cache"),
		evictions:     desc("fallback_evictions_total", "FIFO evictions from the fallback tier.", "cache"),
		remoteActive:  desc("remote_active", "1 when the remote tier serves requests.", "cache"),
	}

	if err := e.registry.Register(e); err != nil {
		return nil, types.WrapError(err, "failed to register cache exporter")
	}
	e.registry.MustRegister(collectors.NewGoCollector())
	e.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	logger.Info("Prometheus exporter initialized", zap.String("namespace", namespace))

	return e, nil
}

// TrackTier adds tier gauges for one named cache.
func (e *Exporter) TrackTier(name string, stats TierStatsFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tiers[name] = stats
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.hits
	ch <- e.misses
	ch <- e.errors
	ch <- e.gets
	ch <- e.sets
	ch <- e.hitRate
	ch <- e.avgGetLatency
	ch <- e.avgSetLatency
	ch <- e.fallbackSize
	ch <- e.evictions
	ch <- e.remoteActive
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	for name, b := range e.reporter.Buckets() {
		ch <- prometheus.MustNewConstMetric(e.hits, prometheus.CounterValue, float64(b.Hits), name)
		ch <- prometheus.MustNewConstMetric(e.misses, prometheus.CounterValue, float64(b.Misses), name)
		ch <- prometheus.MustNewConstMetric(e.errors, prometheus.CounterValue, float64(b.Errors), name)
		ch <- prometheus.MustNewConstMetric(e.gets, prometheus.CounterValue, float64(b.Gets), name)
		ch <- prometheus.MustNewConstMetric(e.sets, prometheus.CounterValue, float64(b.Sets), name)
		ch <- prometheus.MustNewConstMetric(e.hitRate, prometheus.GaugeValue, b.HitRate(), name)
		ch <- prometheus.MustNewConstMetric(e.avgGetLatency, prometheus.GaugeValue, b.AvgGetLatency, name)
		ch <- prometheus.MustNewConstMetric(e.avgSetLatency, prometheus.GaugeValue, b.AvgSetLatency, name)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for name, statsFn := range e.tiers {
		stats := statsFn()
		remote := 0.0
		if stats.Mode == types.TierModeRemote {
			remote = 1
		}
		ch <- prometheus.MustNewConstMetric(e.fallbackSize, prometheus.GaugeValue, float64(stats.FallbackSize), name)
		ch <- prometheus.MustNewConstMetric(e.evictions, prometheus.CounterValue, float64(stats.Evictions), name)
		ch <- prometheus.MustNewConstMetric(e.remoteActive, prometheus.GaugeValue, remote, name)
	}
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

func (e *Exporter) Handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
}

// Snapshot flattens the cache families of the registry. Runtime collector
// families are skipped.
func (e *Exporter) Snapshot() ([]MetricValue, error) {
	families, err := e.registry.Gather()
	if err != nil {
		e.logger.Error("Failed to gather prometheus metrics", zap.Error(err))
		return nil, err
	}

	var values []MetricValue
	for _, mf := range families {
		if isRuntimeFamily(mf) {
			continue
		}

		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}

			values = append(values, MetricValue{
				Name:   mf.GetName(),
				Type:   mf.GetType().String(),
				Value:  metricValue(m),
				Labels: labels,
				Help:   mf.GetHelp(),
			})
		}
	}

	sort.SliceStable(values, func(i, j int) bool {
		return values[i].Name < values[j].Name
	})

	return values, nil
}

func isRuntimeFamily(mf *dto.MetricFamily) bool {
	name := mf.GetName()
	return strings.HasPrefix(name, "go_") || strings.HasPrefix(name, "process_")
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	case m.Histogram != nil:
		return m.GetHistogram().GetSampleSum()
	case m.Summary != nil:
		return m.GetSummary().GetSampleSum()
	default:
		return 0
	}
}
