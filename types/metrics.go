package types

import (
	"time"
)

// MetricsRecorder is the write side of the cache metrics, shared by every
// TieredCache operation.
type MetricsRecorder interface {
	RecordHit(bucket string)
	RecordMiss(bucket string)
	RecordError(bucket string)
	RecordGetLatency(bucket string, d time.Duration)
	RecordSetLatency(bucket string, d time.Duration)
}

type MetricsReporter interface {
	Bucket(name string) MetricBucket
	Buckets() map[string]MetricBucket
	HitRate(name string) float64
	Reset()
}

type MetricBucket struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Errors        uint64  `json:"errors"`
	Gets          uint64  `json:"gets"`
	Sets          uint64  `json:"sets"`
	AvgGetLatency float64 `json:"avg_get_latency_ms"`
	AvgSetLatency float64 `json:"avg_set_latency_ms"`
}

func (b MetricBucket) HitRate() float64 {
	total := b.Hits + b.Misses
	if total == 0 {
		return 0
	}
	return float64(b.Hits) / float64(total)
}
