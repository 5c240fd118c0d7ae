package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/saiset-co/sai-story-cache/types"
)

// Collector keeps per-bucket cache counters for the life of the process.
// Values are only cleared by Reset.
type Collector struct {
	mu      sync.RWMutex
	buckets map[string]*types.MetricBucket
}

func NewCollector() *Collector {
	return &Collector{
		buckets: make(map[string]*types.MetricBucket),
	}
}

func (c *Collector) RecordHit(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(bucket).Hits++
}

func (c *Collector) RecordMiss(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(bucket).Misses++
}

func (c *Collector) RecordError(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(bucket).Errors++
}

func (c *Collector) RecordGetLatency(bucket string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucket(bucket)
	b.Gets++
	b.AvgGetLatency = runningAverage(b.AvgGetLatency, b.Gets, d)
}

func (c *Collector) RecordSetLatency(bucket string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.bucket(bucket)
	b.Sets++
	b.AvgSetLatency = runningAverage(b.AvgSetLatency, b.Sets, d)
}

func (c *Collector) Bucket(name string) types.MetricBucket {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if b, ok := c.buckets[name]; ok {
		return *b
	}
	return types.MetricBucket{}
}

func (c *Collector) Buckets() map[string]types.MetricBucket {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]types.MetricBucket, len(c.buckets))
	for name, b := range c.buckets {
		result[name] = *b
	}
	return result
}

func (c *Collector) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.buckets))
	for name := range c.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Collector) HitRate(name string) float64 {
	return c.Bucket(name).HitRate()
}

func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = make(map[string]*types.MetricBucket)
}

func (c *Collector) bucket(name string) *types.MetricBucket {
	b, ok := c.buckets[name]
	if !ok {
		b = &types.MetricBucket{}
		c.buckets[name] = b
	}
	return b
}

// runningAverage folds the n-th sample into avg, in milliseconds.
func runningAverage(avg float64, n uint64, d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	return avg + (ms-avg)/float64(n)
}
