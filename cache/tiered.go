package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-story-cache/types"
)

const (
	connectTimeout = 5 * time.Second
	healTimeout    = 5 * time.Second

	// Past this many distinct patterns the remote tier is cleared on
	// connect instead of replaying them one by one.
	maxPendingInvalidations = 10000
)

// TieredCache serves every read and write from exactly one tier: the remote
// tier once a connect attempt has succeeded, the in-process fallback tier
// otherwise. Tier faults are logged and counted, never returned.
type TieredCache struct {
	name         string
	logger       types.Logger
	metrics      types.MetricsRecorder
	codec        *Codec
	fallback     *FallbackTier
	remote       RemoteTier
	remoteActive atomic.Bool
	attempted    atomic.Bool
	connecting   atomic.Bool
	background   sync.WaitGroup

	// Invalidations applied to the fallback tier while a remote tier is
	// configured but inactive. They are replayed on the remote tier before
	// it becomes active.
	pendingMu   sync.Mutex
	pending     map[string]Pattern
	pendingFull bool
}

var _ types.Cache = (*TieredCache)(nil)

type Option func(*TieredCache)

func WithRemote(remote RemoteTier) Option {
	return func(c *TieredCache) {
		c.remote = remote
	}
}

func WithFallback(fallback *FallbackTier) Option {
	return func(c *TieredCache) {
		c.fallback = fallback
	}
}

func WithCodec(codec *Codec) Option {
	return func(c *TieredCache) {
		c.codec = codec
	}
}

func NewTieredCache(logger types.Logger, metrics types.MetricsRecorder, config *types.CacheConfig, opts ...Option) (*TieredCache, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	c := &TieredCache{
		name:    config.Name,
		logger:  logger,
		metrics: metrics,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.name == "" {
		c.name = "default"
	}

	if c.codec == nil {
		c.codec = NewCodec(config.Compression)
	}

	if c.fallback == nil {
		maxEntries := DefaultFallbackEntries
		if config.Fallback != nil {
			maxEntries = config.Fallback.MaxEntries
		}
		c.fallback = NewFallbackTier(maxEntries)
	}

	if c.remote == nil && config.Remote != nil && config.Remote.URL != "" {
		remote, err := NewRedisTier(config.Remote)
		if err != nil {
			return nil, types.WrapError(err, "failed to create remote tier")
		}
		c.remote = remote
	}

	return c, nil
}

// Connect starts the first remote connection attempt in the background.
// Later calls are no-ops; use Reconnect to retry after a failure.
func (c *TieredCache) Connect(ctx context.Context) {
	if c.remote == nil {
		if c.attempted.CompareAndSwap(false, true) {
			c.logger.Info("Remote cache tier not configured, running fallback only", zap.String("cache", c.name))
		}
		return
	}

	if !c.attempted.CompareAndSwap(false, true) {
		return
	}

	c.startConnect(ctx)
}

// Reconnect retries the remote tier when the cache is serving from the
// fallback tier.
func (c *TieredCache) Reconnect(ctx context.Context) {
	if c.remote == nil || c.remoteActive.Load() {
		return
	}

	c.attempted.Store(true)
	c.startConnect(ctx)
}

func (c *TieredCache) startConnect(ctx context.Context) {
	if !c.connecting.CompareAndSwap(false, true) {
		return
	}

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		defer c.connecting.Store(false)

		pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		defer cancel()

		if err := c.remote.Ping(pingCtx); err != nil {
			c.logger.Warn("Remote cache tier unavailable, using fallback",
				zap.String("cache", c.name),
				zap.Error(err))
			return
		}

		replayed, err := c.activateRemote(pingCtx)
		if err != nil {
			c.fail("Remote cache tier replay failed, using fallback", "", err)
			return
		}

		_ = c.fallback.Clear(ctx)

		c.logger.Info("Remote cache tier connected",
			zap.String("cache", c.name),
			zap.Int("replayed_invalidations", replayed))
	}()
}

// Wait blocks until background connect and self-heal work has finished.
func (c *TieredCache) Wait() {
	c.background.Wait()
}

func (c *TieredCache) Mode() types.TierMode {
	if c.remoteActive.Load() {
		return types.TierModeRemote
	}
	return types.TierModeFallback
}

func (c *TieredCache) Get(ctx context.Context, key string) (*types.CachePayload, bool) {
	start := time.Now()
	defer func() {
		c.metrics.RecordGetLatency(c.name, time.Since(start))
	}()

	if key == "" {
		c.metrics.RecordMiss(c.name)
		return nil, false
	}

	tier := c.active()

	data, found, err := tier.Get(ctx, key)
	if err != nil {
		c.metrics.RecordError(c.name)
		c.metrics.RecordMiss(c.name)
		c.logger.Warn("Cache get failed",
			zap.String("cache", c.name),
			zap.String("tier", tier.Name()),
			zap.String("key", key),
			zap.Error(err))
		return nil, false
	}

	if !found {
		c.metrics.RecordMiss(c.name)
		return nil, false
	}

	payload, err := c.codec.Decode(data)
	if err != nil {
		c.metrics.RecordError(c.name)
		c.metrics.RecordMiss(c.name)
		c.logger.Warn("Corrupted cache entry, scheduling delete",
			zap.String("cache", c.name),
			zap.String("key", key),
			zap.Error(err))
		c.heal(ctx, tier, key, data)
		return nil, false
	}

	c.metrics.RecordHit(c.name)
	return payload, true
}

func (c *TieredCache) Set(ctx context.Context, key string, payload *types.CachePayload, ttlSeconds int) {
	start := time.Now()
	defer func() {
		c.metrics.RecordSetLatency(c.name, time.Since(start))
	}()

	if key == "" {
		c.fail("Cache set rejected", key, types.ErrCacheKeyEmpty)
		return
	}

	if ttlSeconds <= 0 {
		c.fail("Cache set rejected", key, types.Errorf(types.ErrCacheInvalidTTL, "ttl %d", ttlSeconds))
		return
	}

	data, err := c.codec.Encode(payload)
	if err != nil {
		c.fail("Cache encode failed", key, err)
		return
	}

	if err = c.active().Set(ctx, key, data, time.Duration(ttlSeconds)*time.Second); err != nil {
		c.fail("Cache set failed", key, err)
	}
}

func (c *TieredCache) Del(ctx context.Context, key string) {
	if key == "" {
		return
	}

	tier := c.active()
	if err := tier.Del(ctx, key); err != nil {
		c.fail("Cache delete failed", key, err)
		return
	}

	if c.outage(tier) && !c.trackPending(Pattern{Prefix: key, Exact: true}) {
		if err := c.remote.Del(ctx, key); err != nil {
			c.fail("Cache delete failed", key, err)
		}
	}
}

func (c *TieredCache) DelPattern(ctx context.Context, pattern string) {
	_, _ = c.InvalidatePattern(ctx, pattern)
}

// InvalidatePattern is DelPattern with the outcome reported. Failures are
// still counted in the error metric.
func (c *TieredCache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	p, err := ParsePattern(pattern)
	if err != nil {
		c.fail("Cache pattern rejected", pattern, err)
		return 0, err
	}

	tier := c.active()

	deleted, err := applyPattern(ctx, tier, p)
	if err != nil {
		c.fail("Cache pattern delete failed", pattern, err)
		return deleted, err
	}

	if c.outage(tier) && !c.trackPending(p) {
		if _, err = applyPattern(ctx, c.remote, p); err != nil {
			c.fail("Cache pattern delete failed", pattern, err)
			return deleted, err
		}
	}

	c.logger.Debug("Cache pattern deleted",
		zap.String("cache", c.name),
		zap.String("tier", tier.Name()),
		zap.String("pattern", pattern),
		zap.Int("deleted", deleted))

	return deleted, nil
}

func (c *TieredCache) Clear(ctx context.Context) {
	tier := c.active()
	if err := tier.Clear(ctx); err != nil {
		c.fail("Cache clear failed", "", err)
		return
	}

	if c.outage(tier) && !c.trackPending(Pattern{}) {
		if err := c.remote.Clear(ctx); err != nil {
			c.fail("Cache clear failed", "", err)
		}
	}
}

// PurgeExpired sweeps the fallback tier. Lazy expiry on Get makes this
// optional; it only bounds memory held by entries nobody reads.
func (c *TieredCache) PurgeExpired() int {
	return c.fallback.PurgeExpired()
}

func (c *TieredCache) Stats() types.TierStats {
	size, _ := c.fallback.Len(context.Background())

	return types.TierStats{
		Mode:          c.Mode(),
		RemoteEnabled: c.remote != nil,
		FallbackSize:  size,
		FallbackLimit: c.fallback.Limit(),
		Evictions:     c.fallback.Evictions(),
		Pending:       c.pendingCount(),
	}
}

func (c *TieredCache) Name() string {
	return c.name
}

func (c *TieredCache) Close() error {
	c.background.Wait()

	if c.remote != nil {
		if err := c.remote.Close(); err != nil {
			return types.WrapError(err, "failed to close remote tier")
		}
	}

	return nil
}

func (c *TieredCache) active() types.Tier {
	if c.remoteActive.Load() {
		return c.remote
	}
	return c.fallback
}

// outage reports whether tier is the fallback standing in for a configured
// remote tier.
func (c *TieredCache) outage(tier types.Tier) bool {
	return c.remote != nil && tier == types.Tier(c.fallback)
}

// trackPending records p for replay on the remote tier. The zero Pattern
// stands for a full clear. It returns false when the remote tier became
// active in the meantime; the caller then applies p to the remote tier.
func (c *TieredCache) trackPending(p Pattern) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.remoteActive.Load() {
		return false
	}

	if c.pendingFull {
		return true
	}

	if p == (Pattern{}) || len(c.pending) >= maxPendingInvalidations {
		c.pendingFull = true
		c.pending = nil
		return true
	}

	if c.pending == nil {
		c.pending = make(map[string]Pattern)
	}
	c.pending[p.String()] = p
	return true
}

// activateRemote replays pending invalidations on the remote tier and then
// switches to it. Invalidations recorded meanwhile wait on pendingMu, so
// none of them is lost between the replay and the switch.
func (c *TieredCache) activateRemote(ctx context.Context) (int, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	replayed := 0
	if c.pendingFull {
		if err := c.remote.Clear(ctx); err != nil {
			return 0, err
		}
		replayed = 1
	} else {
		for key, p := range c.pending {
			if _, err := applyPattern(ctx, c.remote, p); err != nil {
				return replayed, err
			}
			delete(c.pending, key)
			replayed++
		}
	}

	c.pending = nil
	c.pendingFull = false
	c.remoteActive.Store(true)

	return replayed, nil
}

func (c *TieredCache) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.pendingFull {
		return maxPendingInvalidations
	}
	return len(c.pending)
}

func applyPattern(ctx context.Context, tier types.Tier, p Pattern) (int, error) {
	if p.Exact {
		if err := tier.Del(ctx, p.Prefix); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return tier.DelPrefix(ctx, p.Prefix)
}

// heal drops a corrupted entry. Tiers that support it delete only while the
// key still holds the corrupted bytes, so a rebuild stored in between stays.
func (c *TieredCache) heal(ctx context.Context, tier types.Tier, key string, corrupted []byte) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()

		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healTimeout)
		defer cancel()

		var err error
		if cd, ok := tier.(types.ConditionalDeleter); ok {
			_, err = cd.DelIfValue(delCtx, key, corrupted)
		} else {
			err = tier.Del(delCtx, key)
		}

		if err != nil {
			c.fail("Cache self-heal delete failed", key, err)
		}
	}()
}

func (c *TieredCache) fail(msg, key string, err error) {
	c.metrics.RecordError(c.name)
	c.logger.Warn(msg,
		zap.String("cache", c.name),
		zap.String("key", key),
		zap.Error(err))
}
