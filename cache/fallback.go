package cache

import (
	"bytes"
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/saiset-co/sai-story-cache/types"
)

const DefaultFallbackEntries = 1000

// FallbackTier is the in-process tier. It is bounded by entry count and
// evicts in insertion order. Reads never change eviction order.
type FallbackTier struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	evictions  uint64
	now        func() time.Time
}

var _ types.ConditionalDeleter = (*FallbackTier)(nil)

type FallbackOption func(*FallbackTier)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) FallbackOption {
	return func(f *FallbackTier) {
		f.now = now
	}
}

func NewFallbackTier(maxEntries int, opts ...FallbackOption) *FallbackTier {
	if maxEntries <= 0 {
		maxEntries = DefaultFallbackEntries
	}

	f := &FallbackTier{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *FallbackTier) Name() string {
	return string(types.TierModeFallback)
}

func (f *FallbackTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	el, ok := f.entries[key]
	if !ok {
		return nil, false, nil
	}

	entry := el.Value.(*types.CacheEntry)
	if entry.Expired(f.now()) {
		f.removeUnsafe(el)
		return nil, false, nil
	}

	return entry.Payload, true, nil
}

// Set keeps the original queue position when key is already present.
func (f *FallbackTier) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	if ttl <= 0 {
		return types.ErrCacheInvalidTTL
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	expiresAt := f.now().Add(ttl)

	if el, ok := f.entries[key]; ok {
		entry := el.Value.(*types.CacheEntry)
		entry.Payload = data
		entry.ExpiresAt = expiresAt
		return nil
	}

	for len(f.entries) >= f.maxEntries {
		f.removeUnsafe(f.order.Front())
		f.evictions++
	}

	f.entries[key] = f.order.PushBack(&types.CacheEntry{
		Key:       key,
		Payload:   data,
		ExpiresAt: expiresAt,
	})

	return nil
}

func (f *FallbackTier) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if el, ok := f.entries[key]; ok {
		f.removeUnsafe(el)
	}
	return nil
}

func (f *FallbackTier) DelIfValue(_ context.Context, key string, data []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	el, ok := f.entries[key]
	if !ok || !bytes.Equal(el.Value.(*types.CacheEntry).Payload, data) {
		return false, nil
	}

	f.removeUnsafe(el)
	return true, nil
}

func (f *FallbackTier) DelPrefix(_ context.Context, prefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	deleted := 0
	for el := f.order.Front(); el != nil; {
		next := el.Next()
		if strings.HasPrefix(el.Value.(*types.CacheEntry).Key, prefix) {
			f.removeUnsafe(el)
			deleted++
		}
		el = next
	}

	return deleted, nil
}

func (f *FallbackTier) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = make(map[string]*list.Element)
	f.order.Init()
	return nil
}

func (f *FallbackTier) Len(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries), nil
}

// PurgeExpired drops every expired entry and returns how many were removed.
func (f *FallbackTier) PurgeExpired() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	purged := 0
	for el := f.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*types.CacheEntry).Expired(now) {
			f.removeUnsafe(el)
			purged++
		}
		el = next
	}

	return purged
}

func (f *FallbackTier) Limit() int {
	return f.maxEntries
}

func (f *FallbackTier) Evictions() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evictions
}

func (f *FallbackTier) removeUnsafe(el *list.Element) {
	entry := f.order.Remove(el).(*types.CacheEntry)
	delete(f.entries, entry.Key)
}
