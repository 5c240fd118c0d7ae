package types

import (
	"context"
	"time"
)

// Cache is the read/write surface every structure component depends on.
// Implementations never surface tier faults to the caller.
type Cache interface {
	Get(ctx context.Context, key string) (*CachePayload, bool)
	Set(ctx context.Context, key string, payload *CachePayload, ttlSeconds int)
	Del(ctx context.Context, key string)
	DelPattern(ctx context.Context, pattern string)
	Clear(ctx context.Context)
}

// Tier is one storage backend holding encoded payload bytes.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	DelPrefix(ctx context.Context, prefix string) (int, error)
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// ConditionalDeleter is implemented by tiers that can delete a key only
// while it still holds the given bytes.
type ConditionalDeleter interface {
	DelIfValue(ctx context.Context, key string, data []byte) (bool, error)
}

type TierMode string

const (
	TierModeRemote   TierMode = "remote"
	TierModeFallback TierMode = "fallback"
)

type CacheEntry struct {
	Key       string
	Payload   []byte
	ExpiresAt time.Time
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type PayloadKind string

const (
	PayloadKindStructure PayloadKind = "structure"
	PayloadKindIDIndex   PayloadKind = "id_index"
)

// CachePayload is the tagged union stored under every key. Exactly one
// variant field is populated and it must agree with Kind.
type CachePayload struct {
	Kind      PayloadKind        `json:"kind" validate:"required,oneof=structure id_index"`
	Version   int                `json:"version" validate:"min=1"`
	Structure *StructureSnapshot `json:"structure,omitempty" validate:"required_if=Kind structure,excluded_unless=Kind structure"`
	IDs       *IDIndex           `json:"ids,omitempty" validate:"required_if=Kind id_index,excluded_unless=Kind id_index"`
}

const CachePayloadVersion = 1

type IDIndex struct {
	Facet string   `json:"facet" validate:"required"`
	IDs   []string `json:"ids"`
}

func NewStructurePayload(snapshot *StructureSnapshot) *CachePayload {
	return &CachePayload{Kind: PayloadKindStructure, Version: CachePayloadVersion, Structure: snapshot}
}

func NewIDIndexPayload(facet string, ids []string) *CachePayload {
	if ids == nil {
		ids = []string{}
	}
	return &CachePayload{Kind: PayloadKindIDIndex, Version: CachePayloadVersion, IDs: &IDIndex{Facet: facet, IDs: ids}}
}

type TierStats struct {
	Mode          TierMode `json:"mode"`
	RemoteEnabled bool     `json:"remote_enabled"`
	FallbackSize  int      `json:"fallback_size"`
	FallbackLimit int      `json:"fallback_limit"`
	Evictions     uint64   `json:"evictions"`
	Pending       int      `json:"pending_invalidations"`
}
