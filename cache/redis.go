package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saiset-co/sai-story-cache/types"
)

const defaultScanCount = 100

var delIfValueScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RemoteTier is a Tier that needs a connection handshake.
type RemoteTier interface {
	types.Tier
	Ping(ctx context.Context) error
	Close() error
}

type RedisTier struct {
	client    *redis.Client
	keyPrefix string
	scanCount int64
}

func NewRedisTier(config *types.RemoteTierConfig) (*RedisTier, error) {
	if config == nil || config.URL == "" {
		return nil, types.ErrCacheNotConfigured
	}

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, types.Errorf(types.ErrCacheNotConfigured, "invalid url: %v", err)
	}

	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}

	return NewRedisTierWithClient(redis.NewClient(opts), config.KeyPrefix, config.ScanCount), nil
}

func NewRedisTierWithClient(client *redis.Client, keyPrefix string, scanCount int64) *RedisTier {
	if scanCount <= 0 {
		scanCount = defaultScanCount
	}

	return &RedisTier{
		client:    client,
		keyPrefix: keyPrefix,
		scanCount: scanCount,
	}
}

func (r *RedisTier) Name() string {
	return string(types.TierModeRemote)
}

func (r *RedisTier) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return types.Errorf(types.ErrCacheConnectionFailed, "%v", err)
	}
	return nil
}

func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.buildFullKey(key)).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.Errorf(types.ErrCacheOperationFailed, "get %s: %v", key, err)
	}
	return data, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	if ttl <= 0 {
		return types.ErrCacheInvalidTTL
	}

	if err := r.client.Set(ctx, r.buildFullKey(key), data, ttl).Err(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "set %s: %v", key, err)
	}
	return nil
}

func (r *RedisTier) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.buildFullKey(key)).Err(); err != nil {
		return types.Errorf(types.ErrCacheOperationFailed, "del %s: %v", key, err)
	}
	return nil
}

// DelIfValue deletes key only while it still holds data.
func (r *RedisTier) DelIfValue(ctx context.Context, key string, data []byte) (bool, error) {
	n, err := delIfValueScript.Run(ctx, r.client, []string{r.buildFullKey(key)}, data).Int()
	if err != nil {
		return false, types.Errorf(types.ErrCacheOperationFailed, "del if value %s: %v", key, err)
	}
	return n > 0, nil
}

// DelPrefix walks the keyspace with SCAN and unlinks each page of matches.
func (r *RedisTier) DelPrefix(ctx context.Context, prefix string) (int, error) {
	match := redisMatch(r.buildFullKey(prefix))

	var (
		cursor  uint64
		deleted int
	)

	for {
		keys, nextCursor, err := r.client.Scan(ctx, cursor, match, r.scanCount).Result()
		if err != nil {
			return deleted, types.Errorf(types.ErrCacheOperationFailed, "scan %s: %v", match, err)
		}

		if len(keys) > 0 {
			n, err := r.client.Unlink(ctx, keys...).Result()
			if err != nil {
				return deleted, types.Errorf(types.ErrCacheOperationFailed, "unlink %d keys: %v", len(keys), err)
			}
			deleted += int(n)
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}

// Clear removes every key under the configured prefix, or the whole
// keyspace when no prefix is set.
func (r *RedisTier) Clear(ctx context.Context) error {
	_, err := r.DelPrefix(ctx, "")
	return err
}

func (r *RedisTier) Len(ctx context.Context) (int, error) {
	if r.keyPrefix == "" {
		n, err := r.client.DBSize(ctx).Result()
		if err != nil {
			return 0, types.Errorf(types.ErrCacheOperationFailed, "dbsize: %v", err)
		}
		return int(n), nil
	}

	match := redisMatch(r.buildFullKey(""))
	count := 0
	iter := r.client.Scan(ctx, 0, match, r.scanCount).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, types.Errorf(types.ErrCacheOperationFailed, "scan %s: %v", match, err)
	}

	return count, nil
}

func (r *RedisTier) Close() error {
	return r.client.Close()
}

func (r *RedisTier) buildFullKey(key string) string {
	if r.keyPrefix != "" {
		return r.keyPrefix + ":" + key
	}
	return key
}
