package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"threat-monitor/internal/util"
)

const blockStatusPrefix = "block_status:"

// kvStore is the slice of the Redis client the cache needs; narrowed so the
// cache logic is testable without a live server.
type kvStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// BlockStatusCache is the latency-optimized side of the block registry. It
// caches both "blocked" and "not blocked" answers for at most the configured
// TTL, which is the documented staleness bound: a cached answer can lag the
// durable store by one TTL and no more. Cache failures surface as misses,
// never as a fabricated "not blocked".
type BlockStatusCache interface {
	GetStatus(ctx context.Context, entityKey string) (blocked bool, found bool, err error)
	SetStatus(ctx context.Context, entityKey string, blocked bool) error
	Invalidate(ctx context.Context, entityKey string) error
}

type blockStatusCache struct {
	store kvStore
	ttl   time.Duration
}

func NewBlockStatusCache(store kvStore, ttl time.Duration) BlockStatusCache {
	return &blockStatusCache{store: store, ttl: ttl}
}

func (c *blockStatusCache) GetStatus(ctx context.Context, entityKey string) (bool, bool, error) {
	val, err := c.store.Get(ctx, blockStatusPrefix+entityKey)
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		util.Warn("Block status cache read failed",
			zap.String("entity_key", entityKey),
			zap.Error(err))
		return false, false, fmt.Errorf("block status cache read for %s: %w", entityKey, err)
	}

	return val == "1", true, nil
}

func (c *blockStatusCache) SetStatus(ctx context.Context, entityKey string, blocked bool) error {
	val := "0"
	if blocked {
		val = "1"
	}
	if err := c.store.Set(ctx, blockStatusPrefix+entityKey, val, c.ttl); err != nil {
		return fmt.Errorf("block status cache write for %s: %w", entityKey, err)
	}
	return nil
}

// Invalidate drops the cached answer so the next check reads the durable
// store. Called on every block and unblock to keep the staleness window
// shorter than the TTL bound in the common case.
func (c *blockStatusCache) Invalidate(ctx context.Context, entityKey string) error {
	if err := c.store.Del(ctx, blockStatusPrefix+entityKey); err != nil {
		return fmt.Errorf("block status cache invalidate for %s: %w", entityKey, err)
	}
	return nil
}
