package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const onHandVersionKey = "ledger:onhand:version"

// OnHandCache caches on-hand quantities in Redis. Entries are keyed per
// (tenant, product) under a global version so a projection rebuild can drop
// everything at once. A nil client degrades to pass-through.
type OnHandCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOnHandCache instantiates the cache helper.
func NewOnHandCache(client *redis.Client, ttl time.Duration) *OnHandCache {
	return &OnHandCache{client: client, ttl: ttl}
}

// Get returns the cached on-hand quantity and whether it was present.
func (c *OnHandCache) Get(ctx context.Context, tenantID, productID int64) (int64, bool, error) {
	if c == nil || c.client == nil {
		return 0, false, nil
	}
	key, err := c.key(ctx, tenantID, productID)
	if err != nil {
		return 0, false, err
	}
	qty, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return qty, true, nil
}

// Set stores the on-hand quantity for the key.
func (c *OnHandCache) Set(ctx context.Context, tenantID, productID, quantity int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.key(ctx, tenantID, productID)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, quantity, c.ttl).Err()
}

// Invalidate drops the cached quantity for a single key.
func (c *OnHandCache) Invalidate(ctx context.Context, tenantID, productID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.key(ctx, tenantID, productID)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, key).Err()
}

// Bump invalidates every cached quantity by incrementing the global version.
// Used after a full projection rebuild.
func (c *OnHandCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, onHandVersionKey).Err()
}

func (c *OnHandCache) key(ctx context.Context, tenantID, productID int64) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ledger:onhand:%d:%d:%d", tenantID, productID, ver), nil
}

func (c *OnHandCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, onHandVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, onHandVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, onHandVersionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}
