package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*OnHandCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewOnHandCache(client, time.Minute), srv
}

func TestOnHandCacheSetGetInvalidate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, hit, err := cache.Get(ctx, 1, 100)
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, cache.Set(ctx, 1, 100, 15))

	qty, hit, err := cache.Get(ctx, 1, 100)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, int64(15), qty)

	require.NoError(t, cache.Invalidate(ctx, 1, 100))

	_, hit, err = cache.Get(ctx, 1, 100)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestOnHandCacheKeysAreTenantScoped(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 1, 100, 15))
	require.NoError(t, cache.Set(ctx, 2, 100, 7))

	qty, hit, err := cache.Get(ctx, 2, 100)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, int64(7), qty)

	require.NoError(t, cache.Invalidate(ctx, 2, 100))

	qty, hit, err = cache.Get(ctx, 1, 100)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, int64(15), qty)
}

func TestOnHandCacheBumpDropsEverything(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 1, 100, 15))
	require.NoError(t, cache.Set(ctx, 1, 200, 3))

	require.NoError(t, cache.Bump(ctx))

	for _, productID := range []int64{100, 200} {
		_, hit, err := cache.Get(ctx, 1, productID)
		require.NoError(t, err)
		require.False(t, hit)
	}

	// Writes after the bump land under the new version.
	require.NoError(t, cache.Set(ctx, 1, 100, 11))
	qty, hit, err := cache.Get(ctx, 1, 100)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, int64(11), qty)
}

func TestOnHandCacheEntriesExpire(t *testing.T) {
	cache, srv := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 1, 100, 15))
	srv.FastForward(2 * time.Minute)

	_, hit, err := cache.Get(ctx, 1, 100)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestOnHandCacheNilClientIsPassThrough(t *testing.T) {
	var cache *OnHandCache
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 1, 100, 15))
	_, hit, err := cache.Get(ctx, 1, 100)
	require.NoError(t, err)
	require.False(t, hit)
	require.NoError(t, cache.Invalidate(ctx, 1, 100))
	require.NoError(t, cache.Bump(ctx))
}
