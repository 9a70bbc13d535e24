package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Versioned, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewVersioned(client, "stmt", time.Minute), mr
}

func TestKeyFollowsVersion(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	key, err := c.Key(ctx, "partner:4", "20260101", "-")
	require.NoError(t, err)
	require.Equal(t, "stmt:partner:4:v1:20260101:-", key)

	require.NoError(t, c.Bump(ctx, "partner:4"))
	key, err = c.Key(ctx, "partner:4", "20260101", "-")
	require.NoError(t, err)
	require.Equal(t, "stmt:partner:4:v2:20260101:-", key)
}

func TestFetchJSONCachesUntilBump(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]int{"calls": calls}, nil
	}

	var got map[string]int
	key, err := c.Key(ctx, "supplier:1")
	require.NoError(t, err)
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, 1, got["calls"])
	require.Equal(t, 1, calls)
	ttl := mr.TTL(key)
	require.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Bump(ctx, "supplier:1"))
	key, err = c.Key(ctx, "supplier:1")
	require.NoError(t, err)
	require.NoError(t, c.FetchJSON(ctx, key, &got, loader))
	require.Equal(t, 2, got["calls"])
}

func TestFetchJSONSharesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return []int{1, 2, 3}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got []int
			require.NoError(t, c.FetchJSON(ctx, "stmt:shared", &got, loader))
			require.Equal(t, []int{1, 2, 3}, got)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	require.LessOrEqual(t, calls.Load(), int32(4))
	require.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestNilClientAlwaysLoads(t *testing.T) {
	c := NewVersioned(nil, "stmt", time.Minute)
	ctx := context.Background()
	key, err := c.Key(ctx, "partner:1")
	require.NoError(t, err)
	require.Equal(t, "stmt:partner:1:v0:", key)

	var got string
	require.NoError(t, c.FetchJSON(ctx, key, &got, func(context.Context) (any, error) { return "fresh", nil }))
	require.Equal(t, "fresh", got)
	require.NoError(t, c.Bump(ctx, "partner:1"))
}

func TestFetchJSONPropagatesLoaderError(t *testing.T) {
	c, mr := newTestCache(t)
	boom := errors.New("db down")
	var got string
	err := c.FetchJSON(context.Background(), "stmt:x", &got, func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("stmt:x"))
}
