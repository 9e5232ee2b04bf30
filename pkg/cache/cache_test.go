package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysEnabled() bool { return true }

func TestCache_GetRefreshesOnFirstCall(t *testing.T) {
	c := New("t", alwaysEnabled)
	var calls int32
	c.Register("k", time.Minute, func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v1", nil
	})

	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int32(1), calls)
}

func TestCache_GetServesFreshValueWithoutRefresh(t *testing.T) {
	c := New("t", alwaysEnabled)
	var calls int32
	c.Register("k", time.Minute, func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	})

	_, _ = c.Get(context.Background(), "k")
	_, _ = c.Get(context.Background(), "k")
	assert.Equal(t, int32(1), calls)
}

func TestCache_GetRefreshesAfterTTLExpires(t *testing.T) {
	c := New("t", alwaysEnabled)
	var calls int32
	c.Register("k", time.Millisecond, func(ctx context.Context, key string) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		return n, nil
	})

	_, _ = c.Get(context.Background(), "k")
	time.Sleep(5 * time.Millisecond)
	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)
}

func TestCache_DisabledForcesRefreshEveryGet(t *testing.T) {
	c := New("t", func() bool { return false })
	var calls int32
	c.Register("k", time.Hour, func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	})

	_, _ = c.Get(context.Background(), "k")
	_, _ = c.Get(context.Background(), "k")
	assert.Equal(t, int32(2), calls)
}

func TestCache_SingleFlightCoalescesConcurrentRefreshes(t *testing.T) {
	c := New("t", alwaysEnabled)
	var calls int32
	release := make(chan struct{})
	c.Register("k", time.Minute, func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	})

	const n = 5
	results := make(chan any, n)
	for i := 0; i < n; i++ {
		go func() {
			v, _ := c.Get(context.Background(), "k")
			results <- v
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < n; i++ {
		assert.Equal(t, "v", <-results)
	}
	assert.Equal(t, int32(1), calls)
}

func TestCache_RefreshErrorReturnsGenericError(t *testing.T) {
	c := New("t", alwaysEnabled)
	c.Register("k", time.Minute, func(ctx context.Context, key string) (any, error) {
		return nil, errors.New("db exploded")
	})

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "db exploded")
}

func TestCache_UnregisteredKeyWithoutAddAll(t *testing.T) {
	c := New("t", alwaysEnabled)
	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestCache_AddAllFallback(t *testing.T) {
	c := New("t", alwaysEnabled)
	c.RegisterAddAll(time.Minute, func(ctx context.Context, keys []string) (map[string]any, error) {
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = "fallback:" + k
		}
		return out, nil
	})

	v, err := c.Get(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "fallback:anything", v)
}

func TestCache_GetMultipleMixesRegisteredAndFallback(t *testing.T) {
	c := New("t", alwaysEnabled)
	c.Register("a", time.Minute, func(ctx context.Context, key string) (any, error) { return "A", nil })
	c.RegisterAddAll(time.Minute, func(ctx context.Context, keys []string) (map[string]any, error) {
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = "fb:" + k
		}
		return out, nil
	})

	out, err := c.GetMultiple(context.Background(), []string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "fb:b", "A"}, out)
}

func TestCache_GetMultipleInvokesAddAllOnceForMissingSet(t *testing.T) {
	c := New("t", alwaysEnabled)
	var calls int32
	var lastBatch []string
	c.RegisterAddAll(time.Minute, func(ctx context.Context, keys []string) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		lastBatch = append([]string(nil), keys...)
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = k
		}
		return out, nil
	})

	_, err := c.GetMultiple(context.Background(), []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls, "one collective call for the whole missing set")
	assert.ElementsMatch(t, []string{"x", "y", "z"}, lastBatch)

	// A second call within the TTL serves every key from cache.
	_, err = c.GetMultiple(context.Background(), []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestGlobalNamespace(t *testing.T) {
	Register("global-test-key", time.Minute, func(ctx context.Context, key string) (any, error) {
		return "gv", nil
	})
	v, err := Get(context.Background(), "global-test-key")
	require.NoError(t, err)
	assert.Equal(t, "gv", v)

	Invalidate("global-test-key", "replaced")
	v, err = Get(context.Background(), "global-test-key")
	require.NoError(t, err)
	assert.Equal(t, "replaced", v)
}

func TestCache_InvalidateForcesRefresh(t *testing.T) {
	c := New("t", alwaysEnabled)
	var calls int32
	c.Register("k", time.Hour, func(ctx context.Context, key string) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		return n, nil
	})

	_, _ = c.Get(context.Background(), "k")
	c.Invalidate("k")
	v, _ := c.Get(context.Background(), "k")
	assert.Equal(t, int32(2), v)
}

func TestCache_InvalidateWithValueSkipsRefresh(t *testing.T) {
	c := New("t", alwaysEnabled)
	var calls int32
	c.Register("k", time.Hour, func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "refreshed", nil
	})

	c.Invalidate("k", "seeded")
	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "seeded", v)
	assert.Equal(t, int32(0), calls)
}

func TestCache_InvalidateAll(t *testing.T) {
	c := New("t", alwaysEnabled)
	var calls int32
	refresh := func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}
	c.Register("a", time.Hour, refresh)
	c.Register("b", time.Hour, refresh)
	_, _ = c.Get(context.Background(), "a")
	_, _ = c.Get(context.Background(), "b")

	c.InvalidateAll()
	_, _ = c.Get(context.Background(), "a")
	_, _ = c.Get(context.Background(), "b")
	assert.Equal(t, int32(4), calls)
}

func TestCache_SweepRemovesExpiredEntries(t *testing.T) {
	c := New("t", alwaysEnabled)
	c.Register("k", time.Millisecond, func(ctx context.Context, key string) (any, error) {
		return "v", nil
	})
	_, _ = c.Get(context.Background(), "k")
	time.Sleep(5 * time.Millisecond)

	c.sweep()
	c.mu.Lock()
	_, exists := c.entries["k"]
	c.mu.Unlock()
	assert.False(t, exists)
}
