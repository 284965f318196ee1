package rediscache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestKeyStableUnderParamOrder(t *testing.T) {
	t.Parallel()
	a := Key("c1", "summary", map[string]any{"from": "2026-01-01", "to": "2026-02-01", "granularity": "day"})
	b := Key("c1", "summary", map[string]any{"granularity": "day", "to": "2026-02-01", "from": "2026-01-01"})
	assert.Equal(t, a, b)
	assert.Regexp(t, `^analytics:c1:summary:[0-9a-f]{8}$`, a)
}

func TestKeyVariesWithParams(t *testing.T) {
	t.Parallel()
	a := Key("c1", "summary", map[string]any{"from": "2026-01-01"})
	b := Key("c1", "summary", map[string]any{"from": "2026-01-02"})
	assert.NotEqual(t, a, b)
}

func TestGetSetRoundTrip(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()
	params := map[string]any{"granularity": "week"}

	_, ok := c.Get(ctx, "c1", "time-series", params)
	require.False(t, ok)

	c.Set(ctx, "c1", "time-series", params, []byte(`{"points":[]}`))
	got, ok := c.Get(ctx, "c1", "time-series", params)
	require.True(t, ok)
	assert.JSONEq(t, `{"points":[]}`, string(got))

	// Expiry clears the entry.
	mr.FastForward(DefaultTTL + 1)
	_, ok = c.Get(ctx, "c1", "time-series", params)
	assert.False(t, ok)
}

func TestInvalidateIsScopedToConnection(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "c1", "summary", nil, []byte(`1`))
	c.Set(ctx, "c1", "top", map[string]any{"limit": 5}, []byte(`2`))
	c.Set(ctx, "c2", "summary", nil, []byte(`3`))

	require.NoError(t, c.Invalidate(ctx, "c1"))

	_, ok := c.Get(ctx, "c1", "summary", nil)
	assert.False(t, ok)
	_, ok = c.Get(ctx, "c1", "top", map[string]any{"limit": 5})
	assert.False(t, ok)
	_, ok = c.Get(ctx, "c2", "summary", nil)
	assert.True(t, ok)
}

func TestBackendFailureDegradesToMiss(t *testing.T) {
	t.Parallel()
	c, mr := newTestCache(t)
	ctx := context.Background()
	c.Set(ctx, "c1", "summary", nil, []byte(`1`))
	mr.Close()

	_, ok := c.Get(ctx, "c1", "summary", nil)
	assert.False(t, ok)
	// Set after backend death must not panic or error out the caller.
	c.Set(ctx, "c1", "summary", nil, []byte(`2`))
}
