package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/soumantrivedi/ideaforge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *ResponseCache) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	c := New(Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	return mr, c
}

func TestResponseCache_SetAndGet(t *testing.T) {
	mr, c := setupTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	key := NewKey(types.RoleResearch, types.TierStandard, nil, types.RequestContext{}, 5)

	c.Set(ctx, key, types.CachedResponse{Role: types.RoleResearch, Content: "market is growing"}, time.Minute)

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "market is growing", got.Content)
	assert.Equal(t, types.RoleResearch, got.Role)
}

func TestResponseCache_Miss(t *testing.T) {
	mr, c := setupTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	key := NewKey(types.RoleResearch, types.TierStandard, nil, types.RequestContext{}, 5)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}

func TestResponseCache_ExpiredEntryNotReturned(t *testing.T) {
	mr, c := setupTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	key := NewKey(types.RoleAnalysis, types.TierFast, nil, types.RequestContext{}, 5)

	c.Set(ctx, key, types.CachedResponse{Role: types.RoleAnalysis, Content: "stale"}, 100*time.Millisecond)
	mr.FastForward(200 * time.Millisecond)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}

func TestResponseCache_FallsBackToMemoryWhenRedisUnreachable(t *testing.T) {
	c := New(Config{Addr: "127.0.0.1:1"}, zap.NewNop())
	defer c.Close()

	ctx := context.Background()
	key := NewKey(types.RoleStrategy, types.TierPremium, nil, types.RequestContext{}, 5)

	assert.False(t, c.Available(ctx))

	c.Set(ctx, key, types.CachedResponse{Role: types.RoleStrategy, Content: "in-memory hit"}, time.Minute)

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "in-memory hit", got.Content)
}
