package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieredCacheReadsLocalFirst(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryCache(time.Minute, time.Minute)
	remote := NewMemoryCache(time.Minute, time.Minute)
	c := NewTieredCache(local, remote)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	// 写穿两级
	var got string
	require.NoError(t, local.Get(ctx, "k", &got))
	assert.Equal(t, "v", got)
	require.NoError(t, remote.Get(ctx, "k", &got))
	assert.Equal(t, "v", got)
}

// 本地失效后从远端回填
func TestTieredCacheBackfillsFromRemote(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryCache(time.Minute, time.Minute)
	remote := NewMemoryCache(time.Minute, time.Minute)
	c := NewTieredCache(local, remote)

	require.NoError(t, remote.Set(ctx, "k", true, time.Minute))

	var watched bool
	require.NoError(t, c.Get(ctx, "k", &watched))
	assert.True(t, watched)

	// 回填后本地可命中
	var again bool
	assert.NoError(t, local.Get(ctx, "k", &again))
}

func TestTieredCacheDeleteClearsBoth(t *testing.T) {
	ctx := context.Background()
	local := NewMemoryCache(time.Minute, time.Minute)
	remote := NewMemoryCache(time.Minute, time.Minute)
	c := NewTieredCache(local, remote)

	require.NoError(t, c.Set(ctx, "k", 1, time.Minute))
	require.NoError(t, c.Delete(ctx, "k"))

	var out int
	assert.ErrorIs(t, c.Get(ctx, "k", &out), ErrCacheMiss)
}
