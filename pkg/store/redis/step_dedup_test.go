package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *DedupRegistry {
	t.Helper()
	mr := miniredis.RunT(t)

	client := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return &DedupRegistry{redis: client}
}

func TestDedupAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	owner, acquired, err := registry.Acquire(ctx, "space-a/10..11/DEFAULT//0/8/HERE_QUAD", "step-1")
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, "step-1", owner)

	// An equivalent step sees the running one instead of a fresh claim.
	owner, acquired, err = registry.Acquire(ctx, "space-a/10..11/DEFAULT//0/8/HERE_QUAD", "step-2")
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, "step-1", owner)

	require.NoError(t, registry.Release(ctx, "space-a/10..11/DEFAULT//0/8/HERE_QUAD", "step-1"))

	owner, acquired, err = registry.Acquire(ctx, "space-a/10..11/DEFAULT//0/8/HERE_QUAD", "step-2")
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, "step-2", owner)
}

func TestDedupDifferentKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	_, acquired, err := registry.Acquire(ctx, "space-a/10..11", "step-1")
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = registry.Acquire(ctx, "space-a/11..12", "step-2")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestDedupReleaseByNonOwnerKeepsClaim(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	_, acquired, err := registry.Acquire(ctx, "space-a/10..11", "step-1")
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, registry.Release(ctx, "space-a/10..11", "step-9"))

	owner, err := registry.Owner(ctx, "space-a/10..11")
	require.NoError(t, err)
	assert.Equal(t, "step-1", owner)
}

func TestDedupOwnerEmptyWhenUnclaimed(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	owner, err := registry.Owner(ctx, "space-z/1..2")
	require.NoError(t, err)
	assert.Empty(t, owner)
}
