package tree

import (
	"context"
	"testing"

	"github.com/bluesky-social/streamtree/store"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestBranchCacheHits(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemStore(1 << 24)
	cache := NewBranchCache(1024)
	f, err := NewForest(unitTestTypes(), st, cache)
	require.NoError(t, err)
	tx := NewTransaction(f, st)

	b, err := NewStreamBuilder(unitTestTypes(), DebugFastConfig(), DefaultSecrets())
	require.NoError(t, err)
	require.NoError(t, tx.Extend(ctx, b, stringEntries(0, 200)))
	tr := b.Snapshot()
	assert.Positive(cache.Len())

	// every branch was cached when written
	hits, misses := counterValue(t, branchCacheHits), counterValue(t, branchCacheMisses)
	_, err = Collect(tx.IterFrom(ctx, tr))
	require.NoError(t, err)
	assert.Greater(counterValue(t, branchCacheHits), hits)
	leafLookups := counterValue(t, branchCacheMisses) - misses
	assert.Equal(float64(20), leafLookups)

	// other secrets never see those entries
	other, err := RandomSecrets()
	require.NoError(t, err)
	hits = counterValue(t, branchCacheHits)
	_, err = f.Load(ctx, other, *tr.Root)
	assert.ErrorIs(err, ErrCorrupt)
	assert.Equal(hits, counterValue(t, branchCacheHits))

	cache.Purge()
	assert.Equal(0, cache.Len())
	misses = counterValue(t, branchCacheMisses)
	_, err = f.Load(ctx, DefaultSecrets(), *tr.Root)
	require.NoError(t, err)
	assert.Equal(misses+1, counterValue(t, branchCacheMisses))
}

func TestBranchCacheEviction(t *testing.T) {
	cache := NewBranchCache(cacheShards)
	kr, err := newKeyring(DefaultSecrets(), unitNonce)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		link, err := store.Digest([]byte{byte(i), byte(i >> 8)})
		require.NoError(t, err)
		cache.add(link, kr, i)
	}
	assert.LessOrEqual(t, cache.Len(), cacheShards)

	link, err := store.Digest([]byte("anything"))
	require.NoError(t, err)
	var nilCache *BranchCache
	nilCache.add(link, kr, 1)
	_, ok := nilCache.get(link, kr)
	assert.False(t, ok)
}
