package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bluesky-social/streamtree/store"

	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/stretchr/testify/require"
)

var (
	unitNonce  = MustNonce("streamtree tree tests v1")
	keyedNonce = MustNonce("streamtree keyed test v1")
)

func unitTestTypes() TreeTypes[Unit, Unit, string] {
	return UnitTypes[string](unitNonce, StringItem{})
}

// Keys are uint64; a summary is the set of key residues mod 64, as a bitmask.
func keyedTestTypes() TreeTypes[uint64, uint64, string] {
	return TreeTypes[uint64, uint64, string]{
		Nonce:      keyedNonce,
		Keys:       Items[uint64](Uint64Item{}),
		Summaries:  Items[uint64](Uint64Item{}),
		Values:     StringItem{},
		Summarizer: residueSummarizer{},
	}
}

type residueSummarizer struct{}

func (residueSummarizer) SummarizeKeys(keys []uint64) uint64 {
	var m uint64
	for _, k := range keys {
		m |= 1 << (k % 64)
	}
	return m
}

func (residueSummarizer) SummarizeSummaries(summaries []uint64) uint64 {
	var m uint64
	for _, s := range summaries {
		m |= s
	}
	return m
}

// Entries whose key is r mod 64.
type residueQuery struct {
	r uint64
}

func (q residueQuery) Containing(_ uint64, index *LeafIndex[uint64], matches []bool) {
	for i, k := range index.Keys {
		if k%64 != q.r {
			matches[i] = false
		}
	}
}

func (q residueQuery) Intersecting(_ uint64, index *BranchIndex[uint64], matches []bool) {
	for i, s := range index.Summaries {
		if s&(1<<q.r) == 0 {
			matches[i] = false
		}
	}
}

func stringEntries(from, n int) []Entry[Unit, string] {
	out := make([]Entry[Unit, string], n)
	for i := range out {
		out[i] = Entry[Unit, string]{Value: fmt.Sprintf("value-%d", from+i)}
	}
	return out
}

func keyedEntries(from, n int) []Entry[uint64, string] {
	out := make([]Entry[uint64, string], n)
	for i := range out {
		k := uint64(from+i) * 7919
		out[i] = Entry[uint64, string]{Key: k, Value: fmt.Sprintf("record %d", k)}
	}
	return out
}

type unitHarness struct {
	store  *store.MemStore
	forest *Forest[Unit, Unit, string]
	tx     *Transaction[Unit, Unit, string]
}

func newUnitHarness(t *testing.T) *unitHarness {
	st := store.NewMemStore(1 << 30)
	f, err := NewForest(unitTestTypes(), st, NewBranchCache(1024))
	require.NoError(t, err)
	return &unitHarness{
		store:  st,
		forest: f,
		tx:     NewTransaction(f, st),
	}
}

func (h *unitHarness) build(t *testing.T, cfg Config, batches ...[]Entry[Unit, string]) (*StreamBuilder[Unit, Unit, string], Tree) {
	b, err := NewStreamBuilder(unitTestTypes(), cfg, DefaultSecrets())
	require.NoError(t, err)
	for _, batch := range batches {
		require.NoError(t, h.tx.Extend(context.Background(), b, batch))
	}
	return b, b.Snapshot()
}

func collectValues[K, V any](t *testing.T, triples []Triple[K, V]) []V {
	out := make([]V, len(triples))
	for i, tr := range triples {
		require.Equal(t, uint64(i), tr.Offset)
		out[i] = tr.Value
	}
	return out
}

// Walks every node of a tree, checking the structural invariants: cached
// counts and levels agree with the nodes, branches only have multiple
// children (or sit on the right spine), and sealed branches are full.
func checkInvariants[K, S, V any](t *testing.T, f *Forest[K, S, V], cfg Config, tr Tree) {
	ctx := context.Background()
	if tr.Root == nil {
		require.Zero(t, tr.Count)
		require.Zero(t, tr.Level)
		return
	}

	var visit func(link cid.Cid, level int, count uint64, spine bool)
	visit = func(link cid.Cid, level int, count uint64, spine bool) {
		n, err := f.Load(ctx, tr.Secrets(), link)
		require.NoError(t, err)
		require.Equal(t, level, n.Level(), "level of %s", link)
		require.Equal(t, count, n.Count(), "count of %s", link)
		if !spine {
			require.True(t, n.IsSealed(), "off-spine node %s must be sealed", link)
		}

		b, ok := n.(*Branch[S])
		if !ok {
			require.Equal(t, 0, level)
			if n.IsSealed() {
				require.NotZero(t, n.Count())
			}
			return
		}
		if b.Sealed {
			require.Equal(t, cfg.branchFanout(level-1), b.Len())
		}
		if b.Len() < 2 {
			require.True(t, spine, "single child branch %s off the right spine", link)
		}
		var sum uint64
		for i := range b.Links {
			sum += b.Index.Counts[i]
			visit(b.Links[i], level-1, b.Index.Counts[i], spine && i == b.Len()-1)
		}
		require.Equal(t, count, sum)
	}
	visit(*tr.Root, tr.Level, tr.Count, true)
}

// Fails writes once a budget of successful puts is used up.
type flakyStore struct {
	*store.MemStore

	lk       sync.Mutex
	putsLeft int
}

var errFlaky = errors.New("flaky store is refusing writes")

func newFlakyStore() *flakyStore {
	return &flakyStore{MemStore: store.NewMemStore(1 << 30), putsLeft: -1}
}

func (fs *flakyStore) failAfter(n int) {
	fs.lk.Lock()
	defer fs.lk.Unlock()
	fs.putsLeft = n
}

func (fs *flakyStore) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	fs.lk.Lock()
	if fs.putsLeft == 0 {
		fs.lk.Unlock()
		return cid.Undef, errFlaky
	}
	if fs.putsLeft > 0 {
		fs.putsLeft--
	}
	fs.lk.Unlock()
	return fs.MemStore.Put(ctx, data)
}

type countingStore struct {
	store.BlockStore
	gets atomic.Int64
}

func (cs *countingStore) Get(ctx context.Context, link cid.Cid) ([]byte, error) {
	cs.gets.Add(1)
	return cs.BlockStore.Get(ctx, link)
}

// Pretends a single block is missing.
type holeStore struct {
	store.BlockStore
	hole cid.Cid
}

func (hs *holeStore) Get(ctx context.Context, link cid.Cid) ([]byte, error) {
	if link.Equals(hs.hole) {
		return nil, fmt.Errorf("hole store: %w", &ipld.ErrNotFound{Cid: link})
	}
	return hs.BlockStore.Get(ctx, link)
}
