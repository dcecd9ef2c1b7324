package tree

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/bluesky-social/streamtree/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterFromOffset(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newUnitHarness(t)
	_, tr := h.build(t, DebugConfig(), stringEntries(0, 333))

	for _, off := range []uint64{0, 1, 9, 10, 39, 40, 41, 160, 300, 332} {
		triples, err := Collect(h.tx.IterFromOffset(ctx, tr, off))
		require.NoError(t, err)
		require.Len(t, triples, 333-int(off))
		for i, tr := range triples {
			assert.Equal(off+uint64(i), tr.Offset)
			assert.Equal(stringEntries(int(tr.Offset), 1)[0].Value, tr.Value)
		}
	}

	triples, err := Collect(h.tx.IterFromOffset(ctx, tr, 333))
	assert.NoError(err)
	assert.Empty(triples)
}

func TestSeekSkipsSubtrees(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	h := newUnitHarness(t)
	_, tr := h.build(t, DebugConfig(), stringEntries(0, 640))
	require.Equal(t, 3, tr.Level)

	cs := &countingStore{BlockStore: h.store}
	f, err := NewForest(unitTestTypes(), cs, nil)
	require.NoError(t, err)
	tx := NewTransaction(f, cs)

	triples, err := Collect(tx.IterFromOffset(ctx, tr, 635))
	require.NoError(t, err)
	assert.Len(triples, 5)
	// one node per level
	assert.Equal(int64(4), cs.gets.Load())

	cs.gets.Store(0)
	triples, err = Collect(tx.IterFiltered(ctx, tr, EmptyQuery[Unit, Unit]{}))
	require.NoError(t, err)
	assert.Empty(triples)
	assert.Equal(int64(1), cs.gets.Load())
}

func TestGet(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newUnitHarness(t)
	_, tr := h.build(t, DebugConfig(), stringEntries(0, 77))

	for _, off := range []uint64{0, 10, 50, 76} {
		tri, err := h.tx.Get(ctx, tr, off)
		require.NoError(t, err)
		assert.Equal(off, tri.Offset)
		assert.Equal(stringEntries(int(off), 1)[0].Value, tri.Value)
	}

	_, err := h.tx.Get(ctx, tr, 77)
	assert.ErrorIs(err, ErrOutOfRange)
	_, err = h.tx.Get(ctx, Tree{}, 0)
	assert.ErrorIs(err, ErrOutOfRange)
}

func TestPruningSoundness(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore(1 << 30)
	f, err := NewForest(keyedTestTypes(), st, NewBranchCache(256))
	require.NoError(t, err)
	tx := NewTransaction(f, st)

	rng := rand.New(rand.NewSource(42))
	entries := make([]Entry[uint64, string], 1500)
	for i := range entries {
		// skewed, so that some residues are rare
		k := uint64(rng.Intn(4096)) * uint64(1+rng.Intn(3))
		entries[i] = Entry[uint64, string]{Key: k, Value: "v"}
	}

	b, err := NewStreamBuilder(keyedTestTypes(), DebugFastConfig(), DefaultSecrets())
	require.NoError(t, err)
	require.NoError(t, tx.Extend(ctx, b, entries[:700]))
	require.NoError(t, tx.Extend(ctx, b, entries[700:]))
	tr := b.Snapshot()
	checkInvariants(t, f, DebugFastConfig(), tr)

	all, err := Collect(tx.IterFrom(ctx, tr))
	require.NoError(t, err)
	require.Len(t, all, len(entries))

	queries := map[string]Query[uint64, uint64]{
		"residue 0":  residueQuery{r: 0},
		"residue 63": residueQuery{r: 63},
		"range":      OffsetRangeQuery[uint64, uint64]{From: 123, To: 987},
		"and":        And[uint64, uint64](residueQuery{r: 5}, OffsetRangeQuery[uint64, uint64]{From: 500, To: 1500}),
		"or":         Or[uint64, uint64](residueQuery{r: 1}, residueQuery{r: 2}),
		"all":        AllQuery[uint64, uint64]{},
		"none":       EmptyQuery[uint64, uint64]{},
	}
	predicates := map[string]func(Triple[uint64, string]) bool{
		"residue 0":  func(tr Triple[uint64, string]) bool { return tr.Key%64 == 0 },
		"residue 63": func(tr Triple[uint64, string]) bool { return tr.Key%64 == 63 },
		"range":      func(tr Triple[uint64, string]) bool { return tr.Offset >= 123 && tr.Offset < 987 },
		"and":        func(tr Triple[uint64, string]) bool { return tr.Key%64 == 5 && tr.Offset >= 500 },
		"or":         func(tr Triple[uint64, string]) bool { return tr.Key%64 == 1 || tr.Key%64 == 2 },
		"all":        func(Triple[uint64, string]) bool { return true },
		"none":       func(Triple[uint64, string]) bool { return false },
	}

	for name, q := range queries {
		var expected []Triple[uint64, string]
		for _, tr := range all {
			if predicates[name](tr) {
				expected = append(expected, tr)
			}
		}
		got, err := Collect(tx.IterFiltered(ctx, tr, q))
		require.NoError(t, err, name)
		assert.Equal(t, expected, got, name)
	}
}

func TestOrKeepsClearedFlags(t *testing.T) {
	assert := assert.New(t)

	leaf := &LeafIndex[uint64]{Keys: []uint64{1, 2, 3, 65}}
	branch := &BranchIndex[uint64]{Level: 1, Counts: []uint64{1, 1, 1, 1}, Summaries: []uint64{1 << 1, 1 << 2, 1 << 3, 1 << 1}}

	or := Or[uint64, uint64](residueQuery{r: 1}, residueQuery{r: 2})
	matches := []bool{true, true, true, false}
	or.Containing(0, leaf, matches)
	assert.Equal([]bool{true, true, false, false}, matches)

	matches = []bool{false, true, true, true}
	or.Intersecting(0, branch, matches)
	assert.Equal([]bool{false, true, false, true}, matches)

	// a sub-query matching everything leaves the incoming flags alone
	anything := Or[uint64, uint64](EmptyQuery[uint64, uint64]{}, AllQuery[uint64, uint64]{})
	matches = []bool{true, false, true, false}
	anything.Containing(0, leaf, matches)
	assert.Equal([]bool{true, false, true, false}, matches)
	anything.Intersecting(0, branch, matches)
	assert.Equal([]bool{true, false, true, false}, matches)

	none := Or[uint64, uint64]()
	none.Containing(0, leaf, matches)
	assert.Equal([]bool{false, false, false, false}, matches)
}

func TestMissingBlockMidIteration(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newUnitHarness(t)
	_, tr := h.build(t, DebugConfig(), stringEntries(0, 100))

	root, err := h.forest.Load(ctx, tr.Secrets(), *tr.Root)
	require.NoError(t, err)
	rb := root.(*Branch[Unit])
	require.Greater(t, rb.Len(), 2)

	hs := &holeStore{BlockStore: h.store, hole: rb.Links[1]}
	f, err := NewForest(unitTestTypes(), hs, nil)
	require.NoError(t, err)
	tx := NewTransaction(f, hs)

	var got []Triple[Unit, string]
	var iterErr error
	for tri, err := range tx.IterFrom(ctx, tr) {
		if err != nil {
			iterErr = err
			break
		}
		got = append(got, tri)
	}
	assert.ErrorIs(iterErr, ErrNotFound)
	assert.Len(got, int(rb.Index.Counts[0]))

	// restartable: a second pass fails at the same place
	got, err = Collect(tx.IterFrom(ctx, tr))
	assert.ErrorIs(err, ErrNotFound)
	assert.Len(got, int(rb.Index.Counts[0]))

	// offsets after the hole are still reachable
	triples, err := Collect(tx.IterFromOffset(ctx, tr, rb.Index.OffsetOf(2)))
	assert.NoError(err)
	assert.Len(triples, 100-int(rb.Index.OffsetOf(2)))
}

func TestEarlyBreak(t *testing.T) {
	ctx := context.Background()
	h := newUnitHarness(t)
	_, tr := h.build(t, DebugConfig(), stringEntries(0, 100))

	n := 0
	for _, err := range h.tx.IterFrom(ctx, tr) {
		require.NoError(t, err)
		n++
		if n == 15 {
			break
		}
	}
	assert.Equal(t, 15, n)
}

func TestExportImportCAR(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	h := newUnitHarness(t)
	_, tr := h.build(t, DebugConfig(), stringEntries(0, 250))

	links, err := Collect(h.tx.Links(ctx, tr))
	require.NoError(t, err)

	buf := new(bytes.Buffer)
	n, err := h.tx.ExportCAR(ctx, tr, buf)
	require.NoError(t, err)
	assert.Equal(len(links), n)

	fresh := store.NewMemStore(1 << 30)
	roots, err := store.ImportCAR(ctx, buf, fresh)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.True(roots[0].Equals(*tr.Root))
	assert.Equal(n, fresh.Len())

	f, err := NewForest(unitTestTypes(), fresh, nil)
	require.NoError(t, err)
	loaded, err := f.LoadTree(ctx, DefaultSecrets(), roots[0])
	require.NoError(t, err)
	assert.Equal(tr, loaded)

	triples, err := Collect(NewTransaction(f, fresh).IterFrom(ctx, loaded))
	require.NoError(t, err)
	assert.Len(triples, 250)

	_, err = h.tx.ExportCAR(ctx, Tree{}, new(bytes.Buffer))
	assert.Error(err)
}

func TestStagedWrites(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// durable base holds the first snapshot; the second goes to a staging
	// store, but reads see both
	base := store.NewMemStore(1 << 30)
	f, err := NewForest(unitTestTypes(), base, nil)
	require.NoError(t, err)
	b, err := NewStreamBuilder(unitTestTypes(), DebugConfig(), DefaultSecrets())
	require.NoError(t, err)
	require.NoError(t, NewTransaction(f, base).Extend(ctx, b, stringEntries(0, 50)))

	staging := store.NewMemStore(1 << 30)
	tx := NewTransaction(f, staging)
	require.NoError(t, tx.Extend(ctx, b, stringEntries(50, 50)))
	tr := b.Snapshot()

	triples, err := Collect(tx.IterFrom(ctx, tr))
	require.NoError(t, err)
	assert.Len(triples, 100)

	_, err = base.Get(ctx, *tr.Root)
	assert.True(store.IsNotFound(err))
	_, err = staging.Get(ctx, *tr.Root)
	assert.NoError(err)
}
