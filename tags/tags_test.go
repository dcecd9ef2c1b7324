package tags

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/bluesky-social/streamtree/keyrange"
	"github.com/bluesky-social/streamtree/store"
	"github.com/bluesky-social/streamtree/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cbg "github.com/whyrusleeping/cbor-gen"
)

func TestTagSet(t *testing.T) {
	assert := assert.New(t)

	ts := NewTagSet("b", "a", "c", "a")
	assert.Equal(TagSet{"a", "b", "c"}, ts)
	assert.True(ts.Contains("b"))
	assert.False(ts.Contains("d"))
	assert.Equal("{a,b,c}", ts.String())

	assert.True(NewTagSet("a", "c").IsSubsetOf(ts))
	assert.True(TagSet(nil).IsSubsetOf(ts))
	assert.False(NewTagSet("a", "d").IsSubsetOf(ts))
	assert.False(ts.IsSubsetOf(nil))

	assert.Equal(TagSet{"a", "b", "c", "d"}, ts.Union(NewTagSet("d", "b")))
	assert.Equal(ts, ts.Union(nil))
	assert.Nil(TagSet(nil).Union(nil))
}

func TestSeqCodecs(t *testing.T) {
	assert := assert.New(t)

	keys := []Key{
		NewKey(1, 100, "user:alice", "type:post"),
		NewKey(2, 101),
		NewKey(3, 99, "type:post"),
		NewKey(4, 120, "user:bob", "type:like"),
	}
	buf := new(bytes.Buffer)
	require.NoError(t, KeySeq{}.MarshalSeq(cbg.NewCborWriter(buf), keys))
	decoded, err := KeySeq{}.UnmarshalSeq(cbg.NewCborReader(bytes.NewReader(buf.Bytes())), len(keys))
	require.NoError(t, err)
	assert.Equal(keys, decoded)

	_, err = KeySeq{}.UnmarshalSeq(cbg.NewCborReader(bytes.NewReader(buf.Bytes())), 3)
	assert.Error(err)

	summaries := []Summary{
		Summarizer{}.SummarizeKeys(keys[:2]),
		Summarizer{}.SummarizeKeys(keys[2:]),
	}
	buf.Reset()
	require.NoError(t, SummarySeq{}.MarshalSeq(cbg.NewCborWriter(buf), summaries))
	decodedSummaries, err := SummarySeq{}.UnmarshalSeq(cbg.NewCborReader(bytes.NewReader(buf.Bytes())), 2)
	require.NoError(t, err)
	assert.Equal(summaries, decodedSummaries)

	// sets built without NewTagSet are written in canonical order
	loose := []Key{
		{Lamport: 1, Time: 1, Tags: TagSet{"a", "a"}},
		{Lamport: 2, Time: 2, Tags: TagSet{"c", "b", "c"}},
	}
	buf.Reset()
	require.NoError(t, KeySeq{}.MarshalSeq(cbg.NewCborWriter(buf), loose))
	decoded, err = KeySeq{}.UnmarshalSeq(cbg.NewCborReader(bytes.NewReader(buf.Bytes())), len(loose))
	require.NoError(t, err)
	assert.Equal([]Key{NewKey(1, 1, "a"), NewKey(2, 2, "b", "c")}, decoded)

	buf.Reset()
	require.NoError(t, SummarySeq{}.MarshalSeq(cbg.NewCborWriter(buf), []Summary{{Tags: TagSet{"z", "y", "y"}}}))
	decodedSummaries, err = SummarySeq{}.UnmarshalSeq(cbg.NewCborReader(bytes.NewReader(buf.Bytes())), 1)
	require.NoError(t, err)
	assert.Equal(TagSet{"y", "z"}, decodedSummaries[0].Tags)
}

func TestLooseTagSetsReadBack(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	st := store.NewMemStore(1 << 30)
	types := Types[string](tree.StringItem{})
	f, err := tree.NewForest(types, st, nil)
	require.NoError(t, err)
	tx := tree.NewTransaction(f, st)

	b, err := tree.NewStreamBuilder(types, tree.DebugFastConfig(), tree.DefaultSecrets())
	require.NoError(t, err)
	require.NoError(t, tx.Extend(ctx, b, []tree.Entry[Key, string]{
		{Key: Key{Lamport: 1, Time: 1, Tags: TagSet{"a", "a"}}, Value: "first"},
		{Key: Key{Lamport: 2, Time: 2, Tags: TagSet{"b", "a"}}, Value: "second"},
	}))
	require.NoError(t, tx.Extend(ctx, b, []tree.Entry[Key, string]{{Key: NewKey(3, 3, "x"), Value: "third"}}))
	tr := b.Snapshot()

	all, err := tree.Collect(tx.IterFrom(ctx, tr))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(NewKey(1, 1, "a"), all[0].Key)
	assert.Equal(NewKey(2, 2, "a", "b"), all[1].Key)
	assert.Equal("third", all[2].Value)

	got, err := tree.Collect(tx.IterFiltered(ctx, tr, TagQuery{Tags: NewTagSet("b")}))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal("second", got[0].Value)
}

func TestSummarizer(t *testing.T) {
	assert := assert.New(t)
	var s Summarizer

	assert.Equal(Summary{}, s.SummarizeKeys(nil))
	sum := s.SummarizeKeys([]Key{NewKey(7, 50, "x"), NewKey(3, 60, "y"), NewKey(9, 40)})
	assert.Equal(Summary{
		Lamport: keyrange.KeyRange{Min: 3, Max: 9},
		Time:    keyrange.KeyRange{Min: 40, Max: 60},
		Tags:    TagSet{"x", "y"},
	}, sum)

	top := s.SummarizeSummaries([]Summary{sum, s.SummarizeKeys([]Key{NewKey(20, 1, "z")})})
	assert.Equal(keyrange.KeyRange{Min: 3, Max: 20}, top.Lamport)
	assert.Equal(keyrange.KeyRange{Min: 1, Max: 60}, top.Time)
	assert.Equal(TagSet{"x", "y", "z"}, top.Tags)
}

func eventKey(i int) Key {
	tags := []string{fmt.Sprintf("stream:%d", i%3)}
	if i%10 == 0 {
		tags = append(tags, "milestone")
	}
	if i >= 500 && i < 520 {
		tags = append(tags, "incident")
	}
	return NewKey(uint64(i), uint64(1_000_000+i*10), tags...)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore(1 << 30)
	types := Types[string](tree.StringItem{})
	f, err := tree.NewForest(types, st, tree.NewBranchCache(512))
	require.NoError(t, err)
	tx := tree.NewTransaction(f, st)

	entries := make([]tree.Entry[Key, string], 2000)
	for i := range entries {
		entries[i] = tree.Entry[Key, string]{Key: eventKey(i), Value: fmt.Sprintf("event %d", i)}
	}
	secrets, err := tree.RandomSecrets()
	require.NoError(t, err)
	b, err := tree.NewStreamBuilder(types, tree.DebugFastConfig(), secrets)
	require.NoError(t, err)
	require.NoError(t, tx.Extend(ctx, b, entries[:1234]))
	require.NoError(t, tx.Extend(ctx, b, entries[1234:]))
	tr := b.Snapshot()

	all, err := tree.Collect(tx.IterFrom(ctx, tr))
	require.NoError(t, err)
	require.Len(t, all, len(entries))

	queries := []struct {
		name  string
		query tree.Query[Key, Summary]
		pred  func(Key) bool
		count int
	}{
		{"incident", TagQuery{Tags: NewTagSet("incident")}, func(k Key) bool { return k.Tags.Contains("incident") }, 20},
		{"milestone stream 1", TagQuery{Tags: NewTagSet("milestone", "stream:1")}, func(k Key) bool {
			return k.Tags.Contains("milestone") && k.Tags.Contains("stream:1")
		}, 67},
		{"unknown tag", TagQuery{Tags: NewTagSet("nope")}, func(Key) bool { return false }, 0},
		{"time", TimeRangeQuery{Min: 1_005_000, Max: 1_005_990}, func(k Key) bool { return k.Time >= 1_005_000 && k.Time <= 1_005_990 }, 100},
		{"lamport", LamportRangeQuery{Min: 1990, Max: 5000}, func(k Key) bool { return k.Lamport >= 1990 }, 10},
		{"milestone in time", tree.And[Key, Summary](
			TagQuery{Tags: NewTagSet("milestone")},
			TimeRangeQuery{Min: 1_000_000, Max: 1_001_000},
		), func(k Key) bool { return k.Tags.Contains("milestone") && k.Time <= 1_001_000 }, 11},
	}

	for _, q := range queries {
		var expected []tree.Triple[Key, string]
		for _, tri := range all {
			if q.pred(tri.Key) {
				expected = append(expected, tri)
			}
		}
		assert.Len(t, expected, q.count, q.name)

		got, err := tree.Collect(tx.IterFiltered(ctx, tr, q.query))
		require.NoError(t, err, q.name)
		assert.Equal(t, expected, got, q.name)
	}
}
