// Package tags provides tree types for event streams: each entry is keyed by a
// lamport timestamp, a wall clock time and a set of string tags. Branches
// summarize their children by lamport and time ranges plus the union of tags,
// so that queries by tag or time skip unrelated subtrees.
package tags

import (
	"slices"
	"strings"

	"github.com/bluesky-social/streamtree/keyrange"
	"github.com/bluesky-social/streamtree/tree"
)

var Nonce = tree.MustNonce("streamtree tags index v1")

// Sorted set of distinct tags. The zero value is the empty set.
type TagSet []string

func NewTagSet(tags ...string) TagSet {
	out := slices.Clone(tags)
	slices.Sort(out)
	return TagSet(slices.Compact(out))
}

func (ts TagSet) Contains(tag string) bool {
	_, found := slices.BinarySearch(ts, tag)
	return found
}

// True if every tag of ts is in other.
func (ts TagSet) IsSubsetOf(other TagSet) bool {
	j := 0
	for _, t := range ts {
		for j < len(other) && other[j] < t {
			j++
		}
		if j == len(other) || other[j] != t {
			return false
		}
		j++
	}
	return true
}

func (ts TagSet) Union(other TagSet) TagSet {
	if len(other) == 0 {
		return ts
	}
	if len(ts) == 0 {
		return other
	}
	out := make(TagSet, 0, len(ts)+len(other))
	i, j := 0, 0
	for i < len(ts) && j < len(other) {
		switch {
		case ts[i] < other[j]:
			out = append(out, ts[i])
			i++
		case ts[i] > other[j]:
			out = append(out, other[j])
			j++
		default:
			out = append(out, ts[i])
			i++
			j++
		}
	}
	out = append(out, ts[i:]...)
	return append(out, other[j:]...)
}

func (ts TagSet) String() string {
	return "{" + strings.Join(ts, ",") + "}"
}

type Key struct {
	Lamport uint64
	Time    uint64
	Tags    TagSet
}

func NewKey(lamport, time uint64, tags ...string) Key {
	return Key{Lamport: lamport, Time: time, Tags: NewTagSet(tags...)}
}

type Summary struct {
	Lamport keyrange.KeyRange
	Time    keyrange.KeyRange
	Tags    TagSet
}

type Summarizer struct{}

func (Summarizer) SummarizeKeys(keys []Key) Summary {
	if len(keys) == 0 {
		return Summary{}
	}
	s := Summary{
		Lamport: keyrange.KeyRange{Min: keys[0].Lamport, Max: keys[0].Lamport},
		Time:    keyrange.KeyRange{Min: keys[0].Time, Max: keys[0].Time},
	}
	for _, k := range keys {
		s.Lamport.Min = min(s.Lamport.Min, k.Lamport)
		s.Lamport.Max = max(s.Lamport.Max, k.Lamport)
		s.Time.Min = min(s.Time.Min, k.Time)
		s.Time.Max = max(s.Time.Max, k.Time)
		s.Tags = s.Tags.Union(canonical(k.Tags))
	}
	return s
}

func (Summarizer) SummarizeSummaries(summaries []Summary) Summary {
	if len(summaries) == 0 {
		return Summary{}
	}
	s := Summary{
		Lamport: summaries[0].Lamport,
		Time:    summaries[0].Time,
	}
	for _, c := range summaries {
		s.Lamport.Min = min(s.Lamport.Min, c.Lamport.Min)
		s.Lamport.Max = max(s.Lamport.Max, c.Lamport.Max)
		s.Time.Min = min(s.Time.Min, c.Time.Min)
		s.Time.Max = max(s.Time.Max, c.Time.Max)
		s.Tags = s.Tags.Union(c.Tags)
	}
	return s
}

// Tree types for tagged event streams, with the given value codec.
func Types[V any](values tree.ItemCodec[V]) tree.TreeTypes[Key, Summary, V] {
	return tree.TreeTypes[Key, Summary, V]{
		Nonce:      Nonce,
		Keys:       KeySeq{},
		Summaries:  SummarySeq{},
		Values:     values,
		Summarizer: Summarizer{},
	}
}
