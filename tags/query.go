package tags

import (
	"github.com/bluesky-social/streamtree/keyrange"
	"github.com/bluesky-social/streamtree/tree"
)

// Selects events carrying all of the given tags. An empty TagQuery matches
// every event.
type TagQuery struct {
	Tags TagSet
}

var _ tree.Query[Key, Summary] = TagQuery{}

func (q TagQuery) Containing(_ uint64, index *tree.LeafIndex[Key], matches []bool) {
	for i, k := range index.Keys {
		if !q.Tags.IsSubsetOf(k.Tags) {
			matches[i] = false
		}
	}
}

func (q TagQuery) Intersecting(_ uint64, index *tree.BranchIndex[Summary], matches []bool) {
	for i, s := range index.Summaries {
		if !q.Tags.IsSubsetOf(s.Tags) {
			matches[i] = false
		}
	}
}

// Selects events with a time in [Min, Max].
type TimeRangeQuery keyrange.KeyRange

var _ tree.Query[Key, Summary] = TimeRangeQuery{}

func (q TimeRangeQuery) Containing(_ uint64, index *tree.LeafIndex[Key], matches []bool) {
	r := keyrange.KeyRange(q)
	for i, k := range index.Keys {
		if !r.Contains(k.Time) {
			matches[i] = false
		}
	}
}

func (q TimeRangeQuery) Intersecting(_ uint64, index *tree.BranchIndex[Summary], matches []bool) {
	r := keyrange.KeyRange(q)
	for i, s := range index.Summaries {
		if !r.Intersects(s.Time) {
			matches[i] = false
		}
	}
}

// Selects events with a lamport timestamp in [Min, Max].
type LamportRangeQuery keyrange.KeyRange

var _ tree.Query[Key, Summary] = LamportRangeQuery{}

func (q LamportRangeQuery) Containing(_ uint64, index *tree.LeafIndex[Key], matches []bool) {
	r := keyrange.KeyRange(q)
	for i, k := range index.Keys {
		if !r.Contains(k.Lamport) {
			matches[i] = false
		}
	}
}

func (q LamportRangeQuery) Intersecting(_ uint64, index *tree.BranchIndex[Summary], matches []bool) {
	r := keyrange.KeyRange(q)
	for i, s := range index.Summaries {
		if !r.Intersects(s.Lamport) {
			matches[i] = false
		}
	}
}
