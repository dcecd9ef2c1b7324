package tree

// A predicate over tree entries, used to prune traversals.
//
// Both methods receive a flag per key (or per child) which is true on entry,
// and must clear the flags of keys (children) that are rejected. They must be
// pure functions of their arguments.
//
// Intersecting may over-approximate: a child whose summary might cover a
// matching entry must keep its flag. Clearing the flag of a child which does
// contain a matching entry silently drops results.
type Query[K, S any] interface {
	// Leaf level: keep exactly the entries that match. offset is the offset
	// of the leaf's first entry in the tree.
	Containing(offset uint64, index *LeafIndex[K], matches []bool)
	// Branch level: keep the children that might hold matches. offset is
	// the offset of the branch's first entry in the tree.
	Intersecting(offset uint64, index *BranchIndex[S], matches []bool)
}

// Matches everything.
type AllQuery[K, S any] struct{}

func (AllQuery[K, S]) Containing(uint64, *LeafIndex[K], []bool)     {}
func (AllQuery[K, S]) Intersecting(uint64, *BranchIndex[S], []bool) {}

// Matches nothing.
type EmptyQuery[K, S any] struct{}

func (EmptyQuery[K, S]) Containing(_ uint64, _ *LeafIndex[K], matches []bool) {
	clear(matches)
}

func (EmptyQuery[K, S]) Intersecting(_ uint64, _ *BranchIndex[S], matches []bool) {
	clear(matches)
}

// Matches entries at offsets in [From, To).
type OffsetRangeQuery[K, S any] struct {
	From uint64
	To   uint64
}

func (q OffsetRangeQuery[K, S]) Containing(offset uint64, index *LeafIndex[K], matches []bool) {
	for i := range matches {
		o := offset + uint64(i)
		if o < q.From || o >= q.To {
			matches[i] = false
		}
	}
}

func (q OffsetRangeQuery[K, S]) Intersecting(offset uint64, index *BranchIndex[S], matches []bool) {
	start := offset
	for i, c := range index.Counts {
		end := start + c
		if end <= q.From || start >= q.To {
			matches[i] = false
		}
		start = end
	}
}

// Matches entries matched by every one of the queries.
func And[K, S any](queries ...Query[K, S]) Query[K, S] {
	return andQuery[K, S](queries)
}

type andQuery[K, S any] []Query[K, S]

func (q andQuery[K, S]) Containing(offset uint64, index *LeafIndex[K], matches []bool) {
	tmp := make([]bool, len(matches))
	for _, sub := range q {
		fill(tmp, true)
		sub.Containing(offset, index, tmp)
		for i := range matches {
			matches[i] = matches[i] && tmp[i]
		}
	}
}

func (q andQuery[K, S]) Intersecting(offset uint64, index *BranchIndex[S], matches []bool) {
	tmp := make([]bool, len(matches))
	for _, sub := range q {
		fill(tmp, true)
		sub.Intersecting(offset, index, tmp)
		for i := range matches {
			matches[i] = matches[i] && tmp[i]
		}
	}
}

// Matches entries matched by any of the queries.
func Or[K, S any](queries ...Query[K, S]) Query[K, S] {
	return orQuery[K, S](queries)
}

type orQuery[K, S any] []Query[K, S]

func (q orQuery[K, S]) Containing(offset uint64, index *LeafIndex[K], matches []bool) {
	tmp := make([]bool, len(matches))
	union := make([]bool, len(matches))
	for _, sub := range q {
		fill(tmp, true)
		sub.Containing(offset, index, tmp)
		for i := range union {
			union[i] = union[i] || tmp[i]
		}
	}
	for i := range matches {
		matches[i] = matches[i] && union[i]
	}
}

func (q orQuery[K, S]) Intersecting(offset uint64, index *BranchIndex[S], matches []bool) {
	tmp := make([]bool, len(matches))
	union := make([]bool, len(matches))
	for _, sub := range q {
		fill(tmp, true)
		sub.Intersecting(offset, index, tmp)
		for i := range union {
			union[i] = union[i] || tmp[i]
		}
	}
	for i := range matches {
		matches[i] = matches[i] && union[i]
	}
}

func fill(flags []bool, v bool) {
	for i := range flags {
		flags[i] = v
	}
}

func anySet(flags []bool) bool {
	for _, f := range flags {
		if f {
			return true
		}
	}
	return false
}
