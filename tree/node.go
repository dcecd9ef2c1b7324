package tree

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// A decoded tree node: either a *Leaf[K] or a *Branch[S].
type Node interface {
	// Height above the leaves; leaves are level 0.
	Level() int
	// Number of entries in the subtree.
	Count() uint64
	// Sealed nodes are final: they will be referenced by every later snapshot
	// of the same builder. Unsealed nodes make up the trailing chain of one
	// snapshot and get replaced by the next.
	IsSealed() bool
}

// The ordered keys of a leaf's entries.
type LeafIndex[K any] struct {
	Keys []K
}

// Per-child metadata of a branch: entry counts and summaries, in child order.
type BranchIndex[S any] struct {
	// Level of the branch itself; children are at Level-1.
	Level     int
	Counts    []uint64
	Summaries []S
}

// Total entries under the first i children.
func (bi *BranchIndex[S]) OffsetOf(i int) uint64 {
	var off uint64
	for _, c := range bi.Counts[:i] {
		off += c
	}
	return off
}

type Leaf[K any] struct {
	Index  LeafIndex[K]
	Sealed bool

	// encoded values, one per key; set on leaves built in memory
	items [][]byte
	// sealed values payload; set on leaves loaded from the store
	sealedValues []byte
	ring         *keyring
}

var _ Node = (*Leaf[Unit])(nil)

func (l *Leaf[K]) Level() int     { return 0 }
func (l *Leaf[K]) Count() uint64  { return uint64(len(l.Index.Keys)) }
func (l *Leaf[K]) IsSealed() bool { return l.Sealed }

func (l *Leaf[K]) String() string {
	return fmt.Sprintf("Leaf{count=%d sealed=%t}", l.Count(), l.Sealed)
}

// Reference from a branch to one child.
type ChildRef[S any] struct {
	Link    cid.Cid
	Count   uint64
	Level   int
	Summary S
}

type Branch[S any] struct {
	Index  BranchIndex[S]
	Links  []cid.Cid
	Sealed bool

	count uint64
}

var _ Node = (*Branch[Unit])(nil)

func newBranch[S any](level int, children []ChildRef[S], sealed bool) *Branch[S] {
	b := &Branch[S]{
		Index: BranchIndex[S]{
			Level:     level,
			Counts:    make([]uint64, len(children)),
			Summaries: make([]S, len(children)),
		},
		Links:  make([]cid.Cid, len(children)),
		Sealed: sealed,
	}
	for i, c := range children {
		b.Links[i] = c.Link
		b.Index.Counts[i] = c.Count
		b.Index.Summaries[i] = c.Summary
		b.count += c.Count
	}
	return b
}

func (b *Branch[S]) Level() int     { return b.Index.Level }
func (b *Branch[S]) Count() uint64  { return b.count }
func (b *Branch[S]) IsSealed() bool { return b.Sealed }
func (b *Branch[S]) Len() int       { return len(b.Links) }

func (b *Branch[S]) Child(i int) ChildRef[S] {
	return ChildRef[S]{
		Link:    b.Links[i],
		Count:   b.Index.Counts[i],
		Level:   b.Index.Level - 1,
		Summary: b.Index.Summaries[i],
	}
}

func (b *Branch[S]) String() string {
	return fmt.Sprintf("Branch{level=%d children=%d count=%d sealed=%t}", b.Index.Level, len(b.Links), b.count, b.Sealed)
}

// Immutable handle to a persisted tree: the root Link, along with the cached
// level and entry count of the root. A nil Root is the empty tree.
//
// A Tree also carries the Secrets it was written with, so that it can be read
// back; they are never printed.
type Tree struct {
	Root  *cid.Cid
	Level int
	Count uint64

	secrets Secrets
}

func (t Tree) IsEmpty() bool {
	return t.Root == nil
}

func (t Tree) Secrets() Secrets {
	return t.secrets
}

// Same root, read with different secrets. Useful for handing out a tree to a
// reader which only holds the IndexKey.
func (t Tree) WithSecrets(s Secrets) Tree {
	t.secrets = s
	return t
}

func (t Tree) String() string {
	if t.Root == nil {
		return "Tree{empty}"
	}
	return fmt.Sprintf("Tree{root=%s level=%d count=%d}", t.Root, t.Level, t.Count)
}

// Checks a loaded node against what its parent (or the Tree handle) claims
// about it.
func checkNode(link cid.Cid, n Node, level int, count uint64) error {
	if n.Level() != level {
		return corruptf(link, "expected level %d, found %d", level, n.Level())
	}
	if n.Count() != count {
		return corruptf(link, "expected count %d, found %d", count, n.Count())
	}
	return nil
}
