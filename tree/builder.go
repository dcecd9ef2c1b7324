package tree

import (
	"context"
	"fmt"

	"github.com/bluesky-social/streamtree/store"
)

type bufferedEntry[K any] struct {
	key  K
	item []byte
}

// Incrementally builds a balanced tree from an append-only stream of entries.
//
// Entries are buffered until a leaf's worth has accumulated, at which point the
// leaf is sealed and persisted. Sealed nodes pile up in per-level pending
// lists; a full list (the branch fan-out) gets folded in to one sealed branch
// on the level above. Sealed nodes are never rewritten, so appends cost O(1)
// amortized block writes.
//
// Every Extend also persists a short trailing chain: an unsealed leaf holding
// the buffer, and unsealed branches joining the pending lists to a single
// root. That chain is the only part of a snapshot that later snapshots do not
// share.
//
// A StreamBuilder must only be used by one writer at a time. Entries are
// appended through Transaction.Extend.
type StreamBuilder[K, S, V any] struct {
	cfg     Config
	secrets Secrets
	nonce   Nonce

	buffer []bufferedEntry[K]

	// sealed nodes not yet folded in to a sealed parent, by level
	levels [][]ChildRef[S]

	count    uint64
	snapshot Tree
}

// The types argument only fixes the type parameters and the Nonce; the
// builder must be extended through a Transaction over a Forest of the same
// types.
func NewStreamBuilder[K, S, V any](types TreeTypes[K, S, V], cfg Config, secrets Secrets) (*StreamBuilder[K, S, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &StreamBuilder[K, S, V]{
		cfg:      cfg,
		secrets:  secrets,
		nonce:    types.Nonce,
		snapshot: Tree{secrets: secrets},
	}, nil
}

func (b *StreamBuilder[K, S, V]) Config() Config {
	return b.cfg
}

// Total entries appended so far.
func (b *StreamBuilder[K, S, V]) Len() uint64 {
	return b.count
}

func (b *StreamBuilder[K, S, V]) IsEmpty() bool {
	return b.count == 0
}

// Level of the root of the current snapshot.
func (b *StreamBuilder[K, S, V]) Level() int {
	return b.snapshot.Level
}

// Number of entries appended but not yet part of a sealed leaf.
func (b *StreamBuilder[K, S, V]) Buffered() int {
	return len(b.buffer)
}

// The tree as of the last successful Extend. Does no I/O; calling it again
// without an intervening Extend returns an identical Tree.
func (b *StreamBuilder[K, S, V]) Snapshot() Tree {
	return b.snapshot
}

func (b *StreamBuilder[K, S, V]) pending(level int) []ChildRef[S] {
	if level >= len(b.levels) {
		return nil
	}
	return b.levels[level]
}

func (b *StreamBuilder[K, S, V]) push(ref ChildRef[S]) {
	for len(b.levels) <= ref.Level {
		b.levels = append(b.levels, nil)
	}
	b.levels[ref.Level] = append(b.levels[ref.Level], ref)
}

// Length of the buffer prefix that makes up the next sealed leaf, or 0 if the
// buffer does not hold a full leaf yet.
func (b *StreamBuilder[K, S, V]) nextLeafLen() int {
	size := 0
	for i, e := range b.buffer {
		size += len(e.item)
		if i+1 >= b.cfg.MaxLeafCount || size >= b.cfg.TargetLeafSize {
			return i + 1
		}
	}
	return 0
}

// Seals and persists as many full leaves and branches as the current state
// allows. State only changes after each node has been written, so on error the
// builder is left consistent and the work can be resumed.
func (b *StreamBuilder[K, S, V]) seal(ctx context.Context, f *Forest[K, S, V], w store.BlockWriter) error {
	if err := b.fold(ctx, f, w); err != nil {
		return err
	}
	for {
		n := b.nextLeafLen()
		if n == 0 {
			return nil
		}
		ref, err := b.writeLeaf(ctx, f, w, b.buffer[:n], true)
		if err != nil {
			return err
		}
		b.buffer = append(b.buffer[:0:0], b.buffer[n:]...)
		b.push(ref)
		nodesSealed.WithLabelValues("leaf").Inc()

		if err := b.fold(ctx, f, w); err != nil {
			return err
		}
	}
}

func (b *StreamBuilder[K, S, V]) fold(ctx context.Context, f *Forest[K, S, V], w store.BlockWriter) error {
	for level := 0; level < len(b.levels); level++ {
		fanout := b.cfg.branchFanout(level)
		for len(b.levels[level]) >= fanout {
			ref, err := b.writeBranch(ctx, f, w, level+1, b.levels[level][:fanout], true)
			if err != nil {
				return err
			}
			b.levels[level] = append(b.levels[level][:0:0], b.levels[level][fanout:]...)
			b.push(ref)
			nodesSealed.WithLabelValues("branch").Inc()
			f.log.Debug("sealed branch", "level", level+1, "link", ref.Link, "count", ref.Count)
		}
	}
	return nil
}

func (b *StreamBuilder[K, S, V]) writeLeaf(ctx context.Context, f *Forest[K, S, V], w store.BlockWriter, entries []bufferedEntry[K], sealed bool) (ChildRef[S], error) {
	leaf := &Leaf[K]{
		Index:  LeafIndex[K]{Keys: make([]K, len(entries))},
		Sealed: sealed,
		items:  make([][]byte, len(entries)),
	}
	for i, e := range entries {
		leaf.Index.Keys[i] = e.key
		leaf.items[i] = e.item
	}
	link, err := f.persist(ctx, w, b.secrets, b.cfg.ZstdLevel, leaf)
	if err != nil {
		return ChildRef[S]{}, err
	}
	return ChildRef[S]{
		Link:    link,
		Count:   leaf.Count(),
		Level:   0,
		Summary: f.types.Summarizer.SummarizeKeys(leaf.Index.Keys),
	}, nil
}

func (b *StreamBuilder[K, S, V]) writeBranch(ctx context.Context, f *Forest[K, S, V], w store.BlockWriter, level int, children []ChildRef[S], sealed bool) (ChildRef[S], error) {
	branch := newBranch(level, children, sealed)
	link, err := f.persist(ctx, w, b.secrets, b.cfg.ZstdLevel, branch)
	if err != nil {
		return ChildRef[S]{}, err
	}
	return ChildRef[S]{
		Link:    link,
		Count:   branch.Count(),
		Level:   level,
		Summary: f.types.Summarizer.SummarizeSummaries(branch.Index.Summaries),
	}, nil
}

// Persists the trailing chain and updates the cached snapshot.
//
// Working upwards from the buffer, each level's pending nodes plus the chain
// so far (the carry) are joined by an unsealed branch on the level above, until
// the topmost level is reached. A lone node on the top level is the root
// itself. Intermediate levels with nothing pending still get a single child
// branch, so that every branch's children share one level.
func (b *StreamBuilder[K, S, V]) writeTrailing(ctx context.Context, f *Forest[K, S, V], w store.BlockWriter) error {
	var carry *ChildRef[S]
	if len(b.buffer) > 0 {
		ref, err := b.writeLeaf(ctx, f, w, b.buffer, false)
		if err != nil {
			return err
		}
		carry = &ref
	}

	top := -1
	for level := len(b.levels) - 1; level >= 0; level-- {
		if len(b.levels[level]) > 0 {
			top = level
			break
		}
	}

	for level := 0; level <= top; level++ {
		kids := b.pending(level)
		if carry != nil {
			kids = append(kids[:len(kids):len(kids)], *carry)
		}
		if len(kids) == 0 {
			continue
		}
		if level == top && len(kids) == 1 {
			carry = &kids[0]
			break
		}
		ref, err := b.writeBranch(ctx, f, w, level+1, kids, false)
		if err != nil {
			return err
		}
		carry = &ref
	}

	if carry == nil {
		b.snapshot = Tree{secrets: b.secrets}
		return nil
	}
	root := carry.Link
	b.snapshot = Tree{
		Root:    &root,
		Level:   carry.Level,
		Count:   carry.Count,
		secrets: b.secrets,
	}
	return nil
}

// Stages already encoded entries in the buffer.
func (b *StreamBuilder[K, S, V]) append(entries []bufferedEntry[K]) {
	b.buffer = append(b.buffer, entries...)
	b.count += uint64(len(entries))
}

func (b *StreamBuilder[K, S, V]) checkForest(f *Forest[K, S, V]) error {
	if f.types.Nonce != b.nonce {
		return fmt.Errorf("%w: builder and forest have different tree nonces", ErrInvalidConfig)
	}
	return nil
}
