package tree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"time"

	"github.com/bluesky-social/streamtree/store"

	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
	cbg "github.com/whyrusleeping/cbor-gen"
	"go.opentelemetry.io/otel/codes"
)

// Read/write session over a forest. New blocks go to the writer; reads see
// both the writer's blocks and the forest's store.
type Transaction[K, S, V any] struct {
	forest *Forest[K, S, V]
	writer store.BlockStore
	reader store.ReadOnlyStore
}

// The writer may be the forest's own store, or a separate one (eg an in-memory
// staging store in front of a remote one).
func NewTransaction[K, S, V any](forest *Forest[K, S, V], writer store.BlockStore) *Transaction[K, S, V] {
	return &Transaction[K, S, V]{
		forest: forest,
		writer: writer,
		reader: store.NewReadThrough(forest.store, writer),
	}
}

func (tx *Transaction[K, S, V]) Forest() *Forest[K, S, V] {
	return tx.forest
}

// Appends entries to the builder, sealing and persisting nodes as thresholds
// are reached, and then persists a new snapshot.
//
// Values which encode to more than Config.MaxUncompressedLeafSize bytes, and
// keys the key codec cannot encode, are rejected before anything is appended. On a store failure, nodes which were
// already written stay sealed and the remaining entries stay buffered; calling
// Extend again (with no entries) finishes the work.
func (tx *Transaction[K, S, V]) Extend(ctx context.Context, b *StreamBuilder[K, S, V], entries []Entry[K, V]) error {
	ctx, span := tracer.Start(ctx, "Extend")
	defer span.End()
	span.SetAttributes(attribute.Int("entries", len(entries)))

	start := time.Now()
	defer func() {
		extendDuration.Observe(time.Since(start).Seconds())
	}()

	if err := b.checkForest(tx.forest); err != nil {
		return err
	}

	staged := make([]bufferedEntry[K], len(entries))
	keys := make([]K, len(entries))
	for i, e := range entries {
		item, err := tx.forest.types.encodeValue(e.Value)
		if err != nil {
			return fmt.Errorf("encoding value %d: %w", i, err)
		}
		if len(item) > b.cfg.MaxUncompressedLeafSize {
			return fmt.Errorf("%w: entry %d is %d bytes", ErrValueTooLarge, i, len(item))
		}
		staged[i] = bufferedEntry[K]{key: e.Key, item: item}
		keys[i] = e.Key
	}
	if err := tx.forest.types.Keys.MarshalSeq(cbg.NewCborWriter(io.Discard), keys); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	b.append(staged)

	if err := b.seal(ctx, tx.forest, tx.writer); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sealing nodes")
		return fmt.Errorf("extending tree: %w", err)
	}
	if err := b.writeTrailing(ctx, tx.forest, tx.writer); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "writing snapshot")
		return fmt.Errorf("writing tree snapshot: %w", err)
	}

	tx.forest.log.Debug("extended tree", "entries", len(entries), "count", b.count, "level", b.snapshot.Level, "buffered", len(b.buffer))
	return nil
}

// All entries of the tree, in order.
func (tx *Transaction[K, S, V]) IterFrom(ctx context.Context, t Tree) iter.Seq2[Triple[K, V], error] {
	return tx.IterFiltered(ctx, t, AllQuery[K, S]{})
}

// Entries from the given offset on. Subtrees before the offset are skipped
// using their counts, without being loaded.
func (tx *Transaction[K, S, V]) IterFromOffset(ctx context.Context, t Tree, offset uint64) iter.Seq2[Triple[K, V], error] {
	return tx.IterFiltered(ctx, t, OffsetRangeQuery[K, S]{From: offset, To: math.MaxUint64})
}

// Entries matching the query, in order. Children rejected by the query are not
// loaded, and leaf values are only decrypted for leaves with a match.
//
// A node which fails to load ends the sequence with that error, after all
// earlier entries have been yielded. The sequence can be iterated any number
// of times.
func (tx *Transaction[K, S, V]) IterFiltered(ctx context.Context, t Tree, q Query[K, S]) iter.Seq2[Triple[K, V], error] {
	return func(yield func(Triple[K, V], error) bool) {
		if t.Root == nil {
			return
		}
		tx.walk(ctx, t.secrets, *t.Root, t.Level, t.Count, 0, q, yield)
	}
}

// Returns false once iteration should stop.
func (tx *Transaction[K, S, V]) walk(ctx context.Context, secrets Secrets, link cid.Cid, level int, count uint64, offset uint64, q Query[K, S], yield func(Triple[K, V], error) bool) bool {
	if err := ctx.Err(); err != nil {
		yield(Triple[K, V]{}, err)
		return false
	}
	n, err := tx.forest.load(ctx, tx.reader, secrets, link)
	if err == nil {
		err = checkNode(link, n, level, count)
	}
	if err != nil {
		yield(Triple[K, V]{}, err)
		return false
	}

	switch n := n.(type) {
	case *Leaf[K]:
		matches := make([]bool, len(n.Index.Keys))
		fill(matches, true)
		q.Containing(offset, &n.Index, matches)
		if !anySet(matches) {
			return true
		}
		values, err := tx.forest.LeafValues(secrets, n)
		if err != nil {
			yield(Triple[K, V]{}, fmt.Errorf("%s: %w", link, err))
			return false
		}
		for i, ok := range matches {
			if !ok {
				continue
			}
			if !yield(Triple[K, V]{Offset: offset + uint64(i), Key: n.Index.Keys[i], Value: values[i]}, nil) {
				return false
			}
		}
		return true
	case *Branch[S]:
		matches := make([]bool, n.Len())
		fill(matches, true)
		q.Intersecting(offset, &n.Index, matches)
		childOffset := offset
		for i, ok := range matches {
			if ok {
				if !tx.walk(ctx, secrets, n.Links[i], level-1, n.Index.Counts[i], childOffset, q, yield) {
					return false
				}
			}
			childOffset += n.Index.Counts[i]
		}
		return true
	}
	return true
}

// The entry at the given offset.
func (tx *Transaction[K, S, V]) Get(ctx context.Context, t Tree, offset uint64) (Triple[K, V], error) {
	if offset >= t.Count {
		return Triple[K, V]{}, fmt.Errorf("%w: offset %d in tree of %d entries", ErrOutOfRange, offset, t.Count)
	}
	for tr, err := range tx.IterFiltered(ctx, t, OffsetRangeQuery[K, S]{From: offset, To: offset + 1}) {
		return tr, err
	}
	return Triple[K, V]{}, fmt.Errorf("%w: no entry at offset %d", ErrCorrupt, offset)
}

// Every block of the tree, parents before children. Leaf values are not
// decrypted, so this only needs the IndexKey.
func (tx *Transaction[K, S, V]) Links(ctx context.Context, t Tree) iter.Seq2[cid.Cid, error] {
	return func(yield func(cid.Cid, error) bool) {
		if t.Root == nil {
			return
		}
		tx.walkLinks(ctx, t.secrets, *t.Root, t.Level, t.Count, yield)
	}
}

func (tx *Transaction[K, S, V]) walkLinks(ctx context.Context, secrets Secrets, link cid.Cid, level int, count uint64, yield func(cid.Cid, error) bool) bool {
	if level == 0 {
		// leaves are not decoded; their count is checked by the parent
		return yield(link, nil)
	}
	n, err := tx.forest.load(ctx, tx.reader, secrets, link)
	if err == nil {
		err = checkNode(link, n, level, count)
	}
	if err != nil {
		yield(cid.Undef, err)
		return false
	}
	if !yield(link, nil) {
		return false
	}
	b := n.(*Branch[S])
	for i, child := range b.Links {
		if !tx.walkLinks(ctx, secrets, child, level-1, b.Index.Counts[i], yield) {
			return false
		}
	}
	return true
}

// Writes the tree's blocks to w as a CARv1 file rooted at the tree's root.
// Returns the number of blocks written.
func (tx *Transaction[K, S, V]) ExportCAR(ctx context.Context, t Tree, w io.Writer) (int, error) {
	ctx, span := tracer.Start(ctx, "ExportCAR")
	defer span.End()

	if t.Root == nil {
		return 0, errors.New("cannot export an empty tree")
	}
	cw, err := store.NewCarWriter(w, *t.Root)
	if err != nil {
		return 0, err
	}
	for link, err := range tx.Links(ctx, t) {
		if err != nil {
			return cw.Blocks(), err
		}
		data, err := tx.reader.Get(ctx, link)
		if err != nil {
			return cw.Blocks(), storeError("get", link, err)
		}
		if err := cw.WriteBlock(link, data); err != nil {
			return cw.Blocks(), err
		}
	}
	span.SetAttributes(attribute.Int("blocks", cw.Blocks()))
	return cw.Blocks(), nil
}

// Resumes building on top of an existing snapshot: the right spine of the
// tree is decomposed back in to pending sealed nodes and buffered entries, so
// that extending the returned builder gives the same trees as extending the
// builder that made the snapshot.
func (tx *Transaction[K, S, V]) BuilderFromTree(ctx context.Context, cfg Config, t Tree) (*StreamBuilder[K, S, V], error) {
	b, err := NewStreamBuilder(tx.forest.types, cfg, t.secrets)
	if err != nil {
		return nil, err
	}
	if t.Root == nil {
		return b, nil
	}

	ref := ChildRef[S]{Link: *t.Root, Count: t.Count, Level: t.Level}
	summarize := true
	for {
		n, err := tx.forest.load(ctx, tx.reader, t.secrets, ref.Link)
		if err == nil {
			err = checkNode(ref.Link, n, ref.Level, ref.Count)
		}
		if err != nil {
			return nil, err
		}
		if summarize {
			// only the root lacks a summary from its parent
			ref.Summary = tx.forest.Summarize(n)
			summarize = false
		}

		if n.IsSealed() {
			b.push(ref)
			break
		}

		switch n := n.(type) {
		case *Leaf[K]:
			values, err := tx.forest.LeafValues(t.secrets, n)
			if err != nil {
				return nil, err
			}
			staged := make([]bufferedEntry[K], len(values))
			for i, v := range values {
				item, err := tx.forest.types.encodeValue(v)
				if err != nil {
					return nil, err
				}
				staged[i] = bufferedEntry[K]{key: n.Index.Keys[i], item: item}
			}
			b.append(staged)
			b.count = t.Count
			b.snapshot = t
			return b, nil
		case *Branch[S]:
			last := n.Len() - 1
			for i := 0; i < last; i++ {
				b.push(n.Child(i))
			}
			ref = n.Child(last)
		}
	}

	b.count = t.Count
	b.snapshot = t
	return b, nil
}

// Drains a sequence, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
