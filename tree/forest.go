package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bluesky-social/streamtree/store"

	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("streamtree")

// Gateway between decoded nodes and the block store, for one family of trees
// (one TreeTypes). Handles encoding, compression and encryption.
//
// A Forest holds no per-tree state and is safe for concurrent use.
type Forest[K, S, V any] struct {
	types     TreeTypes[K, S, V]
	store     store.ReadOnlyStore
	cache     *BranchCache
	keys      *keyrings
	log       *slog.Logger
	verify    bool
	zstdLevel int
}

type forestConfig struct {
	log       *slog.Logger
	verify    bool
	zstdLevel int
}

type ForestOption func(*forestConfig)

func WithLogger(logger *slog.Logger) ForestOption {
	return func(fc *forestConfig) {
		fc.log = logger
	}
}

// Re-hash every block read from the store, and fail with ErrCorrupt on a
// mismatch. Worth enabling for stores which are not trusted, eg a remote
// daemon.
func WithVerifyLinks(verify bool) ForestOption {
	return func(fc *forestConfig) {
		fc.verify = verify
	}
}

// Compression level used by Forest.Persist. Nodes sealed by a StreamBuilder
// use the builder's Config instead.
func WithCompressionLevel(level int) ForestOption {
	return func(fc *forestConfig) {
		fc.zstdLevel = level
	}
}

// Binds tree types to a store and (optional, possibly shared) branch cache.
// Does not touch the store.
func NewForest[K, S, V any](types TreeTypes[K, S, V], st store.ReadOnlyStore, cache *BranchCache, opts ...ForestOption) (*Forest[K, S, V], error) {
	if err := types.validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: forest requires a block store", ErrInvalidConfig)
	}
	fc := forestConfig{
		log:       slog.Default(),
		zstdLevel: DefaultConfig().ZstdLevel,
	}
	for _, o := range opts {
		o(&fc)
	}
	if fc.zstdLevel < 1 || fc.zstdLevel > 22 {
		return nil, fmt.Errorf("%w: compression level out of range: %d", ErrInvalidConfig, fc.zstdLevel)
	}
	return &Forest[K, S, V]{
		types:     types,
		store:     st,
		cache:     cache,
		keys:      newKeyrings(types.Nonce),
		log:       fc.log.With("system", "streamtree"),
		verify:    fc.verify,
		zstdLevel: fc.zstdLevel,
	}, nil
}

func (f *Forest[K, S, V]) Types() TreeTypes[K, S, V] {
	return f.types
}

// Fetches and decodes a node. Branches are served from the cache when
// possible; a leaf's values stay sealed until LeafValues is called.
func (f *Forest[K, S, V]) Load(ctx context.Context, secrets Secrets, link cid.Cid) (Node, error) {
	return f.load(ctx, f.store, secrets, link)
}

func (f *Forest[K, S, V]) load(ctx context.Context, src store.ReadOnlyStore, secrets Secrets, link cid.Cid) (Node, error) {
	kr, err := f.keys.get(secrets)
	if err != nil {
		return nil, err
	}
	if v, ok := f.cache.get(link, kr); ok {
		if b, ok := v.(*Branch[S]); ok {
			return b, nil
		}
	}

	data, err := src.Get(ctx, link)
	if err != nil {
		return nil, storeError("get", link, err)
	}
	if f.verify {
		if err := store.VerifyBlock(link, data); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
	}

	kind, index, values, err := decodeEnvelope(data)
	if err != nil {
		return nil, corruptf(link, "%s", err)
	}

	switch kind {
	case envelopeLeaf:
		plain, err := openPayload(kr.leafIndex, index)
		if err != nil {
			return nil, corruptf(link, "leaf index: %s", err)
		}
		leaf, err := f.types.decodeLeafIndex(plain)
		if err != nil {
			return nil, corruptf(link, "%s", err)
		}
		leaf.sealedValues = values
		leaf.ring = kr
		blocksRead.WithLabelValues("leaf").Inc()
		return leaf, nil
	default:
		plain, err := openPayload(kr.branchIndex, index)
		if err != nil {
			return nil, corruptf(link, "branch index: %s", err)
		}
		branch, err := f.types.decodeBranchIndex(plain)
		if err != nil {
			return nil, corruptf(link, "%s", err)
		}
		blocksRead.WithLabelValues("branch").Inc()
		f.cache.add(link, kr, branch)
		return branch, nil
	}
}

func openPayload(s *sealer, sealed []byte) ([]byte, error) {
	compressed, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	return decompress(compressed)
}

func sealPayload(s *sealer, level int, plain []byte) ([]byte, error) {
	compressed, err := compress(level, plain)
	if err != nil {
		return nil, err
	}
	return s.seal(compressed), nil
}

// Builds a leaf in memory from keys and values.
func (f *Forest[K, S, V]) NewLeaf(keys []K, values []V, sealed bool) (*Leaf[K], error) {
	if len(keys) != len(values) {
		return nil, fmt.Errorf("leaf has %d keys but %d values", len(keys), len(values))
	}
	items := make([][]byte, len(values))
	for i, v := range values {
		b, err := f.types.encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encoding value %d: %w", i, err)
		}
		items[i] = b
	}
	return &Leaf[K]{
		Index:  LeafIndex[K]{Keys: keys},
		Sealed: sealed,
		items:  items,
	}, nil
}

// Decrypts and decodes the values of a leaf, in key order.
func (f *Forest[K, S, V]) LeafValues(secrets Secrets, leaf *Leaf[K]) ([]V, error) {
	var plain []byte
	var err error
	if leaf.items != nil {
		if plain, err = encodeItems(leaf.items); err != nil {
			return nil, err
		}
	} else {
		kr, err := f.keys.get(secrets)
		if err != nil {
			return nil, err
		}
		if plain, err = openPayload(kr.leafValues, leaf.sealedValues); err != nil {
			return nil, fmt.Errorf("%w: leaf values: %w", ErrCorrupt, err)
		}
	}
	values, err := f.types.decodeValues(plain, len(leaf.Index.Keys))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return values, nil
}

// Summary of a whole node, as its parent would record it.
func (f *Forest[K, S, V]) Summarize(n Node) S {
	switch n := n.(type) {
	case *Leaf[K]:
		return f.types.Summarizer.SummarizeKeys(n.Index.Keys)
	case *Branch[S]:
		return f.types.Summarizer.SummarizeSummaries(n.Index.Summaries)
	}
	var zero S
	return zero
}

// Encodes, compresses, encrypts and writes a node, returning its Link.
// Deterministic: the same node under the same Secrets always gets the same
// Link.
func (f *Forest[K, S, V]) Persist(ctx context.Context, w store.BlockWriter, secrets Secrets, n Node) (cid.Cid, error) {
	return f.persist(ctx, w, secrets, f.zstdLevel, n)
}

func (f *Forest[K, S, V]) persist(ctx context.Context, w store.BlockWriter, secrets Secrets, zstdLevel int, n Node) (cid.Cid, error) {
	kr, err := f.keys.get(secrets)
	if err != nil {
		return cid.Undef, err
	}

	var kind uint64
	var index, values []byte
	switch n := n.(type) {
	case *Leaf[K]:
		if len(n.Index.Keys) == 0 {
			return cid.Undef, errors.New("cannot persist an empty leaf")
		}
		kind = envelopeLeaf
		plain, err := f.types.encodeLeafIndex(n)
		if err != nil {
			return cid.Undef, err
		}
		if index, err = sealPayload(kr.leafIndex, zstdLevel, plain); err != nil {
			return cid.Undef, err
		}
		switch {
		case n.items != nil:
			if len(n.items) != len(n.Index.Keys) {
				return cid.Undef, fmt.Errorf("leaf has %d keys but %d values", len(n.Index.Keys), len(n.items))
			}
			plain, err := encodeItems(n.items)
			if err != nil {
				return cid.Undef, err
			}
			if values, err = sealPayload(kr.leafValues, zstdLevel, plain); err != nil {
				return cid.Undef, err
			}
		case n.ring == kr:
			values = n.sealedValues
		default:
			return cid.Undef, errors.New("leaf values were sealed under different secrets")
		}
	case *Branch[S]:
		if len(n.Links) == 0 {
			return cid.Undef, errors.New("cannot persist an empty branch")
		}
		kind = envelopeBranch
		plain, err := f.types.encodeBranchIndex(n)
		if err != nil {
			return cid.Undef, err
		}
		if index, err = sealPayload(kr.branchIndex, zstdLevel, plain); err != nil {
			return cid.Undef, err
		}
	default:
		return cid.Undef, fmt.Errorf("unsupported node type %T", n)
	}

	data, err := encodeEnvelope(kind, index, values)
	if err != nil {
		return cid.Undef, err
	}
	link, err := w.Put(ctx, data)
	if err != nil {
		return cid.Undef, storeError("put", cid.Undef, err)
	}
	if f.verify {
		if err := store.VerifyBlock(link, data); err != nil {
			return cid.Undef, fmt.Errorf("%w: %w", ErrStoreFailure, err)
		}
	}
	blocksWritten.WithLabelValues(kindLabel(n)).Inc()
	bytesWritten.Add(float64(len(data)))

	if b, ok := n.(*Branch[S]); ok {
		f.cache.add(link, kr, b)
	}
	return link, nil
}

// Reopens a persisted tree from its root link, reading the level and count
// from the root node.
func (f *Forest[K, S, V]) LoadTree(ctx context.Context, secrets Secrets, link cid.Cid) (Tree, error) {
	ctx, span := tracer.Start(ctx, "LoadTree")
	defer span.End()
	span.SetAttributes(attribute.String("root", link.String()))

	n, err := f.Load(ctx, secrets, link)
	if err != nil {
		return Tree{}, err
	}
	root := link
	return Tree{
		Root:    &root,
		Level:   n.Level(),
		Count:   n.Count(),
		secrets: secrets,
	}, nil
}
