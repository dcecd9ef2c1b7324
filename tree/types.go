package tree

import (
	"fmt"

	cbg "github.com/whyrusleeping/cbor-gen"
)

// Domain separation constant for a family of trees. Keys used to encrypt nodes
// are derived from both the Secrets and the Nonce, so trees of different
// families are not decryptable with each other's keys even when they share
// Secrets.
type Nonce [24]byte

// Converts a 24 byte string in to a Nonce; panics on any other length. Meant
// for package-level constants.
func MustNonce(s string) Nonce {
	if len(s) != len(Nonce{}) {
		panic(fmt.Sprintf("tree nonce must be exactly %d bytes, got %d", len(Nonce{}), len(s)))
	}
	var n Nonce
	copy(n[:], s)
	return n
}

// Key or summary type for trees without an index.
type Unit = struct{}

// Encodes and decodes single values as CBOR items.
type ItemCodec[T any] interface {
	MarshalItem(cw *cbg.CborWriter, v T) error
	UnmarshalItem(cr *cbg.CborReader) (T, error)
}

// Encodes and decodes a run of values as one CBOR item. The number of items is
// stored separately, so compact representations (eg, UnitSeq) need not record
// it.
type SeqCodec[T any] interface {
	MarshalSeq(cw *cbg.CborWriter, items []T) error
	UnmarshalSeq(cr *cbg.CborReader, n int) ([]T, error)
}

// Computes aggregate summaries, either over the raw keys of a leaf or over the
// summaries of a branch's children.
//
// Must be consistent with the queries used on the tree: a summary of
// summaries must never exclude a key that one of the inputs included.
type Summarizer[K, S any] interface {
	SummarizeKeys(keys []K) S
	SummarizeSummaries(summaries []S) S
}

// Bundles the per-application behavior of a tree family: key, summary and
// value types, how they are encoded, how summaries are computed, and the
// family's Nonce. Fixed for the lifetime of a forest.
type TreeTypes[K, S, V any] struct {
	Nonce      Nonce
	Keys       SeqCodec[K]
	Summaries  SeqCodec[S]
	Values     ItemCodec[V]
	Summarizer Summarizer[K, S]
}

func (tt *TreeTypes[K, S, V]) validate() error {
	if tt.Keys == nil || tt.Summaries == nil || tt.Values == nil || tt.Summarizer == nil {
		return fmt.Errorf("%w: tree types missing a codec or summarizer", ErrInvalidConfig)
	}
	return nil
}

// Tree types for a plain sequence of values: no keys, no summaries. Such trees
// can only be iterated or filtered by offset.
func UnitTypes[V any](nonce Nonce, values ItemCodec[V]) TreeTypes[Unit, Unit, V] {
	return TreeTypes[Unit, Unit, V]{
		Nonce:      nonce,
		Keys:       UnitSeq{},
		Summaries:  UnitSeq{},
		Values:     values,
		Summarizer: UnitSummarizer{},
	}
}

type UnitSummarizer struct{}

func (UnitSummarizer) SummarizeKeys([]Unit) Unit { return Unit{} }
func (UnitSummarizer) SummarizeSummaries([]Unit) Unit { return Unit{} }

// Input to Transaction.Extend
type Entry[K, V any] struct {
	Key   K
	Value V
}

// Output of tree iteration: an entry with its offset in the tree.
type Triple[K, V any] struct {
	Offset uint64
	Key    K
	Value  V
}
