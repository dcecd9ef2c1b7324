// Package keyrange provides tree types for streams keyed by a single integer
// (eg, a timestamp or sequence number), summarized by the [min, max] range of
// keys, and a query selecting a key range.
package keyrange

import (
	"fmt"

	"github.com/bluesky-social/streamtree/tree"

	cbg "github.com/whyrusleeping/cbor-gen"
)

var Nonce = tree.MustNonce("streamtree keyrange v1.0")

// Inclusive range of keys.
type KeyRange struct {
	Min uint64
	Max uint64
}

func (r KeyRange) Contains(k uint64) bool {
	return k >= r.Min && k <= r.Max
}

func (r KeyRange) Intersects(o KeyRange) bool {
	return !(r.Min > o.Max || r.Max < o.Min)
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Min, r.Max)
}

type Summarizer struct{}

// The zero range for no keys.
func (Summarizer) SummarizeKeys(keys []uint64) KeyRange {
	if len(keys) == 0 {
		return KeyRange{}
	}
	r := KeyRange{Min: keys[0], Max: keys[0]}
	for _, k := range keys[1:] {
		r.Min = min(r.Min, k)
		r.Max = max(r.Max, k)
	}
	return r
}

func (Summarizer) SummarizeSummaries(summaries []KeyRange) KeyRange {
	if len(summaries) == 0 {
		return KeyRange{}
	}
	r := summaries[0]
	for _, s := range summaries[1:] {
		r.Min = min(r.Min, s.Min)
		r.Max = max(r.Max, s.Max)
	}
	return r
}

// Encodes a run of ranges as one flat CBOR array of 2n integers.
type RangeSeq struct{}

func (RangeSeq) MarshalSeq(cw *cbg.CborWriter, ranges []KeyRange) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(2*len(ranges))); err != nil {
		return err
	}
	for _, r := range ranges {
		if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, r.Min); err != nil {
			return err
		}
		if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, r.Max); err != nil {
			return err
		}
	}
	return nil
}

func (RangeSeq) UnmarshalSeq(cr *cbg.CborReader, n int) ([]KeyRange, error) {
	maj, l, err := cr.ReadHeader()
	if err != nil {
		return nil, err
	}
	if maj != cbg.MajArray {
		return nil, fmt.Errorf("expected array of ranges, got major type %d", maj)
	}
	if l != uint64(2*n) {
		return nil, fmt.Errorf("expected %d range bounds, got %d", 2*n, l)
	}
	out := make([]KeyRange, n)
	for i := range out {
		if out[i].Min, err = readUint(cr); err != nil {
			return nil, err
		}
		if out[i].Max, err = readUint(cr); err != nil {
			return nil, err
		}
		if out[i].Min > out[i].Max {
			return nil, fmt.Errorf("inverted range %s", out[i])
		}
	}
	return out, nil
}

func readUint(cr *cbg.CborReader) (uint64, error) {
	maj, v, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("expected unsigned int, got major type %d", maj)
	}
	return v, nil
}

// Tree types for integer keyed trees, with the given value codec.
func Types[V any](values tree.ItemCodec[V]) tree.TreeTypes[uint64, KeyRange, V] {
	return tree.TreeTypes[uint64, KeyRange, V]{
		Nonce:      Nonce,
		Keys:       tree.Items[uint64](tree.Uint64Item{}),
		Summaries:  RangeSeq{},
		Values:     values,
		Summarizer: Summarizer{},
	}
}

// Selects entries with keys in [Min, Max].
type RangeQuery struct {
	Min uint64
	Max uint64
}

var _ tree.Query[uint64, KeyRange] = RangeQuery{}

func (q RangeQuery) Containing(_ uint64, index *tree.LeafIndex[uint64], matches []bool) {
	r := KeyRange(q)
	for i, k := range index.Keys {
		if !r.Contains(k) {
			matches[i] = false
		}
	}
}

func (q RangeQuery) Intersecting(_ uint64, index *tree.BranchIndex[KeyRange], matches []bool) {
	r := KeyRange(q)
	for i, s := range index.Summaries {
		if !r.Intersects(s) {
			matches[i] = false
		}
	}
}
