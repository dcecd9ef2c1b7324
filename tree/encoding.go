package tree

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// Block layout, as a CBOR array:
//
//	[kind, index, values]
//
// where kind is 0 (leaf) or 1 (branch), and index and values are sealed,
// compressed payloads. Branches have an empty values payload.
const (
	envelopeLeaf   = 0
	envelopeBranch = 1
)

func encodeEnvelope(kind uint64, index, values []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	cw := cbg.NewCborWriter(buf)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 3); err != nil {
		return nil, err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, kind); err != nil {
		return nil, err
	}
	if err := cbg.WriteByteArray(cw, index); err != nil {
		return nil, err
	}
	if err := cbg.WriteByteArray(cw, values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (uint64, []byte, []byte, error) {
	r := bytes.NewReader(data)
	cr := cbg.NewCborReader(r)
	l, err := readArrayHeader(cr)
	if err != nil {
		return 0, nil, nil, err
	}
	if l != 3 {
		return 0, nil, nil, fmt.Errorf("expected 3 element envelope, got %d", l)
	}
	kind, err := readUint(cr)
	if err != nil {
		return 0, nil, nil, err
	}
	if kind != envelopeLeaf && kind != envelopeBranch {
		return 0, nil, nil, fmt.Errorf("unknown node kind %d", kind)
	}
	index, err := cbg.ReadByteArray(cr, maxCborLength)
	if err != nil {
		return 0, nil, nil, err
	}
	values, err := cbg.ReadByteArray(cr, maxCborLength)
	if err != nil {
		return 0, nil, nil, err
	}
	if kind == envelopeBranch && len(values) != 0 {
		return 0, nil, nil, fmt.Errorf("branch with values payload")
	}
	if r.Len() != 0 {
		return 0, nil, nil, fmt.Errorf("%d trailing bytes after envelope", r.Len())
	}
	return kind, index, values, nil
}

// Leaf index payload: [sealed, count, keys]
func (tt *TreeTypes[K, S, V]) encodeLeafIndex(l *Leaf[K]) ([]byte, error) {
	buf := new(bytes.Buffer)
	cw := cbg.NewCborWriter(buf)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 3); err != nil {
		return nil, err
	}
	if err := writeBool(cw, l.Sealed); err != nil {
		return nil, err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(len(l.Index.Keys))); err != nil {
		return nil, err
	}
	if err := tt.Keys.MarshalSeq(cw, l.Index.Keys); err != nil {
		return nil, fmt.Errorf("encoding leaf keys: %w", err)
	}
	return buf.Bytes(), nil
}

func (tt *TreeTypes[K, S, V]) decodeLeafIndex(data []byte) (*Leaf[K], error) {
	r := bytes.NewReader(data)
	cr := cbg.NewCborReader(r)
	l, err := readArrayHeader(cr)
	if err != nil {
		return nil, err
	}
	if l != 3 {
		return nil, fmt.Errorf("expected 3 element leaf index, got %d", l)
	}
	sealed, err := readBool(cr)
	if err != nil {
		return nil, err
	}
	count, err := readUint(cr)
	if err != nil {
		return nil, err
	}
	if count == 0 || count > maxCborLength {
		return nil, fmt.Errorf("invalid leaf entry count %d", count)
	}
	keys, err := tt.Keys.UnmarshalSeq(cr, int(count))
	if err != nil {
		return nil, fmt.Errorf("decoding leaf keys: %w", err)
	}
	if len(keys) != int(count) {
		return nil, fmt.Errorf("leaf key count mismatch: %d != %d", len(keys), count)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after leaf index", r.Len())
	}
	return &Leaf[K]{
		Index:  LeafIndex[K]{Keys: keys},
		Sealed: sealed,
	}, nil
}

// Branch index payload: [sealed, level, links, counts, summaries]
func (tt *TreeTypes[K, S, V]) encodeBranchIndex(b *Branch[S]) ([]byte, error) {
	buf := new(bytes.Buffer)
	cw := cbg.NewCborWriter(buf)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 5); err != nil {
		return nil, err
	}
	if err := writeBool(cw, b.Sealed); err != nil {
		return nil, err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(b.Index.Level)); err != nil {
		return nil, err
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(b.Links))); err != nil {
		return nil, err
	}
	for _, link := range b.Links {
		if err := cbg.WriteCid(cw, link); err != nil {
			return nil, err
		}
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(b.Index.Counts))); err != nil {
		return nil, err
	}
	for _, c := range b.Index.Counts {
		if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, c); err != nil {
			return nil, err
		}
	}
	if err := tt.Summaries.MarshalSeq(cw, b.Index.Summaries); err != nil {
		return nil, fmt.Errorf("encoding branch summaries: %w", err)
	}
	return buf.Bytes(), nil
}

func (tt *TreeTypes[K, S, V]) decodeBranchIndex(data []byte) (*Branch[S], error) {
	r := bytes.NewReader(data)
	cr := cbg.NewCborReader(r)
	l, err := readArrayHeader(cr)
	if err != nil {
		return nil, err
	}
	if l != 5 {
		return nil, fmt.Errorf("expected 5 element branch index, got %d", l)
	}
	sealed, err := readBool(cr)
	if err != nil {
		return nil, err
	}
	level, err := readUint(cr)
	if err != nil {
		return nil, err
	}
	if level == 0 || level > 64 {
		return nil, fmt.Errorf("invalid branch level %d", level)
	}

	n, err := readArrayHeader(cr)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("branch without children")
	}
	links := make([]cid.Cid, n)
	for i := range links {
		if links[i], err = readCid(cr); err != nil {
			return nil, fmt.Errorf("decoding child link: %w", err)
		}
	}

	nc, err := readArrayHeader(cr)
	if err != nil {
		return nil, err
	}
	if nc != n {
		return nil, fmt.Errorf("branch has %d links but %d counts", n, nc)
	}
	children := make([]ChildRef[S], n)
	for i := range children {
		if children[i].Count, err = readUint(cr); err != nil {
			return nil, err
		}
		if children[i].Count == 0 {
			return nil, fmt.Errorf("empty child subtree")
		}
		children[i].Link = links[i]
	}

	summaries, err := tt.Summaries.UnmarshalSeq(cr, n)
	if err != nil {
		return nil, fmt.Errorf("decoding branch summaries: %w", err)
	}
	if len(summaries) != n {
		return nil, fmt.Errorf("branch summary count mismatch: %d != %d", len(summaries), n)
	}
	for i := range children {
		children[i].Summary = summaries[i]
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after branch index", r.Len())
	}
	return newBranch(int(level), children, sealed), nil
}

// Encodes a value on its own. Leaves are built from these.
func (tt *TreeTypes[K, S, V]) encodeValue(v V) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := tt.Values.MarshalItem(cbg.NewCborWriter(buf), v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Leaf values payload: a CBOR array of value items.
func encodeItems(items [][]byte) ([]byte, error) {
	size := 9
	for _, it := range items {
		size += len(it)
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	cw := cbg.NewCborWriter(buf)
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(items))); err != nil {
		return nil, err
	}
	for _, it := range items {
		buf.Write(it)
	}
	return buf.Bytes(), nil
}

func (tt *TreeTypes[K, S, V]) decodeValues(data []byte, expected int) ([]V, error) {
	r := bytes.NewReader(data)
	cr := cbg.NewCborReader(r)
	n, err := readArrayHeader(cr)
	if err != nil {
		return nil, err
	}
	if n != expected {
		return nil, fmt.Errorf("leaf has %d keys but %d values", expected, n)
	}
	out := make([]V, n)
	for i := range out {
		if out[i], err = tt.Values.UnmarshalItem(cr); err != nil {
			return nil, fmt.Errorf("decoding leaf value %d: %w", i, err)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after leaf values", r.Len())
	}
	return out, nil
}
