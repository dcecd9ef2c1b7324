package tree

import (
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

const (
	// upper bound on any single CBOR array or byte string in a node
	maxCborLength = 64 << 20
)

// Compact sequence of unit values. Only the (separately stored) count matters,
// so the sequence is encoded as CBOR null.
type UnitSeq struct{}

func (UnitSeq) MarshalSeq(cw *cbg.CborWriter, _ []Unit) error {
	_, err := cw.Write(cbg.CborNull)
	return err
}

func (UnitSeq) UnmarshalSeq(cr *cbg.CborReader, n int) ([]Unit, error) {
	b, err := cr.ReadByte()
	if err != nil {
		return nil, err
	}
	if b != cbg.CborNull[0] {
		return nil, fmt.Errorf("expected null for unit sequence, got 0x%x", b)
	}
	return make([]Unit, n), nil
}

// Sequence codec which encodes each item with an ItemCodec, as a CBOR array.
func Items[T any](item ItemCodec[T]) SeqCodec[T] {
	return itemSeq[T]{item: item}
}

type itemSeq[T any] struct {
	item ItemCodec[T]
}

func (s itemSeq[T]) MarshalSeq(cw *cbg.CborWriter, items []T) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(items))); err != nil {
		return err
	}
	for _, v := range items {
		if err := s.item.MarshalItem(cw, v); err != nil {
			return err
		}
	}
	return nil
}

func (s itemSeq[T]) UnmarshalSeq(cr *cbg.CborReader, n int) ([]T, error) {
	l, err := readArrayHeader(cr)
	if err != nil {
		return nil, err
	}
	if l != n {
		return nil, fmt.Errorf("sequence length mismatch: expected %d, got %d", n, l)
	}
	out := make([]T, l)
	for i := range out {
		v, err := s.item.UnmarshalItem(cr)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type Uint64Item struct{}

func (Uint64Item) MarshalItem(cw *cbg.CborWriter, v uint64) error {
	return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, v)
}

func (Uint64Item) UnmarshalItem(cr *cbg.CborReader) (uint64, error) {
	return readUint(cr)
}

type BytesItem struct{}

func (BytesItem) MarshalItem(cw *cbg.CborWriter, v []byte) error {
	return cbg.WriteByteArray(cw, v)
}

func (BytesItem) UnmarshalItem(cr *cbg.CborReader) ([]byte, error) {
	return cbg.ReadByteArray(cr, maxCborLength)
}

type StringItem struct{}

func (StringItem) MarshalItem(cw *cbg.CborWriter, v string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(v))); err != nil {
		return err
	}
	_, err := io.WriteString(cw, v)
	return err
}

func (StringItem) UnmarshalItem(cr *cbg.CborReader) (string, error) {
	maj, l, err := cr.ReadHeader()
	if err != nil {
		return "", err
	}
	if maj != cbg.MajTextString {
		return "", fmt.Errorf("expected text string, got major type %d", maj)
	}
	if l > maxCborLength {
		return "", fmt.Errorf("string too long: %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Values with no content. Useful for trees which only carry keys.
type UnitItem struct{}

func (UnitItem) MarshalItem(cw *cbg.CborWriter, _ Unit) error {
	_, err := cw.Write(cbg.CborNull)
	return err
}

func (UnitItem) UnmarshalItem(cr *cbg.CborReader) (Unit, error) {
	b, err := cr.ReadByte()
	if err != nil {
		return Unit{}, err
	}
	if b != cbg.CborNull[0] {
		return Unit{}, fmt.Errorf("expected null, got 0x%x", b)
	}
	return Unit{}, nil
}

func readUint(cr *cbg.CborReader) (uint64, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajUnsignedInt {
		return 0, fmt.Errorf("expected unsigned int, got major type %d", maj)
	}
	return extra, nil
}

func readArrayHeader(cr *cbg.CborReader) (int, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajArray {
		return 0, fmt.Errorf("expected array, got major type %d", maj)
	}
	if extra > maxCborLength {
		return 0, fmt.Errorf("array too long: %d", extra)
	}
	return int(extra), nil
}

func writeBool(cw *cbg.CborWriter, b bool) error {
	if b {
		_, err := cw.Write(cbg.CborBoolTrue)
		return err
	}
	_, err := cw.Write(cbg.CborBoolFalse)
	return err
}

func readBool(cr *cbg.CborReader) (bool, error) {
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return false, err
	}
	if maj != cbg.MajOther {
		return false, fmt.Errorf("booleans must be major type 7")
	}
	switch extra {
	case 20:
		return false, nil
	case 21:
		return true, nil
	default:
		return false, fmt.Errorf("booleans are either major type 7, value 20 or 21 (got %d)", extra)
	}
}

func readCid(cr *cbg.CborReader) (cid.Cid, error) {
	return cbg.ReadCid(cr)
}
