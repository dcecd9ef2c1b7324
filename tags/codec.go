package tags

import (
	"fmt"
	"io"
	"slices"

	"github.com/bluesky-social/streamtree/keyrange"

	cbg "github.com/whyrusleeping/cbor-gen"
)

// Upper bound on decoded strings and arrays.
const maxLength = 1 << 20

// Keys are stored column-wise, with tags interned in a per-node dictionary:
//
//	[dict, lamports, times, tags]
//
// where dict is the sorted array of distinct tags and tags holds one array of
// dictionary indices per key. Tag sets are written in canonical order.
type KeySeq struct{}

func (KeySeq) MarshalSeq(cw *cbg.CborWriter, keys []Key) error {
	sets := make([]TagSet, len(keys))
	for i, k := range keys {
		sets[i] = canonical(k.Tags)
	}
	dict := dictionary(sets)

	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 4); err != nil {
		return err
	}
	if err := writeStrings(cw, dict); err != nil {
		return err
	}
	if err := writeUints(cw, len(keys), func(i int) uint64 { return keys[i].Lamport }); err != nil {
		return err
	}
	if err := writeUints(cw, len(keys), func(i int) uint64 { return keys[i].Time }); err != nil {
		return err
	}
	return writeTagRefs(cw, dict, sets)
}

func (KeySeq) UnmarshalSeq(cr *cbg.CborReader, n int) ([]Key, error) {
	if err := expectArray(cr, 4); err != nil {
		return nil, err
	}
	dict, err := readStrings(cr)
	if err != nil {
		return nil, err
	}
	lamports, err := readUints(cr, n)
	if err != nil {
		return nil, fmt.Errorf("lamports: %w", err)
	}
	times, err := readUints(cr, n)
	if err != nil {
		return nil, fmt.Errorf("times: %w", err)
	}
	sets, err := readTagRefs(cr, dict, n)
	if err != nil {
		return nil, err
	}
	out := make([]Key, n)
	for i := range out {
		out[i] = Key{Lamport: lamports[i], Time: times[i], Tags: sets[i]}
	}
	return out, nil
}

// Summaries use the same layout as keys, with both ends of each range:
//
//	[dict, lamport mins, lamport maxs, time mins, time maxs, tags]
type SummarySeq struct{}

func (SummarySeq) MarshalSeq(cw *cbg.CborWriter, summaries []Summary) error {
	sets := make([]TagSet, len(summaries))
	for i, s := range summaries {
		sets[i] = canonical(s.Tags)
	}
	dict := dictionary(sets)

	if err := cw.WriteMajorTypeHeader(cbg.MajArray, 6); err != nil {
		return err
	}
	if err := writeStrings(cw, dict); err != nil {
		return err
	}
	n := len(summaries)
	columns := []func(int) uint64{
		func(i int) uint64 { return summaries[i].Lamport.Min },
		func(i int) uint64 { return summaries[i].Lamport.Max },
		func(i int) uint64 { return summaries[i].Time.Min },
		func(i int) uint64 { return summaries[i].Time.Max },
	}
	for _, col := range columns {
		if err := writeUints(cw, n, col); err != nil {
			return err
		}
	}
	return writeTagRefs(cw, dict, sets)
}

func (SummarySeq) UnmarshalSeq(cr *cbg.CborReader, n int) ([]Summary, error) {
	if err := expectArray(cr, 6); err != nil {
		return nil, err
	}
	dict, err := readStrings(cr)
	if err != nil {
		return nil, err
	}
	var cols [4][]uint64
	for c := range cols {
		if cols[c], err = readUints(cr, n); err != nil {
			return nil, err
		}
	}
	sets, err := readTagRefs(cr, dict, n)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, n)
	for i := range out {
		out[i] = Summary{
			Lamport: keyrange.KeyRange{Min: cols[0][i], Max: cols[1][i]},
			Time:    keyrange.KeyRange{Min: cols[2][i], Max: cols[3][i]},
			Tags:    sets[i],
		}
	}
	return out, nil
}

// Sorted and without duplicates, as the reader requires.
func canonical(s TagSet) TagSet {
	for i := 1; i < len(s); i++ {
		if s[i-1] >= s[i] {
			return NewTagSet(s...)
		}
	}
	return s
}

func dictionary(sets []TagSet) []string {
	var all TagSet
	for _, s := range sets {
		all = all.Union(s)
	}
	return all
}

func writeStrings(cw *cbg.CborWriter, strs []string) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(strs))); err != nil {
		return err
	}
	for _, s := range strs {
		if err := cw.WriteMajorTypeHeader(cbg.MajTextString, uint64(len(s))); err != nil {
			return err
		}
		if _, err := io.WriteString(cw, s); err != nil {
			return err
		}
	}
	return nil
}

func writeUints(cw *cbg.CborWriter, n int, get func(int) uint64) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(n)); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, get(i)); err != nil {
			return err
		}
	}
	return nil
}

func writeTagRefs(cw *cbg.CborWriter, dict []string, sets []TagSet) error {
	if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(sets))); err != nil {
		return err
	}
	for _, set := range sets {
		if err := cw.WriteMajorTypeHeader(cbg.MajArray, uint64(len(set))); err != nil {
			return err
		}
		for _, tag := range set {
			idx, found := slices.BinarySearch(dict, tag)
			if !found {
				return fmt.Errorf("tag %q missing from dictionary", tag)
			}
			if err := cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(idx)); err != nil {
				return err
			}
		}
	}
	return nil
}

func expectArray(cr *cbg.CborReader, n int) error {
	l, err := readArrayHeader(cr)
	if err != nil {
		return err
	}
	if l != n {
		return fmt.Errorf("expected array of %d, got %d", n, l)
	}
	return nil
}

func readArrayHeader(cr *cbg.CborReader) (int, error) {
	maj, l, err := cr.ReadHeader()
	if err != nil {
		return 0, err
	}
	if maj != cbg.MajArray {
		return 0, fmt.Errorf("expected array, got major type %d", maj)
	}
	if l > maxLength {
		return 0, fmt.Errorf("array too long: %d", l)
	}
	return int(l), nil
}

func readStrings(cr *cbg.CborReader) ([]string, error) {
	n, err := readArrayHeader(cr)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		maj, l, err := cr.ReadHeader()
		if err != nil {
			return nil, err
		}
		if maj != cbg.MajTextString {
			return nil, fmt.Errorf("expected tag string, got major type %d", maj)
		}
		if l > maxLength {
			return nil, fmt.Errorf("tag too long: %d", l)
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(cr, buf); err != nil {
			return nil, err
		}
		out[i] = string(buf)
		if i > 0 && out[i-1] >= out[i] {
			return nil, fmt.Errorf("tag dictionary not sorted")
		}
	}
	return out, nil
}

// Reads an array of integers; n < 0 accepts any length.
func readUints(cr *cbg.CborReader, n int) ([]uint64, error) {
	l, err := readArrayHeader(cr)
	if err != nil {
		return nil, err
	}
	if n >= 0 && l != n {
		return nil, fmt.Errorf("expected %d integers, got %d", n, l)
	}
	out := make([]uint64, l)
	for i := range out {
		maj, v, err := cr.ReadHeader()
		if err != nil {
			return nil, err
		}
		if maj != cbg.MajUnsignedInt {
			return nil, fmt.Errorf("expected unsigned int, got major type %d", maj)
		}
		out[i] = v
	}
	return out, nil
}

func readTagRefs(cr *cbg.CborReader, dict []string, n int) ([]TagSet, error) {
	l, err := readArrayHeader(cr)
	if err != nil {
		return nil, err
	}
	if l != n {
		return nil, fmt.Errorf("expected %d tag sets, got %d", n, l)
	}
	out := make([]TagSet, n)
	for i := range out {
		refs, err := readUints(cr, -1)
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			continue
		}
		set := make(TagSet, len(refs))
		for j, r := range refs {
			if r >= uint64(len(dict)) {
				return nil, fmt.Errorf("tag reference %d out of range", r)
			}
			set[j] = dict[r]
			if j > 0 && set[j-1] >= set[j] {
				return nil, fmt.Errorf("tag set not sorted")
			}
		}
		out[i] = set
	}
	return out, nil
}
