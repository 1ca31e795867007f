package index

import (
	"encoding/json"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/contextframe/contextframe/pkg/cferrs"
)

// ScalarIndex is a sorted (value, uuid) run over one column, the B-tree
// equivalent for this file layout. It answers equality and IN lookups by
// binary search; no range lookup is provided.
type ScalarIndex struct {
	Values []string `json:"values"`
	UUIDs  []string `json:"uuids"`
}

// BuildScalar sorts the column's (value, uuid) pairs. Empty values are
// skipped; NULL never matches a comparison.
func BuildScalar(pairs map[string]string) *ScalarIndex {
	idx := &ScalarIndex{}
	type pair struct{ value, uuid string }
	sorted := make([]pair, 0, len(pairs))
	for uuid, value := range pairs {
		if value == "" {
			continue
		}
		sorted = append(sorted, pair{value, uuid})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].value != sorted[j].value {
			return sorted[i].value < sorted[j].value
		}
		return sorted[i].uuid < sorted[j].uuid
	})
	for _, p := range sorted {
		idx.Values = append(idx.Values, p.value)
		idx.UUIDs = append(idx.UUIDs, p.uuid)
	}
	return idx
}

// Eq returns the uuids whose column equals value.
func (idx *ScalarIndex) Eq(value string) []string {
	lo := sort.SearchStrings(idx.Values, value)
	var out []string
	for i := lo; i < len(idx.Values) && idx.Values[i] == value; i++ {
		out = append(out, idx.UUIDs[i])
	}
	return out
}

// In returns the union of Eq over values.
func (idx *ScalarIndex) In(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		for _, u := range idx.Eq(v) {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}

// BitmapIndex maps each distinct value of a low-cardinality column to a
// roaring bitmap of row ordinals at the built version.
type BitmapIndex struct {
	// UUIDs maps row ordinals back to uuids; bitmaps are base64 roaring.
	UUIDs   []string          `json:"uuids"`
	Bitmaps map[string]string `json:"bitmaps"`
}

// BuildBitmap indexes values by row ordinal.
func BuildBitmap(uuids, values []string) (*BitmapIndex, error) {
	bitmaps := map[string]*roaring.Bitmap{}
	for i, v := range values {
		if v == "" {
			continue
		}
		bm, ok := bitmaps[v]
		if !ok {
			bm = roaring.New()
			bitmaps[v] = bm
		}
		bm.Add(uint32(i))
	}
	idx := &BitmapIndex{UUIDs: uuids, Bitmaps: map[string]string{}}
	for v, bm := range bitmaps {
		enc, err := bm.ToBase64()
		if err != nil {
			return nil, cferrs.Wrap(cferrs.CodeStorage, false, err)
		}
		idx.Bitmaps[v] = enc
	}
	return idx, nil
}

// Eq returns the uuids whose column equals value.
func (idx *BitmapIndex) Eq(value string) ([]string, error) {
	enc, ok := idx.Bitmaps[value]
	if !ok {
		return nil, nil
	}
	bm := roaring.New()
	if _, err := bm.FromBase64(enc); err != nil {
		return nil, cferrs.Wrap(cferrs.CodeCorruptData, false, err)
	}
	out := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		ord := it.Next()
		if int(ord) < len(idx.UUIDs) {
			out = append(out, idx.UUIDs[ord])
		}
	}
	return out, nil
}

// Cardinality returns the number of distinct indexed values.
func (idx *BitmapIndex) Cardinality() int { return len(idx.Bitmaps) }

func marshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, cferrs.Wrap(cferrs.CodeStorage, false, err)
	}
	return data, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return cferrs.Wrap(cferrs.CodeCorruptData, false, err)
	}
	return nil
}
