package query

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/litedocdb/litedocdb/pkg/types"
)

// Order is the per-key sort direction.
type Order int

const (
	Asc Order = iota
	Desc
)

// Algorithm selects the sort strategy. All of these are stable except
// Fast, which makes no stability guarantee.
type Algorithm int

const (
	AlgoDefault Algorithm = iota
	AlgoMerge
	AlgoCounting
	AlgoFast
	AlgoSlow
)

// Key is one ranked sort field.
type Key struct {
	Path  string
	Order Order
}

// BuildKeys broadcasts a single order across multiple fields, or zips
// parallel field/order lists when both are given per field.
func BuildKeys(fields []string, orders []Order) []Key {
	keys := make([]Key, len(fields))
	for i, f := range fields {
		o := Asc
		switch {
		case len(orders) == 1:
			o = orders[0]
		case i < len(orders):
			o = orders[i]
		}
		keys[i] = Key{Path: f, Order: o}
	}
	return keys
}

// SelectAlgorithm picks the strategy: an explicit non-default algorithm
// always wins; otherwise the choice depends on dataset size and, for a
// single sort key, sampled cardinality.
func SelectAlgorithm(explicit Algorithm, n int, keys []Key, sampleCardinality func(path string) int) Algorithm {
	if explicit != AlgoDefault {
		return explicit
	}
	if n < 100 {
		return AlgoDefault
	}
	if n > 10000 {
		return AlgoMerge
	}
	if len(keys) == 1 && sampleCardinality != nil {
		threshold := n / 10
		if threshold > 100 {
			threshold = 100
		}
		if sampleCardinality(keys[0].Path) < threshold {
			return AlgoCounting
		}
	}
	return AlgoMerge
}

// Sort orders records by keys using algo, applying the last-ranked field
// first and proceeding leftward so that earlier fields dominate — the
// standard trick for turning N independent stable sorts into one
// multi-field stable sort. Null/undefined values always sort to the end
// in ascending position regardless of the field's own direction.
func Sort(records []types.Value, keys []Key, algo Algorithm) []types.Value {
	out := make([]types.Value, len(records))
	copy(out, records)
	if len(keys) == 0 {
		return out
	}

	for i := len(keys) - 1; i >= 0; i-- {
		out = sortByKey(out, keys[i], algo)
	}
	return out
}

func sortByKey(records []types.Value, key Key, algo Algorithm) []types.Value {
	switch algo {
	case AlgoFast:
		return fastSort(records, key)
	case AlgoCounting:
		return countingSort(records, key)
	case AlgoSlow:
		return collatedSort(records, key)
	case AlgoMerge:
		return mergeSort(records, key)
	default:
		return librarySort(records, key)
	}
}

// fieldValue resolves a record's value at key.Path along with whether it
// was present and non-null (absent/null values are routed to the "end"
// bucket by every algorithm here).
func fieldValue(record types.Value, path string) (types.Value, bool) {
	v, present := record.Field(path)
	if !present || v.IsNull() {
		return types.Null(), false
	}
	return v, true
}

func lessFunc(key Key) func(a, b types.Value) bool {
	return func(a, b types.Value) bool {
		av, aOk := fieldValue(a, key.Path)
		bv, bOk := fieldValue(b, key.Path)
		if !aOk || !bOk {
			if aOk != bOk {
				return aOk // present sorts before absent, regardless of direction
			}
			return false
		}
		cmp := types.Compare(av, bv)
		if key.Order == Desc {
			cmp = -cmp
		}
		return cmp < 0
	}
}

// librarySort is the "<100 records" default: Go's library stable sort.
func librarySort(records []types.Value, key Key) []types.Value {
	out := make([]types.Value, len(records))
	copy(out, records)
	less := lessFunc(key)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// mergeSort is an explicit, allocation-light bottom-up merge sort, stable
// by construction (the merge step prefers the left run on ties).
func mergeSort(records []types.Value, key Key) []types.Value {
	n := len(records)
	if n < 2 {
		out := make([]types.Value, n)
		copy(out, records)
		return out
	}
	less := lessFunc(key)
	src := make([]types.Value, n)
	copy(src, records)
	buf := make([]types.Value, n)

	for width := 1; width < n; width *= 2 {
		for lo := 0; lo < n; lo += 2 * width {
			mid := min(lo+width, n)
			hi := min(lo+2*width, n)
			merge(src, buf, lo, mid, hi, less)
		}
		src, buf = buf, src
	}
	return src
}

func merge(src, dst []types.Value, lo, mid, hi int, less func(a, b types.Value) bool) {
	i, j, k := lo, mid, lo
	for i < mid && j < hi {
		if less(src[j], src[i]) {
			dst[k] = src[j]
			j++
		} else {
			dst[k] = src[i]
			i++
		}
		k++
	}
	for i < mid {
		dst[k] = src[i]
		i++
		k++
	}
	for j < hi {
		dst[k] = src[j]
		j++
		k++
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// countingSort handles the low-cardinality single-field case: bucket by
// canonical value, preserving input order within a bucket (stable), then
// concatenate buckets in sorted key order. Values that are absent/null go
// last regardless of direction.
func countingSort(records []types.Value, key Key) []types.Value {
	type bucket struct {
		value types.Value
		items []types.Value
	}
	order := make([]string, 0)
	buckets := make(map[string]*bucket)
	var missing []types.Value

	for _, r := range records {
		v, ok := fieldValue(r, key.Path)
		if !ok {
			missing = append(missing, r)
			continue
		}
		k := v.Canonical()
		b, exists := buckets[k]
		if !exists {
			b = &bucket{value: v}
			buckets[k] = b
			order = append(order, k)
		}
		b.items = append(b.items, r)
	}

	sort.SliceStable(order, func(i, j int) bool {
		cmp := types.Compare(buckets[order[i]].value, buckets[order[j]].value)
		if key.Order == Desc {
			cmp = -cmp
		}
		return cmp < 0
	})

	out := make([]types.Value, 0, len(records))
	for _, k := range order {
		out = append(out, buckets[k].items...)
	}
	out = append(out, missing...)
	return out
}

// fastSort is the one non-stable algorithm: Go's sort.Slice, which makes
// no stability guarantee, over the same typed lessFunc comparison the
// other algorithms use; it does not compare values by their string form.
// Callers that need determinism under ties must pick another algorithm.
func fastSort(records []types.Value, key Key) []types.Value {
	out := make([]types.Value, len(records))
	copy(out, records)
	less := lessFunc(key)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// collatedSort uses Unicode collation for string comparison (CJK text in
// particular collates poorly under a byte-wise strings.Compare). Remains
// stable.
func collatedSort(records []types.Value, key Key) []types.Value {
	out := make([]types.Value, len(records))
	copy(out, records)
	coll := collate.New(language.Und, collate.Loose, collate.Numeric)

	sort.SliceStable(out, func(i, j int) bool {
		av, aOk := fieldValue(out[i], key.Path)
		bv, bOk := fieldValue(out[j], key.Path)
		if !aOk || !bOk {
			if aOk != bOk {
				return aOk
			}
			return false
		}
		as, aIsStr := av.AsString()
		bs, bIsStr := bv.AsString()
		var cmp int
		if aIsStr && bIsStr {
			cmp = coll.CompareString(as, bs)
		} else {
			cmp = types.Compare(av, bv)
		}
		if key.Order == Desc {
			cmp = -cmp
		}
		return cmp < 0
	})
	return out
}
