package query

import (
	"testing"

	"github.com/litedocdb/litedocdb/pkg/types"
	"github.com/stretchr/testify/assert"
)

func withTag(id float64, age float64, tag string) types.Value {
	return types.Object(
		types.Field{Key: "id", Value: types.Float(id)},
		types.Field{Key: "age", Value: types.Float(age)},
		types.Field{Key: "tag", Value: types.String(tag)},
	)
}

func ages(t *testing.T, records []types.Value) []float64 {
	t.Helper()
	out := make([]float64, len(records))
	for i, r := range records {
		v, _ := r.Field("age")
		f, _ := v.AsFloat()
		out[i] = f
	}
	return out
}

func TestSortSingleFieldAscending(t *testing.T) {
	records := []types.Value{withTag(1, 30, "a"), withTag(2, 25, "b"), withTag(3, 35, "c")}
	for _, algo := range []Algorithm{AlgoDefault, AlgoMerge, AlgoCounting, AlgoSlow} {
		sorted := Sort(records, BuildKeys([]string{"age"}, []Order{Asc}), algo)
		assert.Equal(t, []float64{25, 30, 35}, ages(t, sorted), "algo=%v", algo)
	}
}

func TestSortMultiFieldEarlierFieldDominates(t *testing.T) {
	records := []types.Value{
		types.Object(types.Field{Key: "id", Value: types.Float(1)}, types.Field{Key: "active", Value: types.Bool(true)}, types.Field{Key: "age", Value: types.Float(25)}),
		types.Object(types.Field{Key: "id", Value: types.Float(2)}, types.Field{Key: "active", Value: types.Bool(false)}, types.Field{Key: "age", Value: types.Float(30)}),
		types.Object(types.Field{Key: "id", Value: types.Float(3)}, types.Field{Key: "active", Value: types.Bool(true)}, types.Field{Key: "age", Value: types.Float(35)}),
	}
	keys := BuildKeys([]string{"active", "age"}, []Order{Desc, Asc})
	sorted := Sort(records, keys, AlgoDefault)

	var ids []float64
	for _, r := range sorted {
		v, _ := r.Field("id")
		f, _ := v.AsFloat()
		ids = append(ids, f)
	}
	assert.Equal(t, []float64{1, 3, 2}, ids)
}

func TestSortStabilityAcrossAlgorithms(t *testing.T) {
	// All records tie on "age"; the distinguishing "tag" field must retain
	// input order after sorting by age alone, for every stable algorithm.
	records := []types.Value{withTag(1, 10, "first"), withTag(2, 10, "second"), withTag(3, 10, "third")}

	for _, algo := range []Algorithm{AlgoDefault, AlgoMerge, AlgoCounting, AlgoSlow} {
		sorted := Sort(records, BuildKeys([]string{"age"}, []Order{Asc}), algo)
		var tags []string
		for _, r := range sorted {
			v, _ := r.Field("tag")
			s, _ := v.AsString()
			tags = append(tags, s)
		}
		assert.Equal(t, []string{"first", "second", "third"}, tags, "algo=%v", algo)
	}
}

func TestSortNullsLastRegardlessOfDirection(t *testing.T) {
	withNull := types.Object(types.Field{Key: "id", Value: types.Float(1)})
	a := withTag(2, 10, "a")
	b := withTag(3, 5, "b")

	for _, order := range []Order{Asc, Desc} {
		sorted := Sort([]types.Value{withNull, a, b}, BuildKeys([]string{"age"}, []Order{order}), AlgoDefault)
		last := sorted[len(sorted)-1]
		id, _ := last.Field("id")
		f, _ := id.AsFloat()
		assert.Equal(t, float64(1), f, "order=%v", order)
	}
}

func TestSelectAlgorithmBySize(t *testing.T) {
	keys := BuildKeys([]string{"age"}, []Order{Asc})
	assert.Equal(t, AlgoDefault, SelectAlgorithm(AlgoDefault, 50, keys, nil))
	assert.Equal(t, AlgoMerge, SelectAlgorithm(AlgoDefault, 20000, keys, nil))
	assert.Equal(t, AlgoFast, SelectAlgorithm(AlgoFast, 20000, keys, nil)) // explicit wins
}

func TestSelectAlgorithmLowCardinalityPicksCounting(t *testing.T) {
	keys := BuildKeys([]string{"status"}, []Order{Asc})
	algo := SelectAlgorithm(AlgoDefault, 1000, keys, func(string) int { return 3 })
	assert.Equal(t, AlgoCounting, algo)
}
