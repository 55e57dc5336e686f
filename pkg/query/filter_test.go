package query

import (
	"testing"

	"github.com/litedocdb/litedocdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(fields ...types.Field) types.Value { return types.Object(fields...) }

func TestImplicitAndAcrossSiblingFields(t *testing.T) {
	filter := rec(
		types.Field{Key: "active", Value: types.Bool(true)},
		types.Field{Key: "age", Value: types.Object(types.Field{Key: "$gt", Value: types.Float(25)})},
	)
	node, err := ParseFilter(filter)
	require.NoError(t, err)

	match := rec(types.Field{Key: "active", Value: types.Bool(true)}, types.Field{Key: "age", Value: types.Float(35)})
	noMatch := rec(types.Field{Key: "active", Value: types.Bool(true)}, types.Field{Key: "age", Value: types.Float(20)})

	assert.True(t, Matches(node, match))
	assert.False(t, Matches(node, noMatch))
}

func TestAndOrNesting(t *testing.T) {
	filter := rec(types.Field{Key: "$and", Value: types.Array(
		rec(types.Field{Key: "active", Value: types.Bool(true)}),
		rec(types.Field{Key: "age", Value: types.Object(types.Field{Key: "$gt", Value: types.Float(25)})}),
	)})
	node, err := ParseFilter(filter)
	require.NoError(t, err)

	match := rec(types.Field{Key: "active", Value: types.Bool(true)}, types.Field{Key: "age", Value: types.Float(35)})
	assert.True(t, Matches(node, match))
}

func TestInNin(t *testing.T) {
	filter := rec(types.Field{Key: "id", Value: types.Object(types.Field{Key: "$in", Value: types.Array(types.Float(1), types.Float(3))})})
	node, err := ParseFilter(filter)
	require.NoError(t, err)

	assert.True(t, Matches(node, rec(types.Field{Key: "id", Value: types.Float(1)})))
	assert.False(t, Matches(node, rec(types.Field{Key: "id", Value: types.Float(2)})))
}

func TestInEmptyMatchesNothing_NinEmptyMatchesEverything(t *testing.T) {
	inFilter, err := ParseFilter(rec(types.Field{Key: "id", Value: types.Object(types.Field{Key: "$in", Value: types.Array()})}))
	require.NoError(t, err)
	ninFilter, err := ParseFilter(rec(types.Field{Key: "id", Value: types.Object(types.Field{Key: "$nin", Value: types.Array()})}))
	require.NoError(t, err)

	record := rec(types.Field{Key: "id", Value: types.Float(1)})
	assert.False(t, Matches(inFilter, record))
	assert.True(t, Matches(ninFilter, record))
}

func TestInArrayFieldIntersectionRule(t *testing.T) {
	filter, err := ParseFilter(rec(types.Field{Key: "tags", Value: types.Object(types.Field{Key: "$in", Value: types.Array(types.String("a"), types.String("b"))})}))
	require.NoError(t, err)

	hasIntersection := rec(types.Field{Key: "tags", Value: types.Array(types.String("x"), types.String("b"))})
	noIntersection := rec(types.Field{Key: "tags", Value: types.Array(types.String("x"), types.String("y"))})

	assert.True(t, Matches(filter, hasIntersection))
	assert.False(t, Matches(filter, noIntersection))
}

func TestLikeWildcardCaseInsensitive(t *testing.T) {
	filter, err := ParseFilter(rec(types.Field{Key: "name", Value: types.Object(types.Field{Key: "$like", Value: types.String("%A%")})}))
	require.NoError(t, err)

	assert.True(t, Matches(filter, rec(types.Field{Key: "name", Value: types.String("Alpha")})))
	assert.True(t, Matches(filter, rec(types.Field{Key: "name", Value: types.String("beta-a")})))
	assert.False(t, Matches(filter, rec(types.Field{Key: "name", Value: types.String("zzz")})))
}

func TestNullVsMissingOnlyMatchEquality(t *testing.T) {
	eqNull, err := ParseFilter(rec(types.Field{Key: "deletedAt", Value: types.Null()}))
	require.NoError(t, err)

	missing := rec(types.Field{Key: "id", Value: types.Float(1)})
	present := rec(types.Field{Key: "deletedAt", Value: types.Null()}, types.Field{Key: "id", Value: types.Float(1)})
	nonNull := rec(types.Field{Key: "deletedAt", Value: types.String("x")})

	assert.True(t, Matches(eqNull, missing))
	assert.True(t, Matches(eqNull, present))
	assert.False(t, Matches(eqNull, nonNull))
}

func TestNumericComparatorsNeverCoerce(t *testing.T) {
	filter, err := ParseFilter(rec(types.Field{Key: "age", Value: types.Object(types.Field{Key: "$gt", Value: types.Float(10)})}))
	require.NoError(t, err)

	assert.False(t, Matches(filter, rec(types.Field{Key: "age", Value: types.String("99")})))
}
