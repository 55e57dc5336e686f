// bson.go is the order-preserving JSON parse path: caller-supplied JSON is
// decoded through mongo-driver's extended-JSON reader into bson.D, which
// keeps field insertion order, and then converted into types.Value. The
// write direction goes through types.Value.Canonical directly — bson is
// only needed where encoding/json's unordered maps would lose field order.
package codec

import (
	"fmt"
	"strings"
	"time"

	"github.com/litedocdb/litedocdb/pkg/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// BSONToValue converts a decoded BSON value into a types.Value, tolerant
// of the handful of numeric representations bson.UnmarshalExtJSON may
// produce (int32, int64, float64). Datetimes are rendered as their RFC3339
// string form, since types.Value has no dedicated date kind — dates are
// advisory column metadata only.
func BSONToValue(x interface{}) types.Value {
	switch val := x.(type) {
	case nil:
		return types.Null()
	case bson.D:
		fields := make([]types.Field, len(val))
		for i, e := range val {
			fields[i] = types.Field{Key: e.Key, Value: BSONToValue(e.Value)}
		}
		return types.Object(fields...)
	case bson.A:
		items := make([]types.Value, len(val))
		for i, item := range val {
			items[i] = BSONToValue(item)
		}
		return types.Array(items...)
	case string:
		return types.String(val)
	case bool:
		return types.Bool(val)
	case int:
		return types.Float(float64(val))
	case int32:
		return types.Float(float64(val))
	case int64:
		return types.Float(float64(val))
	case float32:
		return types.Float(float64(val))
	case float64:
		return types.Float(val)
	case bson.DateTime:
		return types.String(time.UnixMilli(int64(val)).UTC().Format(time.RFC3339))
	default:
		return types.String(fmt.Sprintf("%v", val))
	}
}

// MarshalCanonicalJSON renders a Value as deterministic JSON text: object
// keys keep their insertion order and number/string formatting is fixed,
// so equal values always serialize identically.
func MarshalCanonicalJSON(v types.Value) (string, error) {
	return v.Canonical(), nil
}

// ParseJSON parses caller-supplied JSON (relaxed extended JSON) into a
// types.Value, preserving object field order. bson unmarshals documents
// only, so a top-level array or scalar is wrapped in a document first and
// unwrapped after.
func ParseJSON(s string) (types.Value, error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 {
		return types.Value{}, fmt.Errorf("empty JSON input")
	}
	if trimmed[0] != '{' {
		wrapped, err := ParseJSON(`{"v":` + trimmed + `}`)
		if err != nil {
			return types.Value{}, err
		}
		inner, _ := wrapped.Field("v")
		return inner, nil
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(trimmed), false, &doc); err != nil {
		return types.Value{}, err
	}
	return BSONToValue(doc), nil
}
