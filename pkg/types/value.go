// Package types defines the single JSON-ish value representation shared by
// the codec, query and index layers: every record, filter literal and sort
// key flows through the same Value sum type so there is never a second
// native-Go-map representation competing with it.
package types

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which case of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindFloat
	KindBool
	KindArray
	KindObject
)

// Value is a tagged union over the JSON data model: string, float64, bool,
// null, an ordered array of Value, or an ordered object (field -> Value).
// Objects preserve insertion order so canonical serialization is
// deterministic without a separate sort pass at the leaves.
type Value struct {
	kind   Kind
	str    string
	num    float64
	b      bool
	arr    []Value
	fields []Field
}

// Field is one entry of an ordered object.
type Field struct {
	Key   string
	Value Value
}

func Null() Value                { return Value{kind: KindNull} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Float(f float64) Value      { return Value{kind: KindFloat, num: f} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Object builds an ordered object from fields, preserving the given order.
func Object(fields ...Field) Value {
	return Value{kind: KindObject, fields: fields}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.num, true
}
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}
func (v Value) AsObject() ([]Field, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.fields, true
}

// Field looks up a key in an object value. Returns (Null, false) for any
// non-object or missing key — the caller distinguishes "absent" from
// "present and null" via the bool.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindObject {
		return Null(), false
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Null(), false
}

// WithField returns a copy of the object with key set (replacing any
// existing occurrence in place, or appending if absent).
func (v Value) WithField(key string, val Value) Value {
	if v.kind != KindObject {
		return Object(Field{Key: key, Value: val})
	}
	out := make([]Field, 0, len(v.fields)+1)
	replaced := false
	for _, f := range v.fields {
		if f.Key == key {
			out = append(out, Field{Key: key, Value: val})
			replaced = true
			continue
		}
		out = append(out, f)
	}
	if !replaced {
		out = append(out, Field{Key: key, Value: val})
	}
	return Object(out...)
}

// Canonical renders a Value into a deterministic JSON-like string: object
// keys keep their given order (insertion order, not sorted — matching how
// BSON documents preserve field order), so two values with identical
// content and identical field order always canonicalize identically. This
// is the string fed to the integrity codec's hash and used as the
// composite-index key.
func (v Value) Canonical() string {
	var sb strings.Builder
	v.writeCanonical(&sb)
	return sb.String()
}

func (v Value) writeCanonical(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindString:
		sb.WriteString(jsonString(v.str))
	case KindFloat:
		sb.WriteString(formatFloat(v.num))
	case KindBool:
		if v.b {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case KindArray:
		sb.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			item.writeCanonical(sb)
		}
		sb.WriteByte(']')
	case KindObject:
		sb.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(jsonString(f.Key))
			sb.WriteByte(':')
			f.Value.writeCanonical(sb)
		}
		sb.WriteByte('}')
	}
}

// jsonString escapes s as a JSON string literal. Go's %q verb is close but
// emits \x escapes for some control bytes, which JSON forbids.
func jsonString(s string) string {
	out, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(out)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// CanonicalTuple renders an ordered tuple of values the same way an array
// would, for use as a composite index key: the canonical JSON array of the
// field values, in field-list order.
func CanonicalTuple(values []Value) string {
	return Array(values...).Canonical()
}

// Compare defines the total order used by sort: numbers sort before
// strings in ascending order (and the relative placement reverses, strings before numbers, when
// the caller reverses for descending); null/undefined are handled
// separately by the caller (they always sort to the end regardless of
// direction). Within like kinds, natural ordering applies; booleans order
// false < true; arrays and objects compare by canonical string as a
// stable, if arbitrary, fallback.
func Compare(a, b Value) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindFloat:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		default:
			return 0
		}
	case KindString:
		return strings.Compare(a.str, b.str)
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b && b.b {
			return -1
		}
		return 1
	default:
		return strings.Compare(a.Canonical(), b.Canonical())
	}
}

// rank orders kinds for mixed-type comparison: numbers first, then
// strings, then everything else, with null always last (callers that want
// "nulls last regardless of direction" sort on a (isNull, value) pair
// instead of calling Compare directly on a slice that may contain nulls).
func rank(v Value) int {
	switch v.kind {
	case KindFloat:
		return 0
	case KindString:
		return 1
	case KindBool:
		return 2
	case KindArray:
		return 3
	case KindObject:
		return 4
	default:
		return 5
	}
}

// SortValues returns a stably-sorted copy using Compare; exported mainly
// for tests that assert on raw Value ordering independent of the query
// package's field-path plumbing.
func SortValues(values []Value) []Value {
	out := make([]Value, len(values))
	copy(out, values)
	sort.SliceStable(out, func(i, j int) bool {
		return Compare(out[i], out[j]) < 0
	})
	return out
}
