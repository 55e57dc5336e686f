// Package query implements the Mongo-style filter DSL, the sort strategy
// selector, and pagination. A filter document is parsed once into a tagged
// tree (and/or/field predicate) and the evaluator is a pure function over
// that tree.
package query

import (
	"fmt"
	"strings"

	"github.com/litedocdb/litedocdb/pkg/errors"
	"github.com/litedocdb/litedocdb/pkg/types"
)

// Op enumerates the supported field predicates.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn
	OpNin
	OpLike
)

// Node is the tagged sum for a parsed filter tree: exactly one of And, Or,
// or Pred is populated.
type Node struct {
	and  []Node
	or   []Node
	pred *FieldPred
}

// FieldPred applies operator Op to the value(s) found at Path within a
// record.
type FieldPred struct {
	Path     string
	Op       Op
	Operand  types.Value   // used by Eq/Ne/Gt/Gte/Lt/Lte/Like
	Operands []types.Value // used by In/Nin
}

func and(nodes []Node) Node { return Node{and: nodes} }
func or(nodes []Node) Node  { return Node{or: nodes} }
func pred(p FieldPred) Node { return Node{pred: &p} }

// ParseFilter converts a caller-supplied filter document (itself a
// types.Value built from the caller's JSON) into a Node tree. Implicit AND
// applies across sibling fields at the same object level; $and/$or take
// arrays of sub-conditions and may nest arbitrarily.
func ParseFilter(filter types.Value) (Node, error) {
	if filter.IsNull() {
		return and(nil), nil
	}
	fields, ok := filter.AsObject()
	if !ok {
		return Node{}, &errors.InvalidInputError{Reason: "filter must be an object"}
	}

	var clauses []Node
	for _, f := range fields {
		switch f.Key {
		case "$and":
			items, ok := f.Value.AsArray()
			if !ok {
				return Node{}, &errors.InvalidInputError{Reason: "$and requires an array of sub-conditions"}
			}
			sub, err := parseNodeList(items)
			if err != nil {
				return Node{}, err
			}
			clauses = append(clauses, and(sub))
		case "$or":
			items, ok := f.Value.AsArray()
			if !ok {
				return Node{}, &errors.InvalidInputError{Reason: "$or requires an array of sub-conditions"}
			}
			sub, err := parseNodeList(items)
			if err != nil {
				return Node{}, err
			}
			clauses = append(clauses, or(sub))
		default:
			fieldClause, err := parseFieldClause(f.Key, f.Value)
			if err != nil {
				return Node{}, err
			}
			clauses = append(clauses, fieldClause)
		}
	}
	return and(clauses), nil
}

func parseNodeList(items []types.Value) ([]Node, error) {
	nodes := make([]Node, 0, len(items))
	for _, item := range items {
		n, err := ParseFilter(item)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// parseFieldClause handles `{field: value}` (implicit $eq) and
// `{field: {$op: operand, ...}}` (an implicit AND of each operator keyed
// under the field).
func parseFieldClause(path string, val types.Value) (Node, error) {
	ops, isOpObject := asOperatorObject(val)
	if !isOpObject {
		return pred(FieldPred{Path: path, Op: OpEq, Operand: val}), nil
	}

	var clauses []Node
	for _, o := range ops {
		op, err := opFromKey(o.Key)
		if err != nil {
			return Node{}, err
		}
		switch op {
		case OpIn, OpNin:
			operands, ok := o.Value.AsArray()
			if !ok {
				return Node{}, &errors.InvalidInputError{Reason: fmt.Sprintf("%s requires an array operand", o.Key)}
			}
			clauses = append(clauses, pred(FieldPred{Path: path, Op: op, Operands: operands}))
		default:
			clauses = append(clauses, pred(FieldPred{Path: path, Op: op, Operand: o.Value}))
		}
	}
	return and(clauses), nil
}

// asOperatorObject reports whether val is an object all of whose keys
// begin with "$" (an operator object), returning its fields if so.
func asOperatorObject(val types.Value) ([]types.Field, bool) {
	fields, ok := val.AsObject()
	if !ok || len(fields) == 0 {
		return nil, false
	}
	for _, f := range fields {
		if !strings.HasPrefix(f.Key, "$") {
			return nil, false
		}
	}
	return fields, true
}

func opFromKey(key string) (Op, error) {
	switch key {
	case "$eq":
		return OpEq, nil
	case "$ne":
		return OpNe, nil
	case "$gt":
		return OpGt, nil
	case "$gte":
		return OpGte, nil
	case "$lt":
		return OpLt, nil
	case "$lte":
		return OpLte, nil
	case "$in":
		return OpIn, nil
	case "$nin":
		return OpNin, nil
	case "$like":
		return OpLike, nil
	default:
		return 0, &errors.InvalidInputError{Reason: fmt.Sprintf("unsupported operator %q", key)}
	}
}

// Matches evaluates the parsed filter tree against a record. record is an
// object Value; each FieldPred resolves its Path against it.
func Matches(n Node, record types.Value) bool {
	switch {
	case n.pred != nil:
		return matchPred(*n.pred, record)
	case n.or != nil:
		if len(n.or) == 0 {
			return false
		}
		for _, sub := range n.or {
			if Matches(sub, record) {
				return true
			}
		}
		return false
	default:
		for _, sub := range n.and {
			if !Matches(sub, record) {
				return false
			}
		}
		return true
	}
}

func matchPred(p FieldPred, record types.Value) bool {
	val, present := record.Field(p.Path)

	switch p.Op {
	case OpEq:
		return valueEquals(val, present, p.Operand)
	case OpNe:
		return !valueEquals(val, present, p.Operand)
	case OpGt, OpGte, OpLt, OpLte:
		if !present || val.IsNull() || p.Operand.IsNull() {
			return false
		}
		// Numeric comparators never coerce non-numbers.
		vf, vOk := val.AsFloat()
		of, oOk := p.Operand.AsFloat()
		if !vOk || !oOk {
			return false
		}
		switch p.Op {
		case OpGt:
			return vf > of
		case OpGte:
			return vf >= of
		case OpLt:
			return vf < of
		default:
			return vf <= of
		}
	case OpIn:
		return matchesSet(val, present, p.Operands, true)
	case OpNin:
		return matchesSet(val, present, p.Operands, false)
	case OpLike:
		return matchLike(val, present, p.Operand)
	default:
		return false
	}
}

// valueEquals implements the absence-sentinel rule: a missing field and an
// explicit null only match $eq/$ne against each other, never against a
// present non-null value.
func valueEquals(val types.Value, present bool, operand types.Value) bool {
	valAbsentOrNull := !present || val.IsNull()
	operandNull := operand.IsNull()

	if valAbsentOrNull || operandNull {
		return valAbsentOrNull == operandNull
	}
	return types.Compare(val, operand) == 0
}

// matchesSet implements $in/$nin, including the array-field intersection
// rule: if the record field is itself an array, membership is true iff the
// two sets intersect. The empty-set rule is identical to the scalar case
// ($in: [] matches nothing; $nin: [] matches everything).
func matchesSet(val types.Value, present bool, operands []types.Value, wantMembership bool) bool {
	if !present || val.IsNull() {
		return matchesSetAbsent(wantMembership)
	}

	isMember := false
	if arr, ok := val.AsArray(); ok {
		for _, item := range arr {
			for _, op := range operands {
				if types.Compare(item, op) == 0 {
					isMember = true
					break
				}
			}
			if isMember {
				break
			}
		}
	} else {
		for _, op := range operands {
			if types.Compare(val, op) == 0 {
				isMember = true
				break
			}
		}
	}

	if wantMembership {
		return isMember
	}
	return !isMember
}

// matchesSetAbsent handles $in/$nin against a missing or null field:
// neither case counts as set membership, so $in never matches and $nin
// always matches, consistent with the empty-set rule applied uniformly.
func matchesSetAbsent(wantMembership bool) bool {
	return !wantMembership
}

// matchLike implements SQL `%` wildcard matching, case-insensitive and
// anchored at both ends (a bare pattern with no `%` must match the whole
// string).
func matchLike(val types.Value, present bool, pattern types.Value) bool {
	if !present || val.IsNull() {
		return false
	}
	s, ok := val.AsString()
	if !ok {
		return false
	}
	p, ok := pattern.AsString()
	if !ok {
		return false
	}
	return likeMatch(strings.ToLower(s), strings.ToLower(p))
}

// likeMatch matches s against a SQL-style pattern with '%' as a
// zero-or-more-characters wildcard, anchored at both ends.
func likeMatch(s, pattern string) bool {
	segments := strings.Split(pattern, "%")
	if len(segments) == 1 {
		return s == pattern
	}

	pos := 0
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		switch {
		case i == 0:
			if !strings.HasPrefix(s[pos:], seg) {
				return false
			}
			pos += len(seg)
		case i == len(segments)-1:
			if !strings.HasSuffix(s[pos:], seg) {
				return false
			}
		default:
			idx := strings.Index(s[pos:], seg)
			if idx < 0 {
				return false
			}
			pos += idx + len(seg)
		}
	}
	return true
}
