package query

import "github.com/litedocdb/litedocdb/pkg/types"

// Paginate applies skip then limit. skip >= len(records) returns
// empty; limit <= 0 means "no limit" (the full remainder after skip).
func Paginate(records []types.Value, skip, limit int) []types.Value {
	n := len(records)
	if skip < 0 {
		skip = 0
	}
	if skip >= n {
		return []types.Value{}
	}
	rest := records[skip:]
	if limit <= 0 || limit >= len(rest) {
		out := make([]types.Value, len(rest))
		copy(out, rest)
		return out
	}
	out := make([]types.Value, limit)
	copy(out, rest[:limit])
	return out
}
