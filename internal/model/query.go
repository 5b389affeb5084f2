package model

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Op is a QueryBuilder comparison operator (spec.md §4.7).
type Op string

const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpIn         Op = "in"
	OpNin        Op = "nin"
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
)

type condition struct {
	field string
	op    Op
	value any
}

type orderSpec struct {
	field string
	asc   bool
}

// QueryBuilder composes and executes a find/all/where query over one
// model's entries (spec.md §4.7). Zero value is not usable; build with
// Store.Where/Store.All/Store.Find.
type QueryBuilder struct {
	store     *Store
	modelName string
	conds     []condition
	order     *orderSpec
	limitN    int
	includes  []string
}

// Where adds an equality or operator condition on field.
func (q *QueryBuilder) Where(field string, op Op, value any) *QueryBuilder {
	q.conds = append(q.conds, condition{field: field, op: op, value: value})
	return q
}

// OrderBy sorts results by field (dot-pathed into nested data), ascending
// unless asc is false.
func (q *QueryBuilder) OrderBy(field string, asc bool) *QueryBuilder {
	q.order = &orderSpec{field: field, asc: asc}
	return q
}

// Limit caps the number of results returned.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limitN = n
	return q
}

// Include loads children of each result via the association index and
// exposes them under `entry.Data[assoc+"s"]`, excluding tombstones.
func (q *QueryBuilder) Include(assoc string) *QueryBuilder {
	q.includes = append(q.includes, assoc)
	return q
}

// Run executes the query, excluding tombstones from the result set.
func (q *QueryBuilder) Run(ctx context.Context) ([]Entry, error) {
	entries, err := allEntries(ctx, q.store.store, q.modelName)
	if err != nil {
		return nil, err
	}

	var matched []Entry
	for _, e := range entries {
		if e.IsTombstone() {
			continue
		}
		if matchesAll(e, q.conds) {
			matched = append(matched, e)
		}
	}

	if q.order != nil {
		sort.SliceStable(matched, func(i, j int) bool {
			vi, vj := dotPath(matched[i].Data, q.order.field), dotPath(matched[j].Data, q.order.field)
			less := compareLess(vi, vj)
			if q.order.asc {
				return less
			}
			return !less && !equalValues(vi, vj)
		})
	}

	if q.limitN > 0 && len(matched) > q.limitN {
		matched = matched[:q.limitN]
	}

	for i := range matched {
		for _, assoc := range q.includes {
			childIDs, err := q.store.children(ctx, q.modelName, matched[i].ID, assoc)
			if err != nil {
				return nil, err
			}
			children, err := loadNonTombstoneChildren(ctx, q.store, assoc, childIDs)
			if err != nil {
				return nil, err
			}
			matched[i] = matched[i].Clone()
			matched[i].Data[assoc+"s"] = children
		}
	}

	return matched, nil
}

func loadNonTombstoneChildren(ctx context.Context, s *Store, childModel string, ids []string) ([]Entry, error) {
	var out []Entry
	for _, id := range ids {
		entry, found, err := getEntry(ctx, s.store, childModel, id)
		if err != nil {
			return nil, fmt.Errorf("model: load child %s/%s: %w", childModel, id, err)
		}
		if found && !entry.IsTombstone() {
			out = append(out, entry)
		}
	}
	return out, nil
}

func matchesAll(e Entry, conds []condition) bool {
	for _, c := range conds {
		if !matches(dotPath(e.Data, c.field), c.op, c.value) {
			return false
		}
	}
	return true
}

// dotPath resolves a dot-separated field path into nested maps.
func dotPath(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

func matches(actual any, op Op, expected any) bool {
	switch op {
	case OpEq:
		return equalValues(actual, expected)
	case OpNe:
		return !equalValues(actual, expected)
	case OpGt:
		return compareLess(expected, actual)
	case OpGte:
		return !compareLess(actual, expected)
	case OpLt:
		return compareLess(actual, expected)
	case OpLte:
		return !compareLess(expected, actual)
	case OpIn:
		return containsValue(expected, actual)
	case OpNin:
		return !containsValue(expected, actual)
	case OpContains:
		s, ok1 := actual.(string)
		sub, ok2 := expected.(string)
		return ok1 && ok2 && strings.Contains(s, sub)
	case OpStartsWith:
		s, ok1 := actual.(string)
		sub, ok2 := expected.(string)
		return ok1 && ok2 && strings.HasPrefix(s, sub)
	case OpEndsWith:
		s, ok1 := actual.(string)
		sub, ok2 := expected.(string)
		return ok1 && ok2 && strings.HasSuffix(s, sub)
	default:
		return false
	}
}

func containsValue(collection any, value any) bool {
	items, ok := collection.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equalValues(item, value) {
			return true
		}
	}
	return false
}

func equalValues(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func compareLess(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
