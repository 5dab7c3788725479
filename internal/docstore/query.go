package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// Op is a filter operator.
type Op string

const (
	OpEq Op = "eq"
	OpIn Op = "in"
)

// Store-managed sort keys.
const (
	FieldCreatedAt = "_created_at"
	FieldUpdatedAt = "_updated_at"
)

var fieldName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Filter restricts a query on one top-level field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

func In(field string, values ...any) Filter {
	return Filter{Field: field, Op: OpIn, Value: values}
}

// Sort orders results by a top-level field or a store-managed timestamp.
type Sort struct {
	Field string
	Desc  bool
}

func Asc(field string) Sort  { return Sort{Field: field} }
func Desc(field string) Sort { return Sort{Field: field, Desc: true} }

// Query selects documents of one collection. Results are ordered by Sort and then by
// id; Limit 0 means unlimited.
type Query struct {
	Filters []Filter
	Sort    []Sort
	Limit   int
}

// Where returns a query matching every filter.
func Where(filters ...Filter) Query {
	return Query{Filters: filters}
}

// OrderBy appends sort keys.
func (q Query) OrderBy(s ...Sort) Query {
	q.Sort = append(append([]Sort(nil), q.Sort...), s...)
	return q
}

// Take sets the result limit.
func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Validate checks field names and operator shapes.
func (q Query) Validate() error {
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	for _, f := range q.Filters {
		if !fieldName.MatchString(f.Field) {
			return fmt.Errorf("%w: field %q", ErrInvalidQuery, f.Field)
		}
		switch f.Op {
		case OpEq:
		case OpIn:
			if _, ok := f.Value.([]any); !ok {
				return fmt.Errorf("%w: %s needs a value list", ErrInvalidQuery, f.Field)
			}
		default:
			return fmt.Errorf("%w: operator %q", ErrInvalidQuery, f.Op)
		}
	}
	for _, s := range q.Sort {
		if s.Field == FieldCreatedAt || s.Field == FieldUpdatedAt {
			continue
		}
		if !fieldName.MatchString(s.Field) {
			return fmt.Errorf("%w: sort field %q", ErrInvalidQuery, s.Field)
		}
	}
	return nil
}

// ValidCollection reports whether name can be used as a collection name.
func ValidCollection(name string) bool {
	return fieldName.MatchString(name)
}

// Match reports whether doc satisfies every filter of q.
func (q Query) Match(doc Document) bool {
	for _, f := range q.Filters {
		got := doc.Fields[f.Field]
		switch f.Op {
		case OpEq:
			if !sameValue(got, normalizeValue(f.Value)) {
				return false
			}
		case OpIn:
			hit := false
			for _, v := range f.Value.([]any) {
				if sameValue(got, normalizeValue(v)) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		}
	}
	return true
}

// Apply filters, orders and limits docs in process.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Match(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return q.less(out[i], out[j]) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (q Query) less(a, b Document) bool {
	for _, s := range q.Sort {
		var c int
		switch s.Field {
		case FieldCreatedAt:
			c = a.CreatedAt.Compare(b.CreatedAt)
		case FieldUpdatedAt:
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		default:
			c = compareValues(a.Fields[s.Field], b.Fields[s.Field])
		}
		if c == 0 {
			continue
		}
		if s.Desc {
			return c > 0
		}
		return c < 0
	}
	return a.ID < b.ID
}

func sameValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// compareValues orders JSON values as null < bool < number < string < other.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return strings.Compare(string(ja), string(jb))
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}
