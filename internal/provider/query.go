package provider

import (
	"fmt"
	"regexp"
	"strings"
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidIdentifier reports whether s is an acceptable table or column name.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// Filter is an equality predicate on one column.
type Filter struct {
	Column string
	Value  any
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Value: value}
}

// String renders the filter in change-feed syntax, e.g. "author_username=eq.alice".
func (f Filter) String() string {
	return fmt.Sprintf("%s=eq.%v", f.Column, f.Value)
}

// ParseFilter parses "column=eq.value". An empty string yields ok=false and no error.
func ParseFilter(s string) (Filter, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, false, nil
	}
	col, rest, found := strings.Cut(s, "=")
	if !found {
		return Filter{}, false, fmt.Errorf("invalid filter %q", s)
	}
	op, val, found := strings.Cut(rest, ".")
	if !found || op != "eq" {
		return Filter{}, false, fmt.Errorf("unsupported filter operator in %q", s)
	}
	if !ValidIdentifier(col) {
		return Filter{}, false, fmt.Errorf("invalid filter column %q", col)
	}
	return Filter{Column: col, Value: val}, true, nil
}

// Order sorts a query by one column.
type Order struct {
	Column    string
	Ascending bool
}

// Query narrows a select.
type Query struct {
	Filters []Filter
	Order   *Order
	Limit   int
}

// Where returns a copy of q with an extra filter.
func (q Query) Where(column string, value any) Query {
	out := q
	out.Filters = append(append([]Filter(nil), q.Filters...), Eq(column, value))
	return out
}

// OrderBy returns a copy of q ordered by column.
func (q Query) OrderBy(column string, ascending bool) Query {
	out := q
	out.Order = &Order{Column: column, Ascending: ascending}
	return out
}

// Validate checks every identifier in the query.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		if !ValidIdentifier(f.Column) {
			return fmt.Errorf("invalid filter column %q", f.Column)
		}
	}
	if q.Order != nil && !ValidIdentifier(q.Order.Column) {
		return fmt.Errorf("invalid order column %q", q.Order.Column)
	}
	if q.Limit < 0 {
		return fmt.Errorf("invalid limit %d", q.Limit)
	}
	return nil
}
