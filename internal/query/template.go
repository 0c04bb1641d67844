package query

import (
	"fmt"
	"slices"
	"strings"
)

// Sort selects the ordering key of a query.
type Sort int

const (
	SortRelevance Sort = iota
	SortSequenceNumber
	SortDate
)

var sortNicks = map[Sort]string{
	SortRelevance:      "relevance",
	SortSequenceNumber: "sequence-number",
	SortDate:           "date",
}

func (s Sort) String() string {
	if n, ok := sortNicks[s]; ok {
		return n
	}
	return fmt.Sprintf("Sort(%d)", int(s))
}

// ParseSort maps an enum nick ("relevance", "sequence-number", "date").
func ParseSort(nick string) (Sort, error) {
	for s, n := range sortNicks {
		if n == nick {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown sort %q", nick)
}

// Order is the direction of the sort.
type Order int

const (
	OrderAscending Order = iota
	OrderDescending
)

func (o Order) String() string {
	switch o {
	case OrderAscending:
		return "ascending"
	case OrderDescending:
		return "descending"
	}
	return fmt.Sprintf("Order(%d)", int(o))
}

// ParseOrder maps an enum nick ("ascending", "descending").
func ParseOrder(nick string) (Order, error) {
	switch nick {
	case "ascending":
		return OrderAscending, nil
	case "descending":
		return OrderDescending, nil
	}
	return 0, fmt.Errorf("unknown order %q", nick)
}

// DefaultLimit is used when a template does not set one.
const DefaultLimit = 10

// Template is an immutable query description. Derived variants are made
// with the With* methods, which copy every other field.
type Template struct {
	appID   string
	terms   string
	tagsAny []string
	tagsAll []string
	ids     []string
	limit   int
	offset  int
	sort    Sort
	order   Order
}

// Option configures a Template at construction.
type Option func(*Template)

// Terms sets the free-text search terms.
func Terms(terms string) Option {
	return func(t *Template) { t.terms = strings.TrimSpace(terms) }
}

// MatchAny keeps objects carrying at least one of the tags.
func MatchAny(tags ...string) Option {
	return func(t *Template) { t.tagsAny = slices.Clone(tags) }
}

// MatchAll keeps objects carrying every one of the tags.
func MatchAll(tags ...string) Option {
	return func(t *Template) { t.tagsAll = slices.Clone(tags) }
}

// IDs restricts the query to the given object ids.
func IDs(ids ...string) Option {
	return func(t *Template) { t.ids = slices.Clone(ids) }
}

// Limit caps the number of returned objects.
func Limit(n int) Option {
	return func(t *Template) { t.limit = n }
}

// Offset skips the first n matches.
func Offset(n int) Option {
	return func(t *Template) { t.offset = n }
}

// SortBy sets the ordering key.
func SortBy(s Sort) Option {
	return func(t *Template) { t.sort = s }
}

// OrderBy sets the ordering direction.
func OrderBy(o Order) Option {
	return func(t *Template) { t.order = o }
}

// New builds a template scoped to appID.
func New(appID string, opts ...Option) Template {
	t := Template{appID: appID, limit: DefaultLimit}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// WithLimit returns a copy with a different limit.
func (t Template) WithLimit(n int) Template {
	t.limit = n
	return t
}

// WithOffset returns a copy with a different offset.
func (t Template) WithOffset(n int) Template {
	t.offset = n
	return t
}

// With returns a copy with opts applied on top.
func (t Template) With(opts ...Option) Template {
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

func (t Template) AppID() string { return t.appID }
func (t Template) SearchTerms() string { return t.terms }
func (t Template) TagsMatchAny() []string { return slices.Clone(t.tagsAny) }
func (t Template) TagsMatchAll() []string { return slices.Clone(t.tagsAll) }
func (t Template) IDs() []string { return slices.Clone(t.ids) }
func (t Template) Limit() int { return t.limit }
func (t Template) Offset() int { return t.offset }
func (t Template) Sort() Sort { return t.sort }
func (t Template) Order() Order { return t.order }

func (t Template) String() string {
	return fmt.Sprintf("query{app=%s terms=%q any=%v all=%v ids=%d limit=%d offset=%d sort=%s order=%s}",
		t.appID, t.terms, t.tagsAny, t.tagsAll, len(t.ids), t.limit, t.offset, t.sort, t.order)
}
