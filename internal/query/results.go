package query

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
)

// Model is one content object returned by the engine. Fields holds the
// parsed JSON record.
type Model struct {
	ID     string
	Shard  string
	Fields map[string]any
}

// Results is what a query yields: ordered models, the locations of the
// shards they came from (deduplicated) and the total number of matches for
// the filter regardless of limit and offset.
type Results struct {
	Models     []*Model
	Shards     []string
	UpperBound int
}

// Text returns the string value of a top-level field, or "".
func (m *Model) Text(key string) string {
	s, _ := m.Fields[key].(string)
	return s
}

// Strings returns a string list field. Non-string entries are skipped.
func (m *Model) Strings(key string) []string {
	raw, ok := m.Fields[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Has reports whether a top-level field is present and not null.
func (m *Model) Has(key string) bool {
	v, ok := m.Fields[key]
	return ok && v != nil
}

// Lookup evaluates a JSONPath expression against the record.
func (m *Model) Lookup(path string) ([]any, error) {
	x, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", path, err)
	}
	return x.Get(m.Fields), nil
}

// LookupStrings is Lookup filtered to string values. An invalid path yields
// nil.
func (m *Model) LookupStrings(path string) []string {
	vals, err := m.Lookup(path)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
