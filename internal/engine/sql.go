package engine

import (
	"fmt"
	"strings"

	"github.com/agentic-research/knowledge-services/internal/query"
)

// filter is the WHERE clause shared by the count and the select.
type filter struct {
	where string
	args  []any
}

func buildFilter(t query.Template) filter {
	var conds []string
	var args []any

	if tags := t.TagsMatchAny(); len(tags) > 0 {
		conds = append(conds, fmt.Sprintf(
			"id IN (SELECT object_id FROM object_tags WHERE tag IN (%s))", placeholders(len(tags))))
		for _, tag := range tags {
			args = append(args, tag)
		}
	}
	for _, tag := range t.TagsMatchAll() {
		conds = append(conds, "id IN (SELECT object_id FROM object_tags WHERE tag = ?)")
		args = append(args, tag)
	}
	if ids := t.IDs(); len(ids) > 0 {
		conds = append(conds, fmt.Sprintf("id IN (%s)", placeholders(len(ids))))
		for _, id := range ids {
			args = append(args, id)
		}
	}
	for _, term := range strings.Fields(t.SearchTerms()) {
		conds = append(conds, `(title LIKE ? ESCAPE '\' OR synopsis LIKE ? ESCAPE '\')`)
		pattern := "%" + escapeLike(term) + "%"
		args = append(args, pattern, pattern)
	}

	if len(conds) == 0 {
		return filter{}
	}
	return filter{where: " WHERE " + strings.Join(conds, " AND "), args: args}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// sortColumn is the column rows are ordered by. Relevance ranking belongs to
// the content producer, which encodes it in sequence_number.
func sortColumn(s query.Sort) string {
	if s == query.SortDate {
		return "last_modified_date"
	}
	return "sequence_number"
}

func direction(o query.Order) string {
	if o == query.OrderDescending {
		return "DESC"
	}
	return "ASC"
}

func selectSQL(t query.Template, f filter) (string, []any) {
	stmt := fmt.Sprintf("SELECT id, record, sequence_number, last_modified_date FROM objects%s ORDER BY %s %s, id ASC LIMIT ?",
		f.where, sortColumn(t.Sort()), direction(t.Order()))
	args := append(append([]any(nil), f.args...), t.Offset()+t.Limit())
	return stmt, args
}

func countSQL(f filter) (string, []any) {
	return "SELECT COUNT(*) FROM objects" + f.where, f.args
}
