package executor

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"nlcqe-workers/internal/common/errors"
	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/textnorm"

	"github.com/lib/pq"
)

// maxCandidates bounds how many matches an ambiguous selector reports.
const maxCandidates = 10

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type candidate struct {
	ID    string
	Label string
}

// lookup finds records of one table by a free-text name. Every fragment of
// the name has to appear in one of the columns.
type lookup struct {
	label   string
	table   string
	columns []string
	fixed   map[string]string
}

// lookupFor returns how records of e are found by name: the name fields for
// people, the lookup field for everything else.
func lookupFor(e catalog.Entity) (lookup, bool) {
	var cols []string
	for _, n := range e.NameFields {
		if f, ok := e.Field(n); ok {
			cols = append(cols, f.Column)
		}
	}
	if len(cols) == 0 && e.LookupField != "" {
		if f, ok := e.Field(e.LookupField); ok {
			cols = append(cols, f.Column)
		}
	}
	if len(cols) == 0 {
		return lookup{}, false
	}
	return lookup{label: e.Label, table: e.Table, columns: cols, fixed: e.Fixed}, true
}

// refLookup finds records of the table a relation field points at.
func refLookup(f catalog.Field, label string) (lookup, bool) {
	if f.Type != catalog.FieldRelation || f.Ref == nil || len(f.Ref.Display) == 0 {
		return lookup{}, false
	}
	return lookup{label: label, table: f.Ref.Table, columns: f.Ref.Display}, true
}

func (l lookup) labelExpr() string {
	if len(l.columns) == 1 {
		return column("t", l.columns[0])
	}
	parts := make([]string, len(l.columns))
	for i, c := range l.columns {
		parts[i] = column("t", c)
	}
	return "concat_ws(' ', " + strings.Join(parts, ", ") + ")"
}

func (l lookup) statement(tenant, name string) statement {
	args := []interface{}{tenant}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	clauses := []string{column("t", "company_id") + " = $1"}
	keys := make([]string, 0, len(l.fixed))
	for k := range l.fixed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s = %s", column("t", k), arg(l.fixed[k])))
	}

	for _, frag := range strings.Fields(textnorm.Fold(name)) {
		p := arg(escapeLike(frag))
		ors := make([]string, len(l.columns))
		for i, c := range l.columns {
			ors[i] = fmt.Sprintf("%s LIKE '%%' || %s || '%%'", folded(column("t", c)), p)
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}

	sql := fmt.Sprintf("SELECT %s, %s AS label FROM %s t WHERE %s ORDER BY label LIMIT %d",
		column("t", "id"), l.labelExpr(), pq.QuoteIdentifier(l.table), strings.Join(clauses, " AND "), maxCandidates)
	return statement{sql: sql, args: args}
}

// find resolves name to exactly one record. A single candidate whose whole
// name equals the selector wins over partial matches; otherwise two or more
// matches are ambiguous.
func (l lookup) find(ctx context.Context, q querier, tenant, name string) (candidate, error) {
	if strings.TrimSpace(name) == "" {
		return candidate{}, errors.NewNotFoundError(l.label, name)
	}

	stmt := l.statement(tenant, name)
	rows, err := q.QueryContext(ctx, stmt.sql, stmt.args...)
	if err != nil {
		return candidate{}, err
	}
	defer rows.Close()

	var found []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.ID, &c.Label); err != nil {
			return candidate{}, err
		}
		found = append(found, c)
	}
	if err := rows.Err(); err != nil {
		return candidate{}, err
	}

	switch len(found) {
	case 0:
		return candidate{}, errors.NewNotFoundError(l.label, name)
	case 1:
		return found[0], nil
	}

	want := textnorm.Fold(name)
	var exact []candidate
	for _, c := range found {
		if textnorm.Fold(c.Label) == want {
			exact = append(exact, c)
		}
	}
	if len(exact) == 1 {
		return exact[0], nil
	}

	labels := make([]string, len(found))
	for i, c := range found {
		labels[i] = c.Label
	}
	return candidate{}, errors.NewAmbiguousTargetError(l.label, name, labels)
}
