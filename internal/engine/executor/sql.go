package executor

import (
	"fmt"
	"sort"
	"strings"

	"nlcqe-workers/internal/engine/catalog"
	"nlcqe-workers/internal/engine/textnorm"
	"nlcqe-workers/internal/models"

	"github.com/lib/pq"
)

// Folding done in SQL has to agree with textnorm.Fold for the letters that
// occur in stored names.
const foldFrom, foldTo = "أإآىة", "ااايه"

// statement is rendered SQL with its positional arguments.
type statement struct {
	sql  string
	args []interface{}
}

// builder renders one statement against a single entity aliased as t. The
// tenant is always the first argument.
type builder struct {
	entity catalog.Entity
	args   []interface{}
	joins  map[string]string
	order  []string
}

func newBuilder(entity catalog.Entity, tenant string) *builder {
	return &builder{
		entity: entity,
		args:   []interface{}{tenant},
		joins:  make(map[string]string),
	}
}

func (b *builder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func column(alias, name string) string {
	return alias + "." + pq.QuoteIdentifier(name)
}

// expr returns the SQL expression for a field. Relations are rendered as
// their display columns, joined on demand.
func (b *builder) expr(f catalog.Field) string {
	if f.Type != catalog.FieldRelation || f.Ref == nil {
		return column("t", f.Column)
	}
	alias, ok := b.joins[f.Name]
	if !ok {
		alias = fmt.Sprintf("j%d", len(b.joins)+1)
		b.joins[f.Name] = alias
		b.order = append(b.order, fmt.Sprintf("LEFT JOIN %s %s ON %s = %s",
			pq.QuoteIdentifier(f.Ref.Table), alias, column(alias, "id"), column("t", f.Column)))
	}
	if len(f.Ref.Display) == 1 {
		return column(alias, f.Ref.Display[0])
	}
	parts := make([]string, len(f.Ref.Display))
	for i, d := range f.Ref.Display {
		parts[i] = column(alias, d)
	}
	return "concat_ws(' ', " + strings.Join(parts, ", ") + ")"
}

func folded(expr string) string {
	return fmt.Sprintf("translate(lower(%s::text), '%s', '%s')", expr, foldFrom, foldTo)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (b *builder) condition(c models.Condition) (string, error) {
	f, ok := b.entity.Field(c.Field)
	if !ok {
		return "", fmt.Errorf("unknown field %q", c.Field)
	}
	e := b.expr(f)
	switch c.Op {
	case models.CmpContains:
		return fmt.Sprintf("%s LIKE '%%' || %s || '%%'", folded(e), b.arg(escapeLike(textnorm.Fold(fmt.Sprint(c.Value))))), nil
	case models.CmpEq:
		return fmt.Sprintf("%s = %s", e, b.arg(c.Value)), nil
	case models.CmpGt:
		return fmt.Sprintf("%s > %s", e, b.arg(c.Value)), nil
	case models.CmpGte:
		return fmt.Sprintf("%s >= %s", e, b.arg(c.Value)), nil
	case models.CmpLte:
		return fmt.Sprintf("%s <= %s", e, b.arg(c.Value)), nil
	}
	return "", fmt.Errorf("unsupported comparator %q", c.Op)
}

// where renders the tenant scope, the entity's fixed discriminators and the
// plan filter.
func (b *builder) where(filter models.Filter) (string, error) {
	clauses := []string{column("t", "company_id") + " = $1"}

	keys := make([]string, 0, len(b.entity.Fixed))
	for k := range b.entity.Fixed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s = %s", column("t", k), b.arg(b.entity.Fixed[k])))
	}

	for _, c := range filter.All {
		s, err := b.condition(c)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, s)
	}

	if len(filter.AnyOf) > 0 {
		groups := make([]string, 0, len(filter.AnyOf))
		for _, group := range filter.AnyOf {
			parts := make([]string, 0, len(group))
			for _, c := range group {
				s, err := b.condition(c)
				if err != nil {
					return "", err
				}
				parts = append(parts, s)
			}
			groups = append(groups, "("+strings.Join(parts, " AND ")+")")
		}
		clauses = append(clauses, "("+strings.Join(groups, " OR ")+")")
	}

	return " WHERE " + strings.Join(clauses, " AND "), nil
}

// from must be called after every expr so all joins are known.
func (b *builder) from() string {
	s := " FROM " + pq.QuoteIdentifier(b.entity.Table) + " t"
	for _, j := range b.order {
		s += " " + j
	}
	return s
}

func projection(entity catalog.Entity, plan models.QueryPlan) []catalog.Field {
	names := plan.Projection
	if len(names) == 0 {
		names = entity.Projection
	}
	if len(names) == 0 {
		return entity.Fields
	}
	out := make([]catalog.Field, 0, len(names))
	for _, n := range names {
		if f, ok := entity.Field(n); ok {
			out = append(out, f)
		}
	}
	return out
}

// aggregateFields returns the numeric fields in the projection, or every
// numeric field when the projection names none.
func aggregateFields(entity catalog.Entity, plan models.QueryPlan) []catalog.Field {
	var out []catalog.Field
	for _, n := range plan.Projection {
		if f, ok := entity.Field(n); ok && f.Type == catalog.FieldNumber {
			out = append(out, f)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, n := range entity.NumericFields() {
		f, _ := entity.Field(n)
		out = append(out, f)
	}
	return out
}

func renderCount(entity catalog.Entity, plan models.QueryPlan) (statement, error) {
	b := newBuilder(entity, plan.Tenant)
	where, err := b.where(plan.Filter)
	if err != nil {
		return statement{}, err
	}
	return statement{sql: "SELECT COUNT(*)" + b.from() + where, args: b.args}, nil
}

func renderFindMany(entity catalog.Entity, plan models.QueryPlan) (statement, []string, error) {
	b := newBuilder(entity, plan.Tenant)
	fields := projection(entity, plan)
	cols := make([]string, len(fields))
	names := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = fmt.Sprintf("%s AS %s", b.expr(f), pq.QuoteIdentifier(f.Name))
		names[i] = f.Name
	}
	where, err := b.where(plan.Filter)
	if err != nil {
		return statement{}, nil, err
	}

	var order string
	if plan.Order != nil {
		if f, ok := entity.Field(plan.Order.Field); ok {
			order = " ORDER BY " + b.expr(f)
			if plan.Order.Desc {
				order += " DESC"
			}
		}
	}

	sql := "SELECT " + strings.Join(cols, ", ") + b.from() + where + order + fmt.Sprintf(" LIMIT %d", plan.Limit)
	return statement{sql: sql, args: b.args}, names, nil
}

func renderAggregate(entity catalog.Entity, plan models.QueryPlan) (statement, []catalog.Field, error) {
	b := newBuilder(entity, plan.Tenant)
	fields := aggregateFields(entity, plan)
	if len(fields) == 0 {
		return statement{}, nil, fmt.Errorf("%s has no numeric fields", entity.Name)
	}
	cols := []string{"COUNT(*)"}
	for _, f := range fields {
		e := b.expr(f)
		cols = append(cols, fmt.Sprintf("COALESCE(SUM(%s), 0)", e), fmt.Sprintf("COALESCE(AVG(%s), 0)", e))
	}
	where, err := b.where(plan.Filter)
	if err != nil {
		return statement{}, nil, err
	}
	return statement{sql: "SELECT " + strings.Join(cols, ", ") + b.from() + where, args: b.args}, fields, nil
}

func renderGroupBy(entity catalog.Entity, plan models.QueryPlan) (statement, error) {
	f, ok := entity.Field(entity.StatusField)
	if !ok {
		return statement{}, fmt.Errorf("%s has no status field", entity.Name)
	}
	b := newBuilder(entity, plan.Tenant)
	key := fmt.Sprintf("COALESCE(%s::text, '')", b.expr(f))
	where, err := b.where(plan.Filter)
	if err != nil {
		return statement{}, err
	}
	sql := "SELECT " + key + ", COUNT(*)" + b.from() + where + " GROUP BY 1 ORDER BY 2 DESC, 1"
	return statement{sql: sql, args: b.args}, nil
}
