package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

const liveColumnsQuery = `
	SELECT table_name, column_name
	FROM information_schema.columns
	WHERE table_schema = current_schema()`

// LiveSchema reads table and column names from postgres.
type LiveSchema struct {
	db *sql.DB
}

func NewLiveSchema(db *sql.DB) *LiveSchema {
	return &LiveSchema{db: db}
}

// Trim drops entities whose table is missing and fields whose column is
// missing. References to dropped fields are cleared with them.
func (l *LiveSchema) Trim(ctx context.Context, entities []Entity) ([]Entity, error) {
	rows, err := l.db.QueryContext(ctx, liveColumnsQuery)
	if err != nil {
		return nil, fmt.Errorf("read information_schema: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]map[string]bool)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, err
		}
		if tables[table] == nil {
			tables[table] = make(map[string]bool)
		}
		tables[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		columns, ok := tables[e.Table]
		if !ok || !columns["id"] || !columns["company_id"] {
			continue
		}
		out = append(out, trimEntity(e, columns))
	}
	return out, nil
}

func trimEntity(e Entity, columns map[string]bool) Entity {
	kept := make(map[string]bool, len(e.Fields))
	fields := make([]Field, 0, len(e.Fields))
	for _, f := range e.Fields {
		if columns[f.Column] {
			fields = append(fields, f)
			kept[f.Name] = true
		}
	}
	e.Fields = fields

	keepField := func(name string) string {
		if kept[name] {
			return name
		}
		return ""
	}
	e.StatusField = keepField(e.StatusField)
	e.DateField = keepField(e.DateField)
	e.PersonField = keepField(e.PersonField)
	e.LookupField = keepField(e.LookupField)
	e.NameFields = keepOnly(e.NameFields, kept)
	e.Projection = keepOnly(e.Projection, kept)
	return e
}

func keepOnly(names []string, kept map[string]bool) []string {
	var out []string
	for _, n := range names {
		if kept[n] {
			out = append(out, n)
		}
	}
	return out
}
