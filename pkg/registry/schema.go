// pkg/registry/schema.go
package registry

type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldEnum     FieldType = "enum"
	FieldBool     FieldType = "bool"
	FieldRelation FieldType = "relation"
)

// EntityRegistry is the on-disk description of every addressable entity.
type EntityRegistry struct {
	Version     string   `json:"version"`
	LastUpdated string   `json:"lastUpdated"`
	Entities    []Entity `json:"entities"`
}

type Entity struct {
	Name        string            `json:"name"`
	Table       string            `json:"table"`
	Label       string            `json:"label"`
	PluralLabel string            `json:"pluralLabel"`
	Keywords    []string          `json:"keywords"`
	Fields      []Field           `json:"fields"`
	StatusField string            `json:"statusField,omitempty"`
	DateField   string            `json:"dateField,omitempty"`
	PersonField string            `json:"personField,omitempty"`
	NameFields  []string          `json:"nameFields,omitempty"`
	LookupField string            `json:"lookupField,omitempty"`
	Projection  []string          `json:"projection,omitempty"`
	Fixed       map[string]string `json:"fixed,omitempty"`
	Actions     []string          `json:"actions,omitempty"`
}

type Field struct {
	Name   string    `json:"name"`
	Column string    `json:"column"`
	Type   FieldType `json:"type"`
	Ref    *Ref      `json:"ref,omitempty"`
}

// Ref points a relation field at another table. Display columns are joined
// with a space when the relation is rendered or searched.
type Ref struct {
	Table   string   `json:"table"`
	Display []string `json:"display"`
}

func (e Entity) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (e Entity) NumericFields() []string {
	var out []string
	for _, f := range e.Fields {
		if f.Type == FieldNumber {
			out = append(out, f.Name)
		}
	}
	return out
}

func (e Entity) AllowsAction(action string) bool {
	for _, a := range e.Actions {
		if a == action {
			return true
		}
	}
	return false
}
