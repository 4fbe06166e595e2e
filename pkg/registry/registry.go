// pkg/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const documentSchema = `{
  "type": "object",
  "required": ["version", "entities"],
  "properties": {
    "version": {"type": "string"},
    "lastUpdated": {"type": "string"},
    "entities": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "table", "fields"],
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z][a-zA-Z]*$"},
          "table": {"type": "string", "pattern": "^[a-z_]+$"},
          "keywords": {"type": "array", "items": {"type": "string"}},
          "actions": {
            "type": "array",
            "items": {"enum": ["create", "update", "approve", "reject", "transfer", "assign", "send"]}
          },
          "fields": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["name", "column", "type"],
              "properties": {
                "name": {"type": "string"},
                "column": {"type": "string", "pattern": "^[a-z_]+$"},
                "type": {"enum": ["string", "number", "date", "enum", "bool", "relation"]},
                "ref": {
                  "type": "object",
                  "required": ["table", "display"],
                  "properties": {
                    "table": {"type": "string", "pattern": "^[a-z_]+$"},
                    "display": {"type": "array", "minItems": 1, "items": {"type": "string", "pattern": "^[a-z_]+$"}}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var compiledSchema *gojsonschema.Schema

func init() {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("registry schema: %v", err))
	}
	compiledSchema = s
}

func LoadRegistry(path string) (*EntityRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse validates data against the registry document schema and the
// cross-field rules, then decodes it.
func Parse(data []byte) (*EntityRegistry, error) {
	res, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid registry document: %w", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("invalid registry: %s", strings.Join(msgs, "; "))
	}

	var reg EntityRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Validate checks references that a JSON schema cannot express.
func (r *EntityRegistry) Validate() error {
	seen := make(map[string]bool, len(r.Entities))
	for _, e := range r.Entities {
		if seen[e.Name] {
			return fmt.Errorf("entity %q declared twice", e.Name)
		}
		seen[e.Name] = true

		fields := make(map[string]Field, len(e.Fields))
		for _, f := range e.Fields {
			if f.Type == FieldRelation && f.Ref == nil {
				return fmt.Errorf("entity %q: relation field %q has no ref", e.Name, f.Name)
			}
			fields[f.Name] = f
		}

		refs := append([]string{e.StatusField, e.DateField, e.PersonField, e.LookupField}, e.NameFields...)
		refs = append(refs, e.Projection...)
		for _, name := range refs {
			if name == "" {
				continue
			}
			if _, ok := fields[name]; !ok {
				return fmt.Errorf("entity %q references unknown field %q", e.Name, name)
			}
		}
		if e.PersonField != "" && fields[e.PersonField].Type != FieldRelation {
			return fmt.Errorf("entity %q: person field %q must be a relation", e.Name, e.PersonField)
		}
	}
	return nil
}
