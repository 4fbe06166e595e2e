package classifier

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"

	"nlcqe-workers/internal/common/validation"
	"nlcqe-workers/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var builtinRules []byte

// WildcardEntity lets the catalog pick the entity from keywords in the text.
const WildcardEntity = "*"

// Extractor pulls one param out of the normalized utterance. Group 1 is used
// when the pattern has one, otherwise the whole match.
type Extractor struct {
	Param   string `yaml:"param" json:"param"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Type    string `yaml:"type,omitempty" json:"type,omitempty"`
	Name    bool   `yaml:"name,omitempty" json:"name,omitempty"`
}

type Rule struct {
	ID            string                 `yaml:"id" json:"id"`
	Action        models.Action          `yaml:"action" json:"action"`
	Entity        string                 `yaml:"entity,omitempty" json:"entity,omitempty"`
	Priority      int                    `yaml:"priority" json:"priority"`
	Patterns      []string               `yaml:"patterns" json:"patterns"`
	Extractors    []Extractor            `yaml:"extractors,omitempty" json:"extractors,omitempty"`
	Params        map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	Reply         string                 `yaml:"reply,omitempty" json:"reply,omitempty"`
	Template      string                 `yaml:"template,omitempty" json:"template,omitempty"`
	Visualization models.Visualization   `yaml:"visualization,omitempty" json:"visualization,omitempty"`
	Suggestions   []string               `yaml:"suggestions,omitempty" json:"suggestions,omitempty"`
}

type RuleSet struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

var ruleSetSchema = validation.MustCompileSchema(`{
  "type": "object",
  "required": ["rules"],
  "properties": {
    "version": {"type": "string"},
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "action", "patterns"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "action": {"enum": ["create", "update", "delete", "list", "count", "approve", "reject", "transfer", "assign", "send", "calculate", "unknown"]},
          "entity": {"type": "string"},
          "priority": {"type": "integer", "minimum": -100, "maximum": 100},
          "patterns": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
          "extractors": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["param", "pattern"],
              "additionalProperties": false,
              "properties": {
                "param": {"type": "string", "minLength": 1},
                "pattern": {"type": "string", "minLength": 1},
                "type": {"enum": ["string", "number"]},
                "name": {"type": "boolean"}
              }
            }
          },
          "params": {"type": "object"},
          "reply": {"type": "string"},
          "template": {"type": "string"},
          "visualization": {"enum": ["text", "table", "chart", "card", "list"]},
          "suggestions": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`)

// Builtin returns the rule table compiled into the binary.
func Builtin() (*RuleSet, error) {
	return Parse(builtinRules)
}

// LoadRules reads a rule file. An empty path selects the builtin table.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return Builtin()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	set, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return set, nil
}

// Parse validates a YAML rule document and checks that every pattern compiles.
func Parse(data []byte) (*RuleSet, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid rule document: %w", err)
	}
	if res := ruleSetSchema.Validate(doc); !res.Valid {
		return nil, fmt.Errorf("invalid rules: %s", res.Error())
	}

	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("invalid rule document: %w", err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Validate checks what the document schema cannot.
func (s *RuleSet) Validate() error {
	seen := make(map[string]bool, len(s.Rules))
	for _, r := range s.Rules {
		if seen[r.ID] {
			return fmt.Errorf("rule %q declared twice", r.ID)
		}
		seen[r.ID] = true

		if r.Action != models.ActionUnknown && r.Entity == "" {
			return fmt.Errorf("rule %q: action %s needs an entity", r.ID, r.Action)
		}
		for i, p := range r.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("rule %q pattern %d: %w", r.ID, i, err)
			}
		}
		for _, ex := range r.Extractors {
			if _, err := regexp.Compile(ex.Pattern); err != nil {
				return fmt.Errorf("rule %q extractor %s: %w", r.ID, ex.Param, err)
			}
		}
	}
	return nil
}

// CheckEntities reports the first rule whose entity is not known.
func (s *RuleSet) CheckEntities(known func(string) bool) error {
	for _, r := range s.Rules {
		if r.Entity == "" || r.Entity == WildcardEntity {
			continue
		}
		if !known(r.Entity) {
			return fmt.Errorf("rule %q references unknown entity %q", r.ID, r.Entity)
		}
	}
	return nil
}
