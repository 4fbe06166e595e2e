// internal/models/plan.go
package models

type QueryOperation string

const (
	OpFindMany  QueryOperation = "findMany"
	OpCount     QueryOperation = "count"
	OpAggregate QueryOperation = "aggregate"
	OpGroupBy   QueryOperation = "groupBy"
)

type Comparator string

const (
	CmpEq       Comparator = "eq"
	CmpGt       Comparator = "gt"
	CmpGte      Comparator = "gte"
	CmpLte      Comparator = "lte"
	CmpContains Comparator = "contains"
)

// Condition compares one entity field. For relation fields Value is matched
// against the related record's display column.
type Condition struct {
	Field string      `json:"field"`
	Op    Comparator  `json:"op"`
	Value interface{} `json:"value"`
}

// Filter is a conjunction of All plus, when AnyOf is set, a disjunction of
// conjunctive groups.
type Filter struct {
	All   []Condition   `json:"all,omitempty"`
	AnyOf [][]Condition `json:"anyOf,omitempty"`
}

func (f Filter) Empty() bool {
	return len(f.All) == 0 && len(f.AnyOf) == 0
}

// Conditions returns every condition in the filter, grouped or not.
func (f Filter) Conditions() []Condition {
	out := append([]Condition(nil), f.All...)
	for _, group := range f.AnyOf {
		out = append(out, group...)
	}
	return out
}

type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// QueryPlan is a read plan. Tenant is empty until the safety gate sets it.
type QueryPlan struct {
	Entity     string         `json:"entity"`
	Operation  QueryOperation `json:"operation"`
	Filter     Filter         `json:"filter"`
	Projection []string       `json:"projection,omitempty"`
	Order      *Order         `json:"order,omitempty"`
	Limit      int            `json:"limit,omitempty"`
	Tenant     string         `json:"tenant,omitempty"`
}

// TargetSelector names the record an action applies to. Implicit is only set
// when the utterance gave no target at all.
type TargetSelector struct {
	Entity   string `json:"entity"`
	Name     string `json:"name,omitempty"`
	Implicit bool   `json:"implicit,omitempty"`
}

type ActionRequest struct {
	Entity         string                 `json:"entity"`
	Operation      Action                 `json:"operation"`
	TargetSelector *TargetSelector        `json:"targetSelector,omitempty"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
	RequestedBy    Caller                 `json:"requestedBy"`
	Tenant         string                 `json:"tenant,omitempty"`
}

// Field returns a string field, empty when missing.
func (r ActionRequest) Field(key string) string {
	if s, ok := r.Fields[key].(string); ok {
		return s
	}
	return ""
}
