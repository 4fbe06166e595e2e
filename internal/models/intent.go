// internal/models/intent.go
package models

type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionDelete    Action = "delete"
	ActionList      Action = "list"
	ActionCount     Action = "count"
	ActionApprove   Action = "approve"
	ActionReject    Action = "reject"
	ActionTransfer  Action = "transfer"
	ActionAssign    Action = "assign"
	ActionSend      Action = "send"
	ActionCalculate Action = "calculate"
	ActionUnknown   Action = "unknown"
)

// Actions lists every action in declaration order.
var Actions = []Action{
	ActionCreate, ActionUpdate, ActionDelete, ActionList, ActionCount,
	ActionApprove, ActionReject, ActionTransfer, ActionAssign, ActionSend,
	ActionCalculate, ActionUnknown,
}

// IsRead reports whether the action is answered by a query plan.
func (a Action) IsRead() bool {
	return a == ActionList || a == ActionCount || a == ActionCalculate
}

func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

type IntentSource string

const (
	SourceLocal      IntentSource = "local"
	SourceGenerative IntentSource = "generative"
)

// Well-known intent params.
const (
	ParamNumber       = "number"
	ParamAmount       = "amount"
	ParamEmployeeName = "employeeName"
	ParamTitle        = "title"
	ParamOperation    = "operation"
	ParamReply        = "reply"
)

// ParsedIntent is the one shape both the local classifier and the generative
// fallback produce.
type ParsedIntent struct {
	Action       Action                 `json:"action"`
	Entity       string                 `json:"entity,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
	Confidence   float64                `json:"confidence"`
	OriginalText string                 `json:"originalText"`
	Source       IntentSource           `json:"source"`
	RuleID       string                 `json:"ruleId,omitempty"`
}

// Param returns a string param, empty when missing or not a string.
func (p ParsedIntent) Param(key string) string {
	if p.Params == nil {
		return ""
	}
	if s, ok := p.Params[key].(string); ok {
		return s
	}
	return ""
}

// Number returns a numeric param, accepting the float64 JSON decodes into.
func (p ParsedIntent) Number(key string) (float64, bool) {
	if p.Params == nil {
		return 0, false
	}
	switch v := p.Params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
