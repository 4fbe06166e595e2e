// internal/models/audit.go
package models

import "time"

// AuditRecord describes one committed mutation.
type AuditRecord struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenantId"`
	UserID    string                 `json:"userId"`
	Role      Role                   `json:"role"`
	Action    Action                 `json:"action"`
	Entity    string                 `json:"entity"`
	TargetID  string                 `json:"targetId,omitempty"`
	RecordID  string                 `json:"recordId,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
}
