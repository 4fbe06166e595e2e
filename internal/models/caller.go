// internal/models/caller.go
package models

import "time"

type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleHR         Role = "HR"
	RoleManager    Role = "MANAGER"
	RoleEmployee   Role = "EMPLOYEE"
)

// Caller is the identity supplied by the session provider. Tenant and role
// never come from message text.
type Caller struct {
	UserID   string `json:"userId" validate:"required"`
	TenantID string `json:"tenantId" validate:"required"`
	Role     Role   `json:"role" validate:"required,oneof=SUPER_ADMIN ADMIN HR MANAGER EMPLOYEE"`
	UserName string `json:"userName,omitempty"`
}

// Utterance is immutable once received.
type Utterance struct {
	Text       string    `json:"text"`
	Normalized string    `json:"normalized"`
	Caller     Caller    `json:"caller"`
	ReceivedAt time.Time `json:"receivedAt"`
}
