// internal/workers/assistant/refresh-context/models.go
package refreshcontext

import "nlcqe-workers/internal/models"

type Input struct {
	TenantID string `json:"tenantId" validate:"required"`
}

type Output struct {
	Snapshot    *models.ContextSnapshot `json:"snapshot"`
	AlertCount  int                     `json:"alertCount"`
	HasCritical bool                    `json:"hasCritical"`
	Degraded    []string                `json:"degraded,omitempty"`
}
