// internal/workers/assistant/clear-history/models.go
package clearhistory

type Input struct {
	UserID   string `json:"userId" validate:"required"`
	TenantID string `json:"tenantId" validate:"required"`
}

type Output struct {
	Cleared bool `json:"cleared"`
}
