// internal/workers/assistant/get-history/models.go
package gethistory

import "nlcqe-workers/internal/models"

type Input struct {
	UserID   string `json:"userId" validate:"required"`
	TenantID string `json:"tenantId" validate:"required"`
	// Limit keeps only the most recent turns; zero returns everything stored.
	Limit int `json:"limit,omitempty" validate:"gte=0"`
}

type Output struct {
	Turns []models.ConversationTurn `json:"turns"`
	Count int                       `json:"count"`
}
