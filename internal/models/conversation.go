// internal/models/conversation.go
package models

import "time"

type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
)

type ConversationTurn struct {
	ID        string                 `json:"id"`
	Role      TurnRole               `json:"role"`
	Text      string                 `json:"text"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
