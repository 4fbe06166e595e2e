// internal/workers/assistant/submit-utterance/models.go
package submitutterance

import "nlcqe-workers/internal/models"

type Input struct {
	Text   string        `json:"text" validate:"max=2000"`
	Caller models.Caller `json:"caller" validate:"required"`
}

// Output flattens the routing fields next to the full response so a BPMN
// gateway can branch without parsing it.
type Output struct {
	Response  models.Response `json:"response"`
	Success   bool            `json:"success"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Action    string          `json:"action,omitempty"`
	Entity    string          `json:"entity,omitempty"`
}
