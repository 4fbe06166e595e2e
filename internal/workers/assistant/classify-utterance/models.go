// internal/workers/assistant/classify-utterance/models.go
package classifyutterance

import "nlcqe-workers/internal/models"

type Input struct {
	Text string `json:"text" validate:"required,max=2000"`
}

type Output struct {
	Intent      models.ParsedIntent `json:"intent"`
	Action      string              `json:"action"`
	Entity      string              `json:"entity,omitempty"`
	Confidence  float64             `json:"confidence"`
	IsRead      bool                `json:"isRead"`
	Understood  bool                `json:"understood"`
	AutoExecute bool                `json:"autoExecute"`
}
