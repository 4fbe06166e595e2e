// internal/models/result.go
package models

type Visualization string

const (
	VizText  Visualization = "text"
	VizTable Visualization = "table"
	VizChart Visualization = "chart"
	VizCard  Visualization = "card"
	VizList  Visualization = "list"
)

// ActionResult is returned by every mutating operation.
type ActionResult struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message"`
	Data        interface{} `json:"data,omitempty"`
	Errors      []string    `json:"errors,omitempty"`
	Suggestions []string    `json:"suggestions,omitempty"`
}

// QueryResponse mirrors ActionResult for reads.
type QueryResponse struct {
	Success     bool        `json:"success"`
	Data        interface{} `json:"data"`
	Explanation string      `json:"explanation"`
	Suggestions []string    `json:"suggestions,omitempty"`
}

// Response renders the read in the caller-facing shape.
func (q QueryResponse) Response(viz Visualization, intent *ParsedIntent) Response {
	return Response{
		Success:       q.Success,
		Message:       q.Explanation,
		Data:          q.Data,
		Visualization: viz,
		Suggestions:   q.Suggestions,
		Intent:        intent,
	}
}

type GroupCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// QueryResult is the raw executor output for a read plan.
type QueryResult struct {
	Entity    string                   `json:"entity"`
	Operation QueryOperation           `json:"operation"`
	Count     int64                    `json:"count"`
	Rows      []map[string]interface{} `json:"rows,omitempty"`
	Sums      map[string]float64       `json:"sums,omitempty"`
	Averages  map[string]float64       `json:"averages,omitempty"`
	Groups    []GroupCount             `json:"groups,omitempty"`
}

// Response is what a submitted utterance returns. Failures use the same shape.
type Response struct {
	Success       bool          `json:"success"`
	Message       string        `json:"message"`
	Data          interface{}   `json:"data,omitempty"`
	Visualization Visualization `json:"visualization,omitempty"`
	Suggestions   []string      `json:"suggestions,omitempty"`
	Intent        *ParsedIntent `json:"intent,omitempty"`
	ErrorCode     string        `json:"errorCode,omitempty"`
}
