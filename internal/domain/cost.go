package domain

import "time"

// ResearchCost tracks token usage and the derived cost estimate for a session.
// It is created or replaced atomically when the session's execution unit
// finishes, whether that unit succeeded or failed.
type ResearchCost struct {
	SessionID    string    `json:"session_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	EstimatedUSD float64   `json:"estimated_cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// ResearchSummary is the condensed summary of a completed session, used to
// seed continuation context. Created once at completion, immutable after.
type ResearchSummary struct {
	SessionID   string    `json:"session_id"`
	Content     string    `json:"content"`
	KeyFindings []string  `json:"key_findings"`
	CreatedAt   time.Time `json:"created_at"`
}
