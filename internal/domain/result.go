package domain

// TokenUsage is the accumulated token accounting for one execution unit.
type TokenUsage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	TotalTokens  int    `json:"total_tokens"`
}

// ReasoningStep is a coarse-grained planning or selection step recorded during
// execution. Raw chain-of-thought never passes through this type.
type ReasoningStep struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ResearchResult is the fixed, normalized outcome of one agent invocation.
type ResearchResult struct {
	FinalReport string          `json:"final_report"`
	Summary     string          `json:"summary"`
	Sources     []string        `json:"sources"`
	Reasoning   []ReasoningStep `json:"reasoning"`
	TraceID     string          `json:"trace_id"`
	Usage       TokenUsage      `json:"token_usage"`
}
