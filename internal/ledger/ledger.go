// Package ledger accumulates token usage from a stream of LLM call-completion
// events into a single session-scoped total, and derives an estimated cost
// from a pricing table.
package ledger

import (
	"sync"

	"github.com/crestonhq/researchd/internal/domain"
)

// Usage is the token accounting for a single underlying LLM call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Model            string
}

// Sink receives one event per completed LLM call. The agent boundary registers
// a TokenLedger as the sink for the duration of an invocation.
type Sink interface {
	OnCallCompleted(u Usage)
}

// TokenLedger accumulates usage events for one execution unit. It is never
// shared across sessions or across concurrent runs of the same session; the
// mutex only guards against the event stream reader publishing while a
// snapshot is taken.
type TokenLedger struct {
	mu           sync.Mutex
	model        string
	inputTokens  int
	outputTokens int
}

// New creates an empty ledger seeded with a default model identifier, used
// when the agent never reports one.
func New(defaultModel string) *TokenLedger {
	return &TokenLedger{model: defaultModel}
}

// OnCallCompleted records the usage of one completed LLM call. The agent may
// use multiple models within one session; cost attribution is per-session, so
// the ledger keeps the last seen model identifier.
func (l *TokenLedger) OnCallCompleted(u Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if u.PromptTokens > 0 {
		l.inputTokens += u.PromptTokens
	}
	if u.CompletionTokens > 0 {
		l.outputTokens += u.CompletionTokens
	}
	if u.Model != "" {
		l.model = u.Model
	}
}

// Snapshot returns the running totals. Valid at any point, including after a
// partial failure mid-run.
func (l *TokenLedger) Snapshot() domain.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	return domain.TokenUsage{
		Model:        l.model,
		InputTokens:  l.inputTokens,
		OutputTokens: l.outputTokens,
		TotalTokens:  l.inputTokens + l.outputTokens,
	}
}

// EstimateCost derives the estimated USD cost for a usage snapshot. The result
// is monotonic non-negative and zero for unregistered models.
func EstimateCost(pricing *Pricing, usage domain.TokenUsage) float64 {
	price := pricing.Lookup(usage.Model)
	cost := float64(usage.InputTokens)/1e6*price.Input +
		float64(usage.OutputTokens)/1e6*price.Output
	if cost < 0 {
		return 0
	}
	return cost
}
