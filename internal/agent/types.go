// Package agent wraps the external deep-research agent capability.
package agent

import (
	"context"

	"github.com/crestonhq/researchd/internal/ledger"
)

// InvokeOptions configures one agent invocation.
type InvokeOptions struct {
	Model string
}

// StepLogEntry is one entry of the agent's internal step log, as received
// from the wire. The adapter filters this log before anything reaches the
// domain layer.
type StepLogEntry struct {
	Type        string
	Description string
	Metadata    map[string]any
}

// InvokeResult is the normalized outcome of a successful agent invocation.
type InvokeResult struct {
	ReportText  string
	SummaryText string
	SourceList  []string
	StepLog     []StepLogEntry
}

// Capability is the external research agent boundary. It is fallible and
// potentially slow; callers bound it with a context deadline. The sink
// receives one event per underlying LLM call, as they complete, so token
// accounting survives a failure partway through.
type Capability interface {
	Invoke(ctx context.Context, prompt string, opts InvokeOptions, sink ledger.Sink) (*InvokeResult, error)
}

// Summarizer produces a bounded-length summary of a text. The document
// pipeline uses it as a degenerate call into the same LLM boundary.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxChars int) (string, error)
}
