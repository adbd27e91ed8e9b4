package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/crestonhq/researchd/internal/compose"
	"github.com/crestonhq/researchd/internal/domain"
	"github.com/crestonhq/researchd/internal/ledger"
	"github.com/crestonhq/researchd/internal/rerr"
	"github.com/crestonhq/researchd/internal/trace"
)

// Adapter drives one research invocation end to end: it composes the enhanced
// query, registers a fresh TokenLedger as the agent's call-completion sink,
// bounds the invocation with the configured timeout, and normalizes the
// agent's output into a fixed ResearchResult.
type Adapter struct {
	capability   Capability
	defaultModel string
	timeout      time.Duration
}

// RunInput is everything one invocation needs. ParentSummary and
// DocumentSummaries are resolved by the caller from the session's ancestry.
type RunInput struct {
	Query             string
	ParentSummary     string
	DocumentSummaries []string
	Model             string
}

// NewAdapter creates an adapter over the given agent capability.
func NewAdapter(capability Capability, defaultModel string, timeout time.Duration) *Adapter {
	return &Adapter{
		capability:   capability,
		defaultModel: defaultModel,
		timeout:      timeout,
	}
}

// Run invokes the agent once. On failure the returned error has kind
// AgentExecution (with the timeout subkind when the deadline fired), and the
// returned result is still non-nil, carrying the trace id and whatever
// partial token usage the ledger captured before the failure. Best-effort
// accounting survives partial failure.
func (a *Adapter) Run(ctx context.Context, in RunInput) (*domain.ResearchResult, error) {
	model := in.Model
	if model == "" {
		model = a.defaultModel
	}

	enhanced := compose.Compose(in.Query, in.ParentSummary, in.DocumentSummaries)

	// One ledger per run, registered as the agent's event sink for the
	// duration of this invocation only.
	led := ledger.New(model)
	traceID := trace.Ensure(ctx)

	runCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	invoked, err := a.capability.Invoke(runCtx, enhanced, InvokeOptions{Model: model}, led)
	usage := led.Snapshot()

	if err != nil {
		partial := &domain.ResearchResult{TraceID: traceID, Usage: usage}
		if errors.Is(err, context.DeadlineExceeded) || (runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)) {
			return partial, rerr.Timeout("agent invocation timed out", err)
		}
		return partial, rerr.Wrap(rerr.KindAgentExecution, "agent invocation failed", err)
	}

	return &domain.ResearchResult{
		FinalReport: invoked.ReportText,
		Summary:     invoked.SummaryText,
		Sources:     invoked.SourceList,
		Reasoning:   extractReasoning(invoked.StepLog),
		TraceID:     traceID,
		Usage:       usage,
	}, nil
}

// rawStepTypes are step-log entry types that carry token-level reasoning.
// They never surface as reasoning steps.
var rawStepTypes = map[string]bool{
	"chain_of_thought": true,
	"thought":          true,
	"thinking":         true,
	"token":            true,
	"raw":              true,
}

// extractReasoning maps the agent's step log to high-level reasoning steps.
// Only coarse descriptors (query planning, source selection, ...) with opaque
// metadata pass through.
func extractReasoning(log []StepLogEntry) []domain.ReasoningStep {
	var steps []domain.ReasoningStep
	for _, entry := range log {
		t := strings.ToLower(strings.TrimSpace(entry.Type))
		if rawStepTypes[t] {
			continue
		}
		if t == "" {
			t = "general"
		}
		steps = append(steps, domain.ReasoningStep{
			Type:        t,
			Description: entry.Description,
			Metadata:    entry.Metadata,
		})
	}
	return steps
}
