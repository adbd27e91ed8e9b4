package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/crestonhq/researchd/internal/ledger"
)

var errAgentEvent = errors.New("agent reported error")

// HTTPClient talks to the research agent service over its streaming HTTP API.
// The agent emits newline-delimited JSON events: one `llm_call` event per
// completed LLM call, `step` events for its high-level step log, and a final
// `result` or `error` event.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// ClientConfig holds configuration for the agent HTTP client.
type ClientConfig struct {
	Address          string
	SummarizeTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:          "http://localhost:8090",
		SummarizeTimeout: 60 * time.Second,
	}
}

// NewHTTPClient creates a client for the agent service at addr.
func NewHTTPClient(addr string, logger *slog.Logger) *HTTPClient {
	cfg := DefaultClientConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: cfg.Address,
		// No client-level timeout: research streams run long and the caller
		// bounds each invocation with a context deadline.
		client: &http.Client{},
		logger: logger,
	}
}

type researchRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
}

type wireUsage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Model            string `json:"model,omitempty"`
}

type wireStep struct {
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// wireResult tolerates the agent's heterogeneous result shape: older agent
// versions emit `report`/`citations`, newer ones `final_report`/`sources`.
// Normalization happens here and nowhere else.
type wireResult struct {
	Report      string   `json:"report"`
	FinalReport string   `json:"final_report"`
	Summary     string   `json:"summary"`
	Sources     []string `json:"sources"`
	Citations   []string `json:"citations"`
}

type wireEvent struct {
	Type   string      `json:"type"`
	Usage  *wireUsage  `json:"usage,omitempty"`
	Step   *wireStep   `json:"step,omitempty"`
	Result *wireResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Invoke runs one research request, feeding per-call usage events into sink
// as they arrive. Called at most once per session execution.
func (c *HTTPClient) Invoke(ctx context.Context, prompt string, opts InvokeOptions, sink ledger.Sink) (*InvokeResult, error) {
	body, err := json.Marshal(researchRequest{Query: prompt, Model: opts.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal research request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/research", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create research request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call research agent: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close agent response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("research agent returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	return c.consumeStream(ctx, resp.Body, sink)
}

func (c *HTTPClient) consumeStream(ctx context.Context, r io.Reader, sink ledger.Sink) (*InvokeResult, error) {
	scanner := bufio.NewScanner(r)
	// Final reports can be large; a single result event must fit in one line.
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var result *InvokeResult
	var steps []StepLogEntry

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var ev wireEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			c.logger.Debug("skipping malformed agent event", "error", err)
			continue
		}

		switch ev.Type {
		case "llm_call":
			if ev.Usage != nil && sink != nil {
				sink.OnCallCompleted(ledger.Usage{
					PromptTokens:     ev.Usage.PromptTokens,
					CompletionTokens: ev.Usage.CompletionTokens,
					Model:            ev.Usage.Model,
				})
			}
		case "step":
			if ev.Step != nil {
				steps = append(steps, StepLogEntry{
					Type:        ev.Step.Type,
					Description: ev.Step.Description,
					Metadata:    ev.Step.Metadata,
				})
			}
		case "result":
			if ev.Result != nil {
				result = normalizeResult(ev.Result, steps)
			}
		case "error":
			if ev.Error == "" {
				return nil, errAgentEvent
			}
			return nil, fmt.Errorf("%w: %s", errAgentEvent, ev.Error)
		default:
			// Unknown event kinds from newer agent versions are ignored.
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read agent stream: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("agent stream ended without a result event")
	}
	return result, nil
}

func normalizeResult(w *wireResult, steps []StepLogEntry) *InvokeResult {
	report := w.Report
	if report == "" {
		report = w.FinalReport
	}
	sources := w.Sources
	if len(sources) == 0 {
		sources = w.Citations
	}
	return &InvokeResult{
		ReportText:  report,
		SummaryText: w.Summary,
		SourceList:  sources,
		StepLog:     steps,
	}
}

type summarizeRequest struct {
	Text     string `json:"text"`
	MaxChars int    `json:"max_chars"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
	Error   string `json:"error,omitempty"`
}

// Summarize produces a bounded-length summary of text. Used by the document
// pipeline; its cost is not mixed into any session ledger.
func (c *HTTPClient) Summarize(ctx context.Context, text string, maxChars int) (string, error) {
	cfg := DefaultClientConfig()
	ctx, cancel := context.WithTimeout(ctx, cfg.SummarizeTimeout)
	defer cancel()

	body, err := json.Marshal(summarizeRequest{Text: text, MaxChars: maxChars})
	if err != nil {
		return "", fmt.Errorf("marshal summarize request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/summarize", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create summarize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call summarizer: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close summarize response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarizer returned status %d", resp.StatusCode)
	}

	var out summarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode summarize response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("summarizer error: %s", out.Error)
	}
	return out.Summary, nil
}

// Ensure HTTPClient satisfies both boundaries.
var (
	_ Capability = (*HTTPClient)(nil)
	_ Summarizer = (*HTTPClient)(nil)
)
