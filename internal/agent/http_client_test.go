package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/crestonhq/researchd/internal/ledger"
)

type collectSink struct {
	mu     sync.Mutex
	events []ledger.Usage
}

func (s *collectSink) OnCallCompleted(u ledger.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, u)
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func ndjsonServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			if _, err := w.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
	}))
}

func TestInvokeStreamsUsageAndResult(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"llm_call","usage":{"prompt_tokens":120,"completion_tokens":30,"model":"model-a"}}`,
		`{"type":"step","step":{"type":"source_selection","description":"picked sources"}}`,
		`{"type":"llm_call","usage":{"prompt_tokens":80,"completion_tokens":40,"model":"model-a"}}`,
		`{"type":"result","result":{"final_report":"the report","summary":"the summary","sources":["https://x"]}}`,
	)
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	sink := &collectSink{}

	result, err := client.Invoke(context.Background(), "prompt", InvokeOptions{Model: "model-a"}, sink)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.ReportText != "the report" || result.SummaryText != "the summary" {
		t.Fatalf("result not normalized: %+v", result)
	}
	if len(result.SourceList) != 1 || result.SourceList[0] != "https://x" {
		t.Fatalf("sources not carried: %v", result.SourceList)
	}
	if len(result.StepLog) != 1 || result.StepLog[0].Type != "source_selection" {
		t.Fatalf("step log not carried: %+v", result.StepLog)
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 usage events, got %d", sink.count())
	}
}

func TestInvokeLegacyResultShape(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"result","result":{"report":"legacy report","summary":"s","citations":["https://old"]}}`,
	)
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	result, err := client.Invoke(context.Background(), "p", InvokeOptions{}, &collectSink{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.ReportText != "legacy report" {
		t.Fatalf("legacy report field not honored: %+v", result)
	}
	if len(result.SourceList) != 1 || result.SourceList[0] != "https://old" {
		t.Fatalf("legacy citations not honored: %v", result.SourceList)
	}
}

func TestInvokeErrorEventDeliversPartialUsage(t *testing.T) {
	srv := ndjsonServer(t,
		`{"type":"llm_call","usage":{"prompt_tokens":10,"completion_tokens":5}}`,
		`{"type":"error","error":"model quota exhausted"}`,
	)
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	sink := &collectSink{}

	_, err := client.Invoke(context.Background(), "p", InvokeOptions{}, sink)
	if err == nil {
		t.Fatal("expected error from error event")
	}
	if !strings.Contains(err.Error(), "model quota exhausted") {
		t.Fatalf("agent message lost: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("usage before the error must reach the sink, got %d events", sink.count())
	}
}

func TestInvokeStreamWithoutResult(t *testing.T) {
	srv := ndjsonServer(t, `{"type":"step","step":{"type":"x","description":"y"}}`)
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	if _, err := client.Invoke(context.Background(), "p", InvokeOptions{}, &collectSink{}); err == nil {
		t.Fatal("truncated stream must error")
	}
}

func TestInvokeSkipsMalformedAndUnknownEvents(t *testing.T) {
	srv := ndjsonServer(t,
		`not json at all`,
		`{"type":"heartbeat"}`,
		`{"type":"result","result":{"final_report":"r","summary":"s"}}`,
	)
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	result, err := client.Invoke(context.Background(), "p", InvokeOptions{}, &collectSink{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.ReportText != "r" {
		t.Fatalf("result lost amid junk events: %+v", result)
	}
}

func TestInvokeNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	if _, err := client.Invoke(context.Background(), "p", InvokeOptions{}, &collectSink{}); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestSummarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/summarize" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(`{"summary":"condensed"}`)); err != nil {
			return
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, nil)
	summary, err := client.Summarize(context.Background(), "long text", 1000)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary != "condensed" {
		t.Fatalf("unexpected summary %q", summary)
	}
}
