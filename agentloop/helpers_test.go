package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/martinemde/taskpilot/unifiedllm"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var zeroUsage unifiedllm.Usage

// step produces one scripted model reply. Steps build a fresh response on
// every call because the gateway assigns call ids in place.
type step func(req unifiedllm.Request) (*unifiedllm.Response, error)

// scriptedClient replays analysis steps in order, repeating the last one
// when the script runs out, and answers structured requests with report.
type scriptedClient struct {
	mu       sync.Mutex
	analyze  []step
	report   step
	next     int
	requests []unifiedllm.Request
}

func (c *scriptedClient) Complete(_ context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)

	if req.ResponseFormat != nil {
		if c.report == nil {
			return nil, errors.New("no report scripted")
		}
		return c.report(req)
	}
	if len(c.analyze) == 0 {
		return nil, errors.New("no analysis scripted")
	}
	i := c.next
	if i >= len(c.analyze) {
		i = len(c.analyze) - 1
	} else {
		c.next++
	}
	return c.analyze[i](req)
}

// analysisRequests returns the requests that were not report calls.
func (c *scriptedClient) analysisRequests() []unifiedllm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []unifiedllm.Request
	for _, r := range c.requests {
		if r.ResponseFormat == nil {
			out = append(out, r)
		}
	}
	return out
}

func (c *scriptedClient) lastRequest() unifiedllm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func replyText(text string) step {
	return func(unifiedllm.Request) (*unifiedllm.Response, error) {
		return &unifiedllm.Response{
			ID:           "resp_text",
			Message:      unifiedllm.AssistantMessage(text),
			FinishReason: unifiedllm.FinishReason{Reason: "stop"},
			Usage:        unifiedllm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func replyCalls(calls ...unifiedllm.ToolCall) step {
	return func(unifiedllm.Request) (*unifiedllm.Response, error) {
		copied := make([]unifiedllm.ToolCall, len(calls))
		copy(copied, calls)
		return &unifiedllm.Response{
			ID:           "resp_calls",
			Message:      unifiedllm.AssistantMessage("", copied...),
			FinishReason: unifiedllm.FinishReason{Reason: "tool_calls"},
		}, nil
	}
}

func replyError(err error) step {
	return func(unifiedllm.Request) (*unifiedllm.Response, error) { return nil, err }
}

func replyReport(status ReportStatus, changed ...string) step {
	return func(unifiedllm.Request) (*unifiedllm.Response, error) {
		if changed == nil {
			changed = []string{}
		}
		body, _ := json.Marshal(map[string]interface{}{
			"status":        status,
			"summary":       "work summary",
			"changed_files": changed,
			"test_results":  "not run",
		})
		return &unifiedllm.Response{
			ID:      "resp_report",
			Message: unifiedllm.AssistantMessage("```json\n" + string(body) + "\n```"),
		}, nil
	}
}

func call(id, name string, args map[string]interface{}) unifiedllm.ToolCall {
	raw, _ := json.Marshal(args)
	return unifiedllm.ToolCall{ID: id, Name: name, Arguments: raw}
}

func rateLimitError() error {
	return &unifiedllm.RateLimitError{ProviderError: unifiedllm.ProviderError{
		SDKError:   unifiedllm.SDKError{Message: "quota exceeded"},
		Provider:   "test",
		StatusCode: 429,
	}}
}

// testConfig returns a config whose retries never sleep.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Model = "test-model"
	cfg.Provider = "test"
	cfg.Retry = unifiedllm.RetryPolicy{MaxRetries: 3, BaseDelay: 0}
	return cfg
}

// drainEvents closes the session and collects everything it emitted.
func drainEvents(s *Session) []RunEvent {
	s.Close()
	var events []RunEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events
}

func eventKinds(events []RunEvent) []EventKind {
	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func countKind(events []RunEvent, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func turnsOfKind(turns []Turn, kind TurnKind) []Turn {
	var out []Turn
	for _, t := range turns {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}
