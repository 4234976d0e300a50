package agentloop

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/taskpilot/unifiedllm"
)

func TestGatewayToolsMode(t *testing.T) {
	reg, _ := NewToolRegistry([]Tool{echoTool("echo")})
	client := &scriptedClient{analyze: []step{replyCalls(
		call("", "echo", nil),
		call("dup", "echo", nil),
		call("dup", "echo", nil),
	)}}

	for _, force := range []bool{false, true} {
		gw := NewGateway(client, reg, GatewayConfig{Model: "m", ForceToolUse: force}, nil)
		res, err := gw.Invoke(context.Background(), ModeTools, []unifiedllm.Message{unifiedllm.UserMessage("hi")}, nil)
		if err != nil {
			t.Fatal(err)
		}
		req := client.lastRequest()
		want := "auto"
		if force {
			want = "required"
		}
		if req.ToolChoice == nil || req.ToolChoice.Mode != want {
			t.Errorf("force=%v: expected tool choice %s, got %+v", force, want, req.ToolChoice)
		}
		if len(req.ToolDefs) != 1 || req.ToolDefs[0].Name != "echo" {
			t.Errorf("expected echo tool definition, got %+v", req.ToolDefs)
		}

		calls := res.Response.ToolCalls()
		seen := map[string]bool{}
		for _, c := range calls {
			if !strings.HasPrefix(c.ID, "call_") && c.ID != "dup" {
				t.Errorf("unexpected id %q", c.ID)
			}
			if seen[c.ID] {
				t.Errorf("duplicate id %q", c.ID)
			}
			seen[c.ID] = true
			if string(c.Arguments) != "{}" {
				t.Errorf("unexpected arguments %s", c.Arguments)
			}
		}
	}
}

func TestGatewayPlainModeSendsNoTools(t *testing.T) {
	reg, _ := NewToolRegistry([]Tool{echoTool("echo")})
	client := &scriptedClient{analyze: []step{replyText("hello")}}
	gw := NewGateway(client, reg, GatewayConfig{}, nil)

	res, err := gw.Invoke(context.Background(), ModePlain, []unifiedllm.Message{unifiedllm.UserMessage("hi")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response.Text() != "hello" || res.Object != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if req := client.lastRequest(); req.ToolDefs != nil || req.ToolChoice != nil {
		t.Errorf("expected no tools in plain mode, got %+v", req)
	}
}

func TestGatewayStructuredMode(t *testing.T) {
	schema, err := NewReportSchema()
	if err != nil {
		t.Fatal(err)
	}
	client := &scriptedClient{report: replyReport(ReportPendingApproval, "a.go")}
	gw := NewGateway(client, nil, GatewayConfig{}, nil)

	res, err := gw.Invoke(context.Background(), ModeStructured, []unifiedllm.Message{unifiedllm.UserMessage("report")}, schema)
	if err != nil {
		t.Fatal(err)
	}
	report, err := decodeReport(res.Object, false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != ReportPendingApproval || len(report.ChangedFiles) != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	req := client.lastRequest()
	if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_schema" || req.ResponseFormat.JSONSchema == nil {
		t.Errorf("expected json_schema response format, got %+v", req.ResponseFormat)
	}

	if _, err := gw.Invoke(context.Background(), ModeStructured, nil, nil); err == nil {
		t.Error("expected error without a schema")
	}
}

func TestGatewayMalformedStructuredOutputIsNotRetried(t *testing.T) {
	schema, _ := NewReportSchema()
	client := &scriptedClient{report: replyText(`{"status": "SUCCESS"}`)}
	gw := NewGateway(client, nil, GatewayConfig{Retry: unifiedllm.RetryPolicy{MaxRetries: 5}}, nil)

	_, err := gw.Invoke(context.Background(), ModeStructured, nil, schema)
	var malformed *unifiedllm.NoObjectGeneratedError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected NoObjectGeneratedError, got %v", err)
	}
	if len(client.requests) != 1 {
		t.Errorf("expected a single call, got %d", len(client.requests))
	}
}

func TestGatewayRetryHooks(t *testing.T) {
	client := &scriptedClient{analyze: []step{replyError(rateLimitError()), replyText("ok")}}
	var policyCalls, gatewayCalls int
	gw := NewGateway(client, nil, GatewayConfig{
		Retry: unifiedllm.RetryPolicy{
			MaxRetries: 2,
			OnRetry:    func(error, int, time.Duration) { policyCalls++ },
		},
		OnRetry: func(error, int, time.Duration) { gatewayCalls++ },
	}, nil)

	if _, err := gw.Invoke(context.Background(), ModePlain, nil, nil); err != nil {
		t.Fatal(err)
	}
	if policyCalls != 1 || gatewayCalls != 1 {
		t.Errorf("expected both hooks once, got %d and %d", policyCalls, gatewayCalls)
	}
}

func TestGatewayUnknownMode(t *testing.T) {
	gw := NewGateway(&scriptedClient{}, nil, GatewayConfig{}, nil)
	var cfgErr *unifiedllm.ConfigurationError
	if _, err := gw.Invoke(context.Background(), Mode("stream"), nil, nil); !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}
