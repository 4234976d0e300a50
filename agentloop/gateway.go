package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/taskpilot/unifiedllm"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// Mode selects how the gateway talks to the model.
type Mode string

const (
	ModePlain      Mode = "plain"      // free text, no tools
	ModeTools      Mode = "tools"      // tool definitions attached
	ModeStructured Mode = "structured" // reply must match an OutputSchema
)

// Completer is the model client the gateway drives. *unifiedllm.Client
// satisfies it, as does any single ProviderAdapter.
type Completer interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// OutputSchema is a compiled JSON Schema for structured-mode replies.
type OutputSchema struct {
	Name       string
	Definition map[string]interface{}
	compiled   *jsonschema.Schema
}

// NewOutputSchema compiles def.
func NewOutputSchema(name string, def map[string]interface{}) (*OutputSchema, error) {
	compiled, err := compileSchema(name, def)
	if err != nil {
		return nil, fmt.Errorf("output schema %s: %w", name, err)
	}
	return &OutputSchema{Name: name, Definition: def, compiled: compiled}, nil
}

// Validate decodes obj and checks it against the schema.
func (s *OutputSchema) Validate(obj json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(obj, &v); err != nil {
		return err
	}
	return s.compiled.Validate(v)
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Model       string
	Provider    string
	Temperature *float64
	Retry       unifiedllm.RetryPolicy
	// ForceToolUse requires at least one tool call in tools mode.
	ForceToolUse bool
	OnRetry      func(err error, attempt int, delay time.Duration)
}

// GatewayResult is one gateway reply. Object is set in structured mode.
type GatewayResult struct {
	Response *unifiedllm.Response
	Object   json.RawMessage
}

// Gateway is the single point through which the loop reaches the model. It
// applies the transient-only retry policy and validates structured output.
type Gateway struct {
	client   Completer
	registry *ToolRegistry
	cfg      GatewayConfig
	logger   *zap.Logger
}

// NewGateway creates a gateway. registry supplies the tool definitions for
// tools mode and may be nil when tools mode is never used.
func NewGateway(client Completer, registry *ToolRegistry, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{client: client, registry: registry, cfg: cfg, logger: logger}
}

// Invoke sends messages in the given mode. schema is required in structured
// mode and ignored otherwise. Malformed structured output returns a
// *unifiedllm.NoObjectGeneratedError and is not retried.
func (g *Gateway) Invoke(ctx context.Context, mode Mode, messages []unifiedllm.Message, schema *OutputSchema) (*GatewayResult, error) {
	req := unifiedllm.Request{
		Model:       g.cfg.Model,
		Provider:    g.cfg.Provider,
		Messages:    messages,
		Temperature: g.cfg.Temperature,
	}

	switch mode {
	case ModePlain:
	case ModeTools:
		if g.registry != nil && g.registry.Count() > 0 {
			req.ToolDefs = g.registry.ToolDefs()
			choice := "auto"
			if g.cfg.ForceToolUse {
				choice = "required"
			}
			req.ToolChoice = &unifiedllm.ToolChoice{Mode: choice}
		}
	case ModeStructured:
		if schema == nil {
			return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
				Message: "structured mode requires an output schema",
			}}
		}
		req.ResponseFormat = &unifiedllm.ResponseFormat{
			Type:       "json_schema",
			JSONSchema: schema.Definition,
			Strict:     true,
		}
	default:
		return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{
			Message: fmt.Sprintf("unknown gateway mode %q", mode),
		}}
	}

	policy := g.cfg.Retry
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		g.logger.Warn("model rate limited, backing off",
			zap.String("mode", string(mode)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if userOnRetry != nil {
			userOnRetry(err, attempt, delay)
		}
		if g.cfg.OnRetry != nil {
			g.cfg.OnRetry(err, attempt, delay)
		}
	}

	resp, err := unifiedllm.Retry(ctx, policy, func(ctx context.Context) (*unifiedllm.Response, error) {
		return g.client.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	assignCallIDs(resp)
	result := &GatewayResult{Response: resp}

	if mode == ModeStructured {
		obj, err := unifiedllm.ParseObject(resp.Text())
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(obj); err != nil {
			return nil, &unifiedllm.NoObjectGeneratedError{SDKError: unifiedllm.SDKError{
				Message: fmt.Sprintf("structured output does not match schema %s", schema.Name),
				Cause:   err,
			}}
		}
		result.Object = obj
	}
	return result, nil
}

// assignCallIDs gives every tool call without a provider id a unique one.
func assignCallIDs(resp *unifiedllm.Response) {
	if resp == nil {
		return
	}
	seen := make(map[string]bool)
	for i := range resp.Message.Content {
		part := &resp.Message.Content[i]
		if part.Kind != unifiedllm.ContentToolCall || part.ToolCall == nil {
			continue
		}
		if part.ToolCall.ID == "" || seen[part.ToolCall.ID] {
			part.ToolCall.ID = "call_" + uuid.New().String()
		}
		seen[part.ToolCall.ID] = true
		if args := part.ToolCall.Arguments; len(args) == 0 || string(args) == "null" {
			part.ToolCall.Arguments = json.RawMessage(`{}`)
		}
	}
}
