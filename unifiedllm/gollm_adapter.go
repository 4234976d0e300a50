package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter serves the openai and anthropic providers through gollm.
// gollm exposes a single prompt/response surface, so conversations are
// flattened into one prompt and tool calls are recovered from JSON the model
// emits in its text.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

type gollmSettings struct {
	model       string
	maxTokens   int
	temperature float64
	extra       []gollm.ConfigOption
}

// GollmAdapterOption configures NewGollmAdapter.
type GollmAdapterOption func(*gollmSettings)

// WithModel sets the model used when a request names none.
func WithModel(model string) GollmAdapterOption {
	return func(s *gollmSettings) { s.model = model }
}

func WithMaxTokens(n int) GollmAdapterOption {
	return func(s *gollmSettings) { s.maxTokens = n }
}

func WithTemperature(t float64) GollmAdapterOption {
	return func(s *gollmSettings) { s.temperature = t }
}

// WithGollmOptions passes options straight through to gollm.NewLLM.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(s *gollmSettings) { s.extra = append(s.extra, opts...) }
}

// NewGollmAdapter builds an adapter for provider. An empty apiKey leaves
// gollm to find the key in its own environment variables.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	set := gollmSettings{maxTokens: 4096}
	for _, opt := range opts {
		opt(&set)
	}
	if set.model == "" {
		set.model = "gpt-4o-mini"
		if info := GetLatestModel(provider); info != nil {
			set.model = info.ID
		}
	}

	// Retries are owned by the gateway's RetryPolicy.
	cfg := append([]gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(set.model),
		gollm.SetMaxTokens(set.maxTokens),
		gollm.SetTemperature(set.temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}, set.extra...)
	if apiKey != "" {
		cfg = append(cfg, gollm.SetAPIKey(apiKey))
	}

	llm, err := gollm.NewLLM(cfg...)
	if err != nil {
		return nil, fmt.Errorf("gollm %s: %w", provider, err)
	}
	return &GollmAdapter{provider: provider, llm: llm, model: set.model}, nil
}

// NewGollmAdapterFromLLM wraps an already configured gollm.LLM.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)
	a.applyRequestOptions(req)

	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	return a.buildResponse(req, text), nil
}

// SupportsToolChoice reports whether the adapter supports a particular tool choice mode.
func (a *GollmAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required":
		return true
	default:
		return false
	}
}

const gollmToolProtocol = `When you need to call tools, reply with a JSON array and nothing after it:
[{"name": "<tool name>", "arguments": {...}}]
Results come back as [Tool Result <id> <name>] lines.`

// translateRequest converts a unified Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var system []string
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.TextContent())
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Assistant tool call %s]: %s %s", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result"
				if part.ToolResult.IsError {
					prefix = "[Tool Error"
				}
				parts = append(parts, fmt.Sprintf("%s %s %s]: %s",
					prefix, part.ToolResult.ToolCallID, part.ToolResult.Name, string(part.ToolResult.Content)))
			}
		}
	}

	if len(req.ToolDefs) > 0 {
		system = append(system, gollmToolProtocol)
		if req.ToolChoice != nil && req.ToolChoice.Mode == "required" {
			system = append(system, "You must call at least one tool in this reply.")
		}
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" {
		system = append(system, SchemaInstruction(req.ResponseFormat.JSONSchema))
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if len(system) > 0 {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(strings.Join(system, "\n\n")), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// SchemaInstruction renders the instruction appended for providers without
// native structured output.
func SchemaInstruction(schema map[string]interface{}) string {
	schemaJSON, _ := json.MarshalIndent(schema, "", "  ")
	return fmt.Sprintf(
		"You must respond with valid JSON matching this schema:\n```json\n%s\n```\nRespond ONLY with the JSON object, no other text.",
		string(schemaJSON),
	)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var calls []ToolCall
	remaining := text
	if len(req.ToolDefs) > 0 {
		calls, remaining = parseToolCalls(text)
	}

	finishReason := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finishReason = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	inputTokens := estimateTokens(req)
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      AssistantMessage(remaining, calls...),
		FinishReason: finishReason,
		Usage: Usage{
			// gollm doesn't expose usage; estimate from text length.
			InputTokens:  inputTokens,
			OutputTokens: len(text) / 4,
			TotalTokens:  inputTokens + len(text)/4,
		},
	}
}

// parseToolCalls extracts tool calls the model embedded as JSON in its reply,
// either a bare array of {name, arguments} or an object {"tool_calls": [...]}.
// It returns the calls and the text preceding the JSON.
func parseToolCalls(text string) ([]ToolCall, string) {
	type rawCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	var raw []rawCall
	start := strings.Index(text, `{"tool_calls"`)
	if start >= 0 {
		var wrapped struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&wrapped); err == nil {
			raw = wrapped.ToolCalls
		}
	} else if start = strings.Index(text, `[{"name"`); start >= 0 {
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&raw); err != nil {
			raw = nil
		}
	}
	if len(raw) == 0 {
		return nil, text
	}

	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls, strings.TrimSpace(text[:start])
}

// gollmErrorClasses maps substrings of gollm error text to error kinds.
// gollm returns plain errors, so the first matching class wins.
var gollmErrorClasses = []struct {
	markers []string
	status  int
	wrap    func(ProviderError) error
}{
	{[]string{"401", "unauthorized", "invalid api key"}, 401, func(p ProviderError) error { return &AuthenticationError{ProviderError: p} }},
	{[]string{"403", "forbidden"}, 403, func(p ProviderError) error { return &AccessDeniedError{ProviderError: p} }},
	{[]string{"404", "not found"}, 404, func(p ProviderError) error { return &NotFoundError{ProviderError: p} }},
	{[]string{"resource exhausted", "resource_exhausted", "quota"}, 429, func(p ProviderError) error { return &ResourceExhaustedError{ProviderError: p} }},
	{[]string{"429", "rate limit"}, 429, func(p ProviderError) error { return &RateLimitError{ProviderError: p} }},
	{[]string{"context length", "too many tokens"}, 413, func(p ProviderError) error { return &ContextLengthError{ProviderError: p} }},
	{[]string{"500", "internal server"}, 500, func(p ProviderError) error { return &ServerError{ProviderError: p} }},
	{[]string{"timeout"}, 0, func(p ProviderError) error { return &RequestTimeoutError{SDKError: p.SDKError} }},
	{[]string{"content filter", "safety"}, 0, func(p ProviderError) error { return &ContentFilterError{ProviderError: p} }},
}

func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	base := ProviderError{SDKError: SDKError{Message: err.Error(), Cause: err}, Provider: a.provider}
	for _, class := range gollmErrorClasses {
		for _, m := range class.markers {
			if strings.Contains(text, m) {
				base.StatusCode = class.status
				return class.wrap(base)
			}
		}
	}
	return &base
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.Kind == ContentText {
				total += len(part.Text) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
