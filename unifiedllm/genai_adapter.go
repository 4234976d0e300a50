package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when neither the request nor the adapter names a model.
const DefaultGeminiModel = "gemini-2.5-flash-lite"

// genaiModels is the subset of *genai.Models the adapter needs.
type genaiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAIAdapter talks to Gemini through google.golang.org/genai with native
// function calling and JSON schema responses.
type GenAIAdapter struct {
	models genaiModels
	model  string
}

// GenAIAdapterOption configures a GenAIAdapter.
type GenAIAdapterOption func(*GenAIAdapter)

// WithGenAIModel sets the default model for the adapter.
func WithGenAIModel(model string) GenAIAdapterOption {
	return func(a *GenAIAdapter) {
		a.model = model
	}
}

// NewGenAIAdapter creates a Gemini adapter backed by the Gemini API.
func NewGenAIAdapter(ctx context.Context, apiKey string, opts ...GenAIAdapterOption) (*GenAIAdapter, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "gemini api key is required"}}
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGenAIAdapter(client.Models, opts...), nil
}

func newGenAIAdapter(models genaiModels, opts ...GenAIAdapterOption) *GenAIAdapter {
	a := &GenAIAdapter{models: models, model: DefaultGeminiModel}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns "gemini".
func (a *GenAIAdapter) Name() string {
	return "gemini"
}

// SupportsToolChoice reports whether the adapter supports a particular tool choice mode.
func (a *GenAIAdapter) SupportsToolChoice(mode string) bool {
	switch mode {
	case "auto", "none", "required", "named":
		return true
	default:
		return false
	}
}

// Complete sends a GenerateContent request and converts the reply.
func (a *GenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	contents, system := toGenAIContents(req.Messages)
	resp, err := a.models.GenerateContent(ctx, model, contents, buildGenAIConfig(req, system))
	if err != nil {
		return nil, translateGenAIError(err)
	}
	return fromGenAIResponse(model, resp), nil
}

// toGenAIContents converts unified messages into genai contents. System
// messages are collected into a system instruction. Consecutive tool results
// are merged into a single user content as Gemini expects.
func toGenAIContents(msgs []Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemParts []*genai.Part
	var pendingResults []*genai.Part

	flush := func() {
		if len(pendingResults) == 0 {
			return
		}
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: pendingResults})
		pendingResults = nil
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			if text := msg.TextContent(); text != "" {
				systemParts = append(systemParts, genai.NewPartFromText(text))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				fr := genai.NewPartFromFunctionResponse(part.ToolResult.Name, resultMap(part.ToolResult.Content))
				fr.FunctionResponse.ID = part.ToolResult.ToolCallID
				pendingResults = append(pendingResults, fr)
			}
		case RoleUser:
			flush()
			contents = append(contents, genai.NewContentFromText(msg.TextContent(), genai.RoleUser))
		case RoleAssistant:
			flush()
			var parts []*genai.Part
			if text := msg.TextContent(); text != "" {
				parts = append(parts, genai.NewPartFromText(text))
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: argsMap(tc.Arguments),
				}})
			}
			if len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(" "))
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		}
	}
	flush()

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: systemParts}
	}
	return contents, system
}

func buildGenAIConfig(req Request, system *genai.Content) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{SystemInstruction: system}

	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*req.MaxTokens)
	}

	if len(req.ToolDefs) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

		if req.ToolChoice != nil {
			fcc := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
			switch req.ToolChoice.Mode {
			case "required":
				fcc.Mode = genai.FunctionCallingConfigModeAny
			case "named":
				fcc.Mode = genai.FunctionCallingConfigModeAny
				fcc.AllowedFunctionNames = []string{req.ToolChoice.ToolName}
			case "none":
				fcc.Mode = genai.FunctionCallingConfigModeNone
			}
			cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: fcc}
		}
	}

	if rf := req.ResponseFormat; rf != nil && rf.Type != "text" {
		cfg.ResponseMIMEType = "application/json"
		if rf.JSONSchema != nil {
			cfg.ResponseJsonSchema = rf.JSONSchema
		}
	}
	return cfg
}

func fromGenAIResponse(model string, resp *genai.GenerateContentResponse) *Response {
	out := &Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    model,
		Provider: "gemini",
	}
	if resp == nil {
		out.Message = AssistantMessage("")
		out.FinishReason = FinishReason{Reason: "other"}
		return out
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.ResponseID != "" {
		out.ID = resp.ResponseID
	}

	var calls []ToolCall
	for _, fc := range resp.FunctionCalls() {
		id := fc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		args, err := json.Marshal(fc.Args)
		if err != nil || fc.Args == nil {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCall{ID: id, Name: fc.Name, Arguments: args})
	}
	out.Message = AssistantMessage(resp.Text(), calls...)

	raw := ""
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		raw = string(resp.Candidates[0].FinishReason)
	}
	out.FinishReason = FinishReason{Reason: mapGenAIFinishReason(raw, len(calls) > 0), Raw: raw}

	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	return out
}

func mapGenAIFinishReason(raw string, hasCalls bool) string {
	if hasCalls {
		return "tool_calls"
	}
	switch raw {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	default:
		return "other"
	}
}

// translateGenAIError maps genai errors into the unified hierarchy. Quota
// exhaustion and 429s become transient errors.
func translateGenAIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return ErrorFromStatusCode(apiErr.Code, apiErr.Message, "gemini", apiErr.Status, nil)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return ErrorFromStatusCode(apiErrPtr.Code, apiErrPtr.Message, "gemini", apiErrPtr.Status, nil)
	}

	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}

	msg := strings.ToLower(err.Error())
	pe := ProviderError{SDKError: SDKError{Message: err.Error(), Cause: err}, Provider: "gemini", StatusCode: 429}
	switch {
	case strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "resource exhausted"):
		return &ResourceExhaustedError{ProviderError: pe}
	case strings.Contains(msg, "429"):
		return &RateLimitError{ProviderError: pe}
	}
	return &NetworkError{SDKError: SDKError{Message: "gemini request failed", Cause: err}}
}

// argsMap decodes tool call arguments into the map genai expects.
func argsMap(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	return m
}

// resultMap wraps a tool result payload as a function response. Objects pass
// through; any other JSON value is placed under "output".
func resultMap(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		v = string(raw)
	}
	return map[string]any{"output": v}
}
