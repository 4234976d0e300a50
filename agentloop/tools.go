package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/martinemde/taskpilot/unifiedllm"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolStatus is the outcome classification of a tool invocation.
type ToolStatus string

const (
	StatusSuccess ToolStatus = "success"
	StatusFailed  ToolStatus = "failed" // the tool ran and reported a negative outcome
	StatusError   ToolStatus = "error"  // the tool could not run
)

// ToolResult is the record every tool invocation produces. It serializes
// flat as {"status": ..., <payload fields>}.
type ToolResult struct {
	Status  ToolStatus
	Payload map[string]interface{}
}

// Success builds a success result.
func Success(payload map[string]interface{}) ToolResult {
	return ToolResult{Status: StatusSuccess, Payload: payload}
}

// Failed builds a failed result.
func Failed(payload map[string]interface{}) ToolResult {
	return ToolResult{Status: StatusFailed, Payload: payload}
}

// ErrorResult builds an error result carrying message.
func ErrorResult(format string, args ...interface{}) ToolResult {
	return ToolResult{Status: StatusError, Payload: map[string]interface{}{
		"message": fmt.Sprintf(format, args...),
	}}
}

// Message returns the payload "message" field, if any.
func (r ToolResult) Message() string {
	s, _ := r.Payload["message"].(string)
	return s
}

func (r ToolResult) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(r.Payload)+1)
	for k, v := range r.Payload {
		flat[k] = v
	}
	flat["status"] = r.Status
	return json.Marshal(flat)
}

func (r *ToolResult) UnmarshalJSON(data []byte) error {
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	status, _ := flat["status"].(string)
	delete(flat, "status")
	r.Status = ToolStatus(status)
	r.Payload = flat
	return nil
}

// clone returns a copy of the result with a shallow-copied payload.
func (r ToolResult) clone() ToolResult {
	out := ToolResult{Status: r.Status}
	if r.Payload != nil {
		out.Payload = make(map[string]interface{}, len(r.Payload))
		for k, v := range r.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// ToolHandler executes a tool against decoded, schema-validated arguments.
type ToolHandler func(ctx context.Context, args map[string]interface{}) ToolResult

// ToolDefinition describes a tool for the LLM (serializable metadata).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Tool pairs a definition with its handler. Mutating marks tools that change
// files; the verification gate counts their use as a write action.
type Tool struct {
	Definition ToolDefinition
	Mutating   bool
	Handler    ToolHandler
}

type registeredTool struct {
	Tool
	schema *jsonschema.Schema
}

// DefaultToolTimeout bounds a single tool invocation.
const DefaultToolTimeout = 60 * time.Second

// DefaultWriteTools lists the tool names that count as writes even when the
// tool itself is not flagged Mutating.
var DefaultWriteTools = []string{
	"write_code_to_file",
	"replace_code_in_file",
	"apply_code_patch",
	"append_to_file",
}

// ToolRegistry maps tool names to tools. It is immutable once constructed.
type ToolRegistry struct {
	tools      map[string]*registeredTool
	order      []string
	timeout    time.Duration
	writeTools map[string]bool
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithToolTimeout overrides the per-invocation timeout.
func WithToolTimeout(d time.Duration) RegistryOption {
	return func(r *ToolRegistry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithWriteTools replaces the write-tool name list.
func WithWriteTools(names ...string) RegistryOption {
	return func(r *ToolRegistry) {
		r.writeTools = make(map[string]bool, len(names))
		for _, n := range names {
			r.writeTools[n] = true
		}
	}
}

// NewToolRegistry compiles every tool's parameter schema and returns the
// registry. Duplicate or empty names and invalid schemas are errors.
func NewToolRegistry(tools []Tool, opts ...RegistryOption) (*ToolRegistry, error) {
	r := &ToolRegistry{
		tools:   make(map[string]*registeredTool, len(tools)),
		timeout: DefaultToolTimeout,
	}
	WithWriteTools(DefaultWriteTools...)(r)
	for _, opt := range opts {
		opt(r)
	}
	if err := r.add(tools); err != nil {
		return nil, err
	}
	return r, nil
}

// With returns a new registry holding the receiver's tools plus extra. The
// receiver is unchanged.
func (r *ToolRegistry) With(extra ...Tool) (*ToolRegistry, error) {
	next := &ToolRegistry{
		tools:      make(map[string]*registeredTool, len(r.tools)+len(extra)),
		order:      append([]string(nil), r.order...),
		timeout:    r.timeout,
		writeTools: r.writeTools,
	}
	for name, t := range r.tools {
		next.tools[name] = t
	}
	if err := next.add(extra); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *ToolRegistry) add(tools []Tool) error {
	for _, t := range tools {
		name := t.Definition.Name
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("tool registry: empty tool name")
		}
		if _, dup := r.tools[name]; dup {
			return fmt.Errorf("tool registry: duplicate tool %q", name)
		}
		if t.Handler == nil {
			return fmt.Errorf("tool registry: tool %q missing handler", name)
		}
		schema, err := compileSchema(name, t.Definition.Parameters)
		if err != nil {
			return fmt.Errorf("tool registry: tool %q schema: %w", name, err)
		}
		r.tools[name] = &registeredTool{Tool: t, schema: schema}
		r.order = append(r.order, name)
	}
	return nil
}

// compileSchema compiles a JSON Schema given as a decoded map. A nil schema
// is treated as an empty object schema.
func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return t.Tool, true
}

// Names returns tool names in registration order.
func (r *ToolRegistry) Names() []string {
	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	return len(r.tools)
}

// Definitions returns all tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// ToolDefs converts the definitions to the unifiedllm type sent with requests.
func (r *ToolRegistry) ToolDefs() []unifiedllm.ToolDefinition {
	defs := r.Definitions()
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

// IsMutating reports whether invoking name counts as a file write.
func (r *ToolRegistry) IsMutating(name string) bool {
	if r.writeTools[name] {
		return true
	}
	t, ok := r.tools[name]
	return ok && t.Mutating
}

// WriteTools returns the configured write-tool names, sorted.
func (r *ToolRegistry) WriteTools() []string {
	names := make([]string, 0, len(r.writeTools))
	for n := range r.writeTools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs a tool call. Every failure mode (unknown tool, malformed
// arguments, schema violation, timeout, panic) comes back as an error
// result; Execute itself never fails.
func (r *ToolRegistry) Execute(ctx context.Context, call unifiedllm.ToolCall) ToolResult {
	t, ok := r.tools[call.Name]
	if !ok {
		return ErrorResult("unknown tool: %s", call.Name)
	}

	var args map[string]interface{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return ErrorResult("invalid tool arguments JSON: %v", err)
		}
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := t.schema.Validate(args); err != nil {
		return ErrorResult("tool arguments failed schema validation: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan ToolResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- ErrorResult("tool %s panicked: %v", call.Name, p)
			}
		}()
		done <- t.Handler(ctx, args)
	}()

	select {
	case res := <-done:
		if res.Status == "" {
			res.Status = StatusSuccess
		}
		return res
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult("tool %s timed out after %s", call.Name, r.timeout)
		}
		return ErrorResult("tool %s cancelled: %v", call.Name, ctx.Err())
	}
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument from parsed tool arguments.
func GetBoolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
