// Package unifiedllm provides a provider-agnostic model client. Gemini is
// served natively through google.golang.org/genai; OpenAI and Anthropic go
// through the gollm library (github.com/teilomillet/gollm).
//
// # Architecture
//
//   - ProviderAdapter and the shared Request/Response types
//   - Error taxonomy and the transient-only Retry helper
//   - Client with provider routing and middleware
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewGenAIAdapter(ctx, os.Getenv("GEMINI_API_KEY"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("gemini", adapter))
//
//	resp, err := unifiedllm.Retry(ctx, unifiedllm.DefaultRetryPolicy(),
//	    func(ctx context.Context) (*unifiedllm.Response, error) {
//	        return client.Complete(ctx, unifiedllm.Request{
//	            Model:    "gemini-2.5-flash-lite",
//	            Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	        })
//	    })
//
// # Errors
//
// Adapters report provider rate limiting as *RateLimitError or
// *ResourceExhaustedError. IsTransient recognizes exactly these two, and
// Retry retries nothing else. Once every attempt is spent Retry returns a
// *RetriesExhaustedError wrapping the last failure.
//
// # Structured Output
//
// Set Request.ResponseFormat to a json_schema format. The Gemini adapter
// passes the schema natively; the gollm adapter appends SchemaInstruction to
// the system prompt. ParseObject extracts the JSON object from the reply.
package unifiedllm
