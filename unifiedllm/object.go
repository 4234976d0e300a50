package unifiedllm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseObject extracts a single JSON object from model output. Markdown code
// fences and text around the object are tolerated. Anything else yields a
// *NoObjectGeneratedError.
func ParseObject(text string) (json.RawMessage, error) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
		body = strings.TrimSpace(body)
	}

	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return nil, &NoObjectGeneratedError{SDKError: SDKError{
			Message: fmt.Sprintf("no JSON object in model output (%d bytes)", len(text)),
		}}
	}
	candidate := body[start : end+1]

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, &NoObjectGeneratedError{SDKError: SDKError{
			Message: fmt.Sprintf("failed to parse structured output: %v", err),
			Cause:   err,
		}}
	}
	return json.RawMessage(candidate), nil
}
