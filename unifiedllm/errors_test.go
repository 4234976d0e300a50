package unifiedllm

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status     int
		code       string
		expectType string
		transient  bool
	}{
		{400, "", "*unifiedllm.InvalidRequestError", false},
		{401, "", "*unifiedllm.AuthenticationError", false},
		{403, "", "*unifiedllm.AccessDeniedError", false},
		{404, "", "*unifiedllm.NotFoundError", false},
		{408, "", "*unifiedllm.RequestTimeoutError", false},
		{413, "", "*unifiedllm.ContextLengthError", false},
		{422, "", "*unifiedllm.InvalidRequestError", false},
		{429, "", "*unifiedllm.RateLimitError", true},
		{429, "RESOURCE_EXHAUSTED", "*unifiedllm.ResourceExhaustedError", true},
		{500, "", "*unifiedllm.ServerError", false},
		{502, "", "*unifiedllm.ServerError", false},
		{503, "", "*unifiedllm.ServerError", false},
		{504, "", "*unifiedllm.ServerError", false},
		{418, "", "*unifiedllm.ProviderError", false},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "gemini", tt.code, nil)
		if got := fmt.Sprintf("%T", err); got != tt.expectType {
			t.Errorf("status %d/%s: expected %s, got %s", tt.status, tt.code, tt.expectType, got)
		}
		if IsTransient(err) != tt.transient {
			t.Errorf("status %d/%s: expected transient=%v", tt.status, tt.code, tt.transient)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthenticationError{}, false},
		{"server error", &ServerError{}, false},
		{"network error", &NetworkError{}, false},
		{"timeout error", &RequestTimeoutError{}, false},
		{"no object", &NoObjectGeneratedError{}, false},
		{"unknown error", errors.New("unknown"), false},
		{"rate limit", &RateLimitError{}, true},
		{"resource exhausted", &ResourceExhaustedError{}, true},
		{"wrapped rate limit", fmt.Errorf("call failed: %w", &RateLimitError{}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.transient)
			}
		})
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &NetworkError{SDKError: SDKError{Message: "network failed", Cause: cause}}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find root cause")
	}
	if err.Error() != "network failed: root cause" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &RateLimitError{ProviderError: ProviderError{
		SDKError:   SDKError{Message: "slow down"},
		Provider:   "gemini",
		StatusCode: 429,
	}}
	want := "[gemini] slow down (status=429)"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestRetriesExhaustedErrorUnwrap(t *testing.T) {
	cause := &RateLimitError{}
	err := &RetriesExhaustedError{Attempts: 5, Cause: cause}

	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Error("expected RetriesExhaustedError to unwrap to its cause")
	}
}
