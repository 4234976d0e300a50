package agentloop

import (
	"strings"
	"testing"
)

func TestTruncateOutput(t *testing.T) {
	in := strings.Repeat("a", 200) + strings.Repeat("b", 200)

	if got := TruncateOutput(in, 1000, TruncateHeadTail); got != in {
		t.Errorf("short output should be unchanged, got %q", got)
	}

	got := TruncateOutput(in, 300, TruncateHeadTail)
	if len(got) != 300 {
		t.Errorf("expected 300 characters including the marker, got %d", len(got))
	}
	if !strings.HasPrefix(got, strings.Repeat("a", 81)+"\n\n[WARNING") || !strings.HasSuffix(got, "]\n\n"+strings.Repeat("b", 82)) {
		t.Errorf("unexpected head/tail truncation %q", got)
	}
	if !strings.Contains(got, "237 characters removed from the middle") {
		t.Errorf("expected removed count, got %q", got)
	}

	got = TruncateOutput(in, 100, TruncateTail)
	if len(got) != 100 || !strings.HasSuffix(got, "]\n\n"+strings.Repeat("b", 41)) || !strings.Contains(got, "first 359 characters removed") {
		t.Errorf("unexpected tail truncation %q", got)
	}
}

func TestTruncateOutputNeverGrows(t *testing.T) {
	in := strings.Repeat("x", 400)
	for _, mode := range []TruncationMode{TruncateHeadTail, TruncateTail} {
		for _, limit := range []int{399, 390, 200, 137, 59, 10, 1} {
			got := TruncateOutput(in, limit, mode)
			if len(got) > limit {
				t.Errorf("%s limit %d: got %d characters", mode, limit, len(got))
			}
		}
	}

	if got := TruncateOutput("aaaaabbbbbcc", 10, TruncateHeadTail); got != "aaaaabbbcc" {
		t.Errorf("limits below the marker size cut without it, got %q", got)
	}
	if got := TruncateOutput("aaaaabbbbb", 5, TruncateTail); got != "bbbbb" {
		t.Errorf("got %q", got)
	}
}

func TestTruncateLines(t *testing.T) {
	in := "1\n2\n3\n4\n5\n6"
	if got := TruncateLines(in, 10); got != in {
		t.Errorf("expected unchanged, got %q", got)
	}
	if got, want := TruncateLines(in, 4), "1\n2\n[... 2 lines omitted ...]\n5\n6"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTruncatorResult(t *testing.T) {
	tr := NewTruncator(map[string]int{"read_file": 4}, map[string]int{"execute_command": 2})

	orig := Success(map[string]interface{}{"content": "0123456789", "file_path": "0123456789"})
	short := tr.Result("read_file", orig)
	if short.Payload["content"] == "0123456789" {
		t.Error("expected content to be truncated")
	}
	if short.Payload["file_path"] != "0123456789" {
		t.Error("non-output fields must not be truncated")
	}
	if orig.Payload["content"] != "0123456789" {
		t.Error("truncation must not modify the original payload")
	}

	small := Success(map[string]interface{}{"content": "ok"})
	if got := tr.Result("read_file", small); got.Payload["content"] != "ok" {
		t.Errorf("unexpected result %+v", got)
	}

	cmd := tr.Result("execute_command", Success(map[string]interface{}{"stdout": "a\nb\nc\nd", "exit_code": 0}))
	if got := cmd.Payload["stdout"]; got != "a\n[... 2 lines omitted ...]\nd" {
		t.Errorf("unexpected line truncation %q", got)
	}
}

func TestTruncatorFallbackLimit(t *testing.T) {
	tr := NewTruncator(nil, nil)
	long := strings.Repeat("x", fallbackCharLimit+100)
	if got := tr.String("some_mcp_tool", long); len(got) >= len(long) {
		t.Error("unknown tools should use the fallback limit")
	}
}
