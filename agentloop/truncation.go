package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// truncatedFields are the payload keys holding free-form tool output.
var truncatedFields = []string{"content", "stdout", "stderr", "errors", "output"}

// DefaultToolCharLimits caps each payload string per tool.
var DefaultToolCharLimits = map[string]int{
	"read_file":              50000,
	"execute_command":        30000,
	"search_codebase":        20000,
	"list_project_structure": 20000,
	"run_linter":             10000,
}

// DefaultTruncationModes keeps the end of search output and both ends of
// everything else.
var DefaultTruncationModes = map[string]TruncationMode{
	"search_codebase":        TruncateTail,
	"list_project_structure": TruncateTail,
}

// DefaultToolLineLimits applies after character truncation.
var DefaultToolLineLimits = map[string]int{
	"execute_command": 256,
}

const fallbackCharLimit = 30000

func truncationMarker(mode TruncationMode, removed int) string {
	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: output truncated, first %d characters removed]\n\n", removed)
	}
	return fmt.Sprintf("\n\n[WARNING: output truncated, %d characters removed from the middle. "+
		"Re-run the tool with narrower parameters to see a specific part.]\n\n", removed)
}

// TruncateOutput shortens output to at most maxChars, warning marker
// included. A limit too small to hold the marker cuts without one.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	// The removed count has no more digits than len(output), so this
	// marker is never shorter than the one emitted.
	keep := maxChars - len(truncationMarker(mode, len(output)))
	marker := ""
	if keep > 0 {
		marker = truncationMarker(mode, len(output)-keep)
	} else {
		keep = maxChars
	}

	if mode == TruncateTail {
		return marker + output[len(output)-keep:]
	}
	head := keep / 2
	return output[:head] + marker + output[len(output)-(keep-head):]
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// Truncator shortens tool payloads before they are sent to the model. The
// turn log keeps the full payload.
type Truncator struct {
	charLimits map[string]int
	lineLimits map[string]int
}

// NewTruncator merges overrides over the defaults.
func NewTruncator(charOverrides, lineOverrides map[string]int) *Truncator {
	t := &Truncator{charLimits: map[string]int{}, lineLimits: map[string]int{}}
	for k, v := range DefaultToolCharLimits {
		t.charLimits[k] = v
	}
	for k, v := range charOverrides {
		t.charLimits[k] = v
	}
	for k, v := range DefaultToolLineLimits {
		t.lineLimits[k] = v
	}
	for k, v := range lineOverrides {
		t.lineLimits[k] = v
	}
	return t
}

// String truncates one output string for toolName.
func (t *Truncator) String(toolName, output string) string {
	maxChars, ok := t.charLimits[toolName]
	if !ok {
		maxChars = fallbackCharLimit
	}
	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	out := TruncateOutput(output, maxChars, mode)
	if maxLines := t.lineLimits[toolName]; maxLines > 0 {
		out = TruncateLines(out, maxLines)
	}
	return out
}

// Result returns a copy of r with its free-form string fields truncated.
func (t *Truncator) Result(toolName string, r ToolResult) ToolResult {
	var out ToolResult
	copied := false
	for _, key := range truncatedFields {
		s, ok := r.Payload[key].(string)
		if !ok {
			continue
		}
		short := t.String(toolName, s)
		if short == s {
			continue
		}
		if !copied {
			out = r.clone()
			copied = true
		}
		out.Payload[key] = short
	}
	if !copied {
		return r
	}
	return out
}
