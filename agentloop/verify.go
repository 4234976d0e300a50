package agentloop

import (
	"fmt"
	"strings"
)

// DefaultVerificationCap bounds how many corrective turns a run may receive.
const DefaultVerificationCap = 3

// DefaultModificationKeywords signal that a request asks for files to be
// created or changed. Matching is by lower-cased substring.
var DefaultModificationKeywords = []string{
	"파일", "작성", "생성", "만들", "수정", "변경", "저장", "추가",
	"file", "create", "write", "make", "modify", "save", "add", "gen", "edit",
}

// Verdict is the outcome of one verification pass.
type Verdict struct {
	Intent    bool // the latest user request asks for a file change
	Wrote     bool // a mutating tool ran after that request
	Reenter   bool // append a corrective turn and analyze again
	Shortfall bool // intent unmet and the cap is exhausted
	Attempt   int  // corrective attempt number when Reenter is set
	Matched   string
}

// Passed reports whether the run may proceed to the report without a shortfall.
func (v Verdict) Passed() bool { return !v.Reenter && !v.Shortfall }

// VerificationGate checks that a request for file changes was acted on with
// a mutating tool before the run reports.
type VerificationGate struct {
	keywords   []string
	cap        int
	isMutating func(toolName string) bool
	writeTools []string
}

// NewVerificationGate creates a gate. Empty keywords fall back to
// DefaultModificationKeywords, non-positive limit to DefaultVerificationCap.
func NewVerificationGate(keywords []string, limit int, registry *ToolRegistry) *VerificationGate {
	if len(keywords) == 0 {
		keywords = DefaultModificationKeywords
	}
	if limit <= 0 {
		limit = DefaultVerificationCap
	}
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	g := &VerificationGate{keywords: lowered, cap: limit}
	if registry != nil {
		g.isMutating = registry.IsMutating
		g.writeTools = registry.WriteTools()
	} else {
		g.isMutating = func(name string) bool {
			for _, w := range DefaultWriteTools {
				if w == name {
					return true
				}
			}
			return false
		}
		g.writeTools = DefaultWriteTools
	}
	return g
}

// Cap returns the maximum number of corrective turns.
func (g *VerificationGate) Cap() int { return g.cap }

// Check evaluates state without modifying it. Any executed result of a
// mutating tool after the latest request counts as a write, whatever its
// status: the gate checks that an attempt was made, not that it succeeded.
// Results of calls that never ran do not count.
func (g *VerificationGate) Check(state *ConversationState) Verdict {
	idx, request, ok := state.LatestUserRequest()
	if !ok {
		return Verdict{}
	}

	var v Verdict
	lower := strings.ToLower(request)
	for _, k := range g.keywords {
		if strings.Contains(lower, k) {
			v.Intent = true
			v.Matched = k
			break
		}
	}
	if !v.Intent {
		return v
	}

	for _, r := range state.ToolResultsSince(idx) {
		if !r.NotExecuted && g.isMutating(r.ToolName) {
			v.Wrote = true
			return v
		}
	}

	if state.VerificationCount() < g.cap {
		v.Reenter = true
		v.Attempt = state.VerificationCount() + 1
		return v
	}
	v.Shortfall = true
	return v
}

// CorrectiveMessage is the instruction appended when a check fails.
func (g *VerificationGate) CorrectiveMessage(attempt int) string {
	return fmt.Sprintf(
		"[verification %d/%d] The user asked for a file to be created or changed, but no file-writing tool (%s) has been used yet. "+
			"Do not answer with text only: call a tool so the file is actually saved. "+
			"If you believe you already wrote it, check the history for the tool call.",
		attempt, g.cap, strings.Join(g.writeTools, ", "))
}
