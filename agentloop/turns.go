package agentloop

import (
	"encoding/json"
	"time"

	"github.com/martinemde/taskpilot/unifiedllm"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnUser       TurnKind = "user"
	TurnAssistant  TurnKind = "assistant"
	TurnToolResult TurnKind = "tool_result"
	TurnSystem     TurnKind = "system"
	// TurnCorrective is appended by the verification gate. It is sent to the
	// model as user text but never counts as a user request.
	TurnCorrective TurnKind = "corrective"
)

// Turn is a single entry in the conversation history.
type Turn struct {
	Kind       TurnKind        `json:"kind"`
	Timestamp  time.Time       `json:"timestamp"`
	User       *UserTurn       `json:"user,omitempty"`
	Assistant  *AssistantTurn  `json:"assistant,omitempty"`
	ToolResult *ToolResultTurn `json:"tool_result,omitempty"`
	System     *SystemTurn     `json:"system,omitempty"`
	Corrective *CorrectiveTurn `json:"corrective,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string `json:"content"`
}

// AssistantTurn holds the model's response.
type AssistantTurn struct {
	Content    string                `json:"content"`
	ToolCalls  []unifiedllm.ToolCall `json:"tool_calls,omitempty"`
	Usage      unifiedllm.Usage      `json:"usage"`
	ResponseID string                `json:"response_id,omitempty"`
}

// ToolResultTurn holds the result for one tool request.
type ToolResultTurn struct {
	CallID   string     `json:"call_id"`
	ToolName string     `json:"tool_name"`
	Result   ToolResult `json:"result"`
	// NotExecuted marks a result recorded for a call that was never run.
	NotExecuted bool `json:"not_executed,omitempty"`
}

// SystemTurn holds a system message.
type SystemTurn struct {
	Content string `json:"content"`
}

// CorrectiveTurn holds a verification gate instruction.
type CorrectiveTurn struct {
	Content string `json:"content"`
	Attempt int    `json:"attempt"`
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{
		Kind:      TurnUser,
		Timestamp: time.Now(),
		User:      &UserTurn{Content: content},
	}
}

// NewAssistantTurn creates a Turn wrapping an assistant response.
func NewAssistantTurn(content string, toolCalls []unifiedllm.ToolCall, usage unifiedllm.Usage, responseID string) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantTurn{
			Content:    content,
			ToolCalls:  toolCalls,
			Usage:      usage,
			ResponseID: responseID,
		},
	}
}

// NewToolResultTurn creates a Turn wrapping the result of one tool request.
func NewToolResultTurn(callID, toolName string, result ToolResult) Turn {
	return Turn{
		Kind:       TurnToolResult,
		Timestamp:  time.Now(),
		ToolResult: &ToolResultTurn{CallID: callID, ToolName: toolName, Result: result},
	}
}

// NewSkippedToolResultTurn records reason as the result of a call that was
// not run.
func NewSkippedToolResultTurn(callID, toolName, reason string) Turn {
	t := NewToolResultTurn(callID, toolName, ErrorResult("%s", reason))
	t.ToolResult.NotExecuted = true
	return t
}

// NewSystemTurn creates a Turn wrapping a system message.
func NewSystemTurn(content string) Turn {
	return Turn{
		Kind:      TurnSystem,
		Timestamp: time.Now(),
		System:    &SystemTurn{Content: content},
	}
}

// NewCorrectiveTurn creates a Turn wrapping a verification gate instruction.
func NewCorrectiveTurn(content string, attempt int) Turn {
	return Turn{
		Kind:       TurnCorrective,
		Timestamp:  time.Now(),
		Corrective: &CorrectiveTurn{Content: content, Attempt: attempt},
	}
}

// TextContent returns the text content of a turn regardless of its kind.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			return t.User.Content
		}
	case TurnAssistant:
		if t.Assistant != nil {
			return t.Assistant.Content
		}
	case TurnSystem:
		if t.System != nil {
			return t.System.Content
		}
	case TurnCorrective:
		if t.Corrective != nil {
			return t.Corrective.Content
		}
	}
	return ""
}

// ToolCalls returns the tool requests of an assistant turn.
func (t Turn) ToolCalls() []unifiedllm.ToolCall {
	if t.Kind == TurnAssistant && t.Assistant != nil {
		return t.Assistant.ToolCalls
	}
	return nil
}

// clone returns a deep copy of t. Turns are values but hold pointers, so
// snapshots must not share them with the live log.
func (t Turn) clone() Turn {
	out := t
	switch {
	case t.User != nil:
		u := *t.User
		out.User = &u
	case t.Assistant != nil:
		a := *t.Assistant
		if t.Assistant.ToolCalls != nil {
			a.ToolCalls = make([]unifiedllm.ToolCall, len(t.Assistant.ToolCalls))
			for i, tc := range t.Assistant.ToolCalls {
				tc.Arguments = append(json.RawMessage(nil), tc.Arguments...)
				a.ToolCalls[i] = tc
			}
		}
		out.Assistant = &a
	case t.ToolResult != nil:
		r := *t.ToolResult
		r.Result = t.ToolResult.Result.clone()
		out.ToolResult = &r
	case t.System != nil:
		s := *t.System
		out.System = &s
	case t.Corrective != nil:
		c := *t.Corrective
		out.Corrective = &c
	}
	return out
}

// ConvertHistoryToMessages converts the turn-based history into LLM
// messages. Tool payload strings are passed through truncate first when it
// is non-nil.
func ConvertHistoryToMessages(history []Turn, truncate func(toolName string, r ToolResult) ToolResult) []unifiedllm.Message {
	var messages []unifiedllm.Message
	for _, turn := range history {
		switch turn.Kind {
		case TurnUser:
			if turn.User != nil {
				messages = append(messages, unifiedllm.UserMessage(turn.User.Content))
			}
		case TurnAssistant:
			if turn.Assistant != nil {
				messages = append(messages, unifiedllm.AssistantMessage(turn.Assistant.Content, turn.Assistant.ToolCalls...))
			}
		case TurnToolResult:
			if turn.ToolResult != nil {
				result := turn.ToolResult.Result
				if truncate != nil {
					result = truncate(turn.ToolResult.ToolName, result)
				}
				body, err := json.Marshal(result)
				if err != nil {
					body, _ = json.Marshal(ErrorResult("unserializable tool result: %v", err))
				}
				messages = append(messages, unifiedllm.ToolResultMessage(
					turn.ToolResult.CallID, turn.ToolResult.ToolName, body, result.Status == StatusError))
			}
		case TurnSystem:
			if turn.System != nil {
				messages = append(messages, unifiedllm.SystemMessage(turn.System.Content))
			}
		case TurnCorrective:
			// Sent as user text so every provider accepts it mid-conversation.
			if turn.Corrective != nil {
				messages = append(messages, unifiedllm.UserMessage(turn.Corrective.Content))
			}
		}
	}
	return messages
}
