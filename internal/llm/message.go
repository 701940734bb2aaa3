// Package llm is the boundary to the chat-completion provider. It defines
// the message shapes kept in conversation history, normalizes the two
// tool-call encodings providers use, and ships an OpenAI-compatible client
// plus a scripted client for tests.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
)

// Role is the author of a history message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FunctionCall is a function invocation in wire form; Arguments is a JSON
// document encoded as a string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// WireToolCall is one entry of a message's tool_calls list.
type WireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Set on assistant turns that request tools.
	ToolCalls []WireToolCall `json:"tool_calls,omitempty"`
	// Legacy single-call encoding.
	FunctionCall *FunctionCall `json:"function_call,omitempty"`

	// Set on tool turns.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant builds a plain assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ToolResult builds the tool message answering callID. The result is
// serialized as JSON content.
func ToolResult(callID, name string, result map[string]any) Message {
	data, err := json.Marshal(result)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
	}
	return Message{Role: RoleTool, Content: string(data), ToolCallID: callID, Name: name}
}

// HasToolCalls reports whether the message requests any tool.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0 || (m.FunctionCall != nil && m.FunctionCall.Name != "")
}

// ToolDefinition advertises a callable tool to the provider.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ExtractToolCalls normalizes the tool_calls list, or a legacy
// function_call when the list is empty, into core.ToolCall values. Calls
// without an id get one derived from now and the loop turn, call_MMSS_tN
// (plus _i for a tool_calls entry), so ids stay unique within a run.
// Arguments that are not a JSON object decode to an empty map.
func ExtractToolCalls(m Message, now time.Time, turn int) []core.ToolCall {
	prefix := fmt.Sprintf("call_%s_t%d", now.Format("0405"), turn)
	if len(m.ToolCalls) > 0 {
		out := make([]core.ToolCall, 0, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			if strings.TrimSpace(tc.Function.Name) == "" {
				continue
			}
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("%s_%d", prefix, i)
			}
			out = append(out, core.ToolCall{
				Name:      tc.Function.Name,
				Arguments: decodeArguments(tc.Function.Arguments),
				CallID:    id,
			})
		}
		return out
	}
	if m.FunctionCall == nil || strings.TrimSpace(m.FunctionCall.Name) == "" {
		return nil
	}
	return []core.ToolCall{{
		Name:      m.FunctionCall.Name,
		Arguments: decodeArguments(m.FunctionCall.Arguments),
		CallID:    prefix,
	}}
}

func decodeArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// EncodeArguments renders arguments in wire form.
func EncodeArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
