package llm

import (
	"context"
	"sync"
)

// Scripted replays queued responses in order. Once the queue is drained it
// answers with a fixed assistant message.
type Scripted struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     [][]Message
	tools     [][]ToolDefinition
}

type scriptedResponse struct {
	msg Message
	err error
}

// NewScripted returns an empty script.
func NewScripted() *Scripted { return &Scripted{} }

// Reply queues an assistant text answer.
func (s *Scripted) Reply(text string) *Scripted {
	return s.push(Assistant(text), nil)
}

// CallTools queues an assistant turn requesting calls built with Call.
func (s *Scripted) CallTools(calls ...WireToolCall) *Scripted {
	return s.push(Message{Role: RoleAssistant, ToolCalls: calls}, nil)
}

// Respond queues an arbitrary message.
func (s *Scripted) Respond(m Message) *Scripted {
	return s.push(m, nil)
}

// Fail queues an error.
func (s *Scripted) Fail(err error) *Scripted {
	return s.push(Message{}, err)
}

func (s *Scripted) push(m Message, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, scriptedResponse{msg: m, err: err})
	return s
}

// Invoke pops the next scripted response.
func (s *Scripted) Invoke(ctx context.Context, history []Message, tools []ToolDefinition) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]Message(nil), history...))
	s.tools = append(s.tools, tools)
	if len(s.responses) == 0 {
		return Assistant("Done."), nil
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	if next.err != nil {
		return Message{}, next.err
	}
	return next.msg, nil
}

// Calls returns the history passed to every Invoke so far.
func (s *Scripted) Calls() [][]Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Message(nil), s.calls...)
}

// ToolsOffered returns the tool definitions passed to the nth Invoke.
func (s *Scripted) ToolsOffered(n int) []ToolDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n >= len(s.tools) {
		return nil
	}
	return s.tools[n]
}

// Call builds a WireToolCall with JSON-encoded arguments.
func Call(id, name string, args map[string]any) WireToolCall {
	return WireToolCall{ID: id, Type: "function", Function: FunctionCall{Name: name, Arguments: EncodeArguments(args)}}
}
