package agent

import (
	"strings"
	"sync"
	"time"
)

// EventType names a streamed run event.
type EventType string

const (
	RunStarted         EventType = "RUN_STARTED"
	TextMessageStart   EventType = "TEXT_MESSAGE_START"
	TextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	TextMessageEnd     EventType = "TEXT_MESSAGE_END"
	ToolResult         EventType = "TOOL_RESULT"
	ToolBlocked        EventType = "TOOL_BLOCKED"
	ApprovalQueued     EventType = "APPROVAL_QUEUED"
	RunFinished        EventType = "RUN_FINISHED"
	RunError           EventType = "RUN_ERROR"
)

// Event is one frame of a run's stream.
type Event struct {
	Type       EventType      `json:"type"`
	RunID      string         `json:"runId,omitempty"`
	ThreadID   string         `json:"threadId,omitempty"`
	MessageID  string         `json:"messageId,omitempty"`
	Role       string         `json:"role,omitempty"`
	Delta      string         `json:"delta,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	Message    string         `json:"message,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// Emitter receives events as the run produces them.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Collector buffers events in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Events returns a copy of the buffered events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Types returns the buffered event types in order.
func (c *Collector) Types() []EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

// Text concatenates the TEXT_MESSAGE_CONTENT deltas.
func (c *Collector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, e := range c.events {
		if e.Type == TextMessageContent {
			b.WriteString(e.Delta)
		}
	}
	return b.String()
}

func nowMillis(t time.Time) int64 { return t.UnixMilli() }
