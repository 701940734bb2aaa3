// Package history keeps conversation history per thread for the lifetime
// of the process.
package history

import (
	"sync"

	"github.com/QwavePune/aws-infra-agent-bot/internal/llm"
)

// Store maps thread ids to message sequences.
type Store struct {
	mu      sync.Mutex
	threads map[string][]llm.Message
	system  string
}

// NewStore creates a store that seeds new threads with systemPrompt.
func NewStore(systemPrompt string) *Store {
	return &Store{threads: make(map[string][]llm.Message), system: systemPrompt}
}

// BeginTurn records a user message on thread and returns a snapshot of the
// history to send to the model. A trailing user message that was never
// answered is replaced in place rather than duplicated.
func (s *Store) BeginTurn(thread, message string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.threads[thread]
	if len(h) == 0 && s.system != "" {
		h = append(h, llm.System(s.system))
	}
	if n := len(h); n > 0 && h[n-1].Role == llm.RoleUser {
		h[n-1].Content = message
	} else {
		h = append(h, llm.User(message))
	}
	s.threads[thread] = h
	return append([]llm.Message(nil), h...)
}

// Append adds messages to thread.
func (s *Store) Append(thread string, msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread] = append(s.threads[thread], msgs...)
}

// Get returns a copy of thread's history.
func (s *Store) Get(thread string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.threads[thread]...)
}

// Clear drops thread's history.
func (s *Store) Clear(thread string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, thread)
}

// Threads returns the number of known threads.
func (s *Store) Threads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}
