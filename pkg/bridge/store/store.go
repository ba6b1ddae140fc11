// Package store holds per-call context between call preparation and the
// arrival of the telephony websocket for that call.
package store

import (
	"sync"

	"github.com/carelink/voicebridge/pkg/bridge/tools"
)

// CallContext is everything a relay session needs to configure the agent for
// one call.
type CallContext struct {
	CallID       string
	Instructions string
	Greeting     string
	ToolDefs     []tools.Definition
	Handlers     map[string]tools.Handler

	// Summary is a short human-readable line for logs, never spoken.
	Summary string
}

// Store is an in-memory map from call ID to pending call context. Entries
// are written at call preparation time and consumed exactly once when the
// matching websocket arrives. Entries for calls that never connect are not
// expired; restarting the process clears them.
type Store struct {
	mu      sync.Mutex
	pending map[string]CallContext
}

func New() *Store {
	return &Store{pending: make(map[string]CallContext)}
}

// Put inserts or overwrites the context for a call ID.
func (s *Store) Put(callCtx CallContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[callCtx.CallID] = callCtx
}

// Take retrieves and removes the context for a call ID. With concurrent
// websockets claiming the same ID, exactly one caller wins.
func (s *Store) Take(callID string) (CallContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	callCtx, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	return callCtx, ok
}

// Delete removes the context for a call ID if present.
func (s *Store) Delete(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, callID)
}

// Len reports the number of pending entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
