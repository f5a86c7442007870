package progress

import (
	"context"
	"sync"
)

// MemorySink keeps progress rows in memory, ordered per owner family. Used
// by tests and the runnable examples.
type MemorySink struct {
	mu   sync.RWMutex
	rows []Event

	// FailWrites, when non-nil, is consulted before each write; returning
	// an error injects a write failure (for retry tests).
	FailWrites func(event Event) error
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write implements Sink.
func (m *MemorySink) Write(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.FailWrites != nil {
		if err := m.FailWrites(event); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, event)
	return nil
}

// Events returns all rows in write order.
func (m *MemorySink) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.rows))
	copy(out, m.rows)
	return out
}

// ForOwner returns the rows visible to one owner for a conversation, in
// write order.
func (m *MemorySink) ForOwner(owner, conversationID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.rows {
		if e.Owner == owner && e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out
}

// ForInvocation returns one owner's rows for a single invocation.
func (m *MemorySink) ForInvocation(owner, conversationID, invocationID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.rows {
		if e.Owner == owner && e.ConversationID == conversationID && e.InvocationID == invocationID {
			out = append(out, e)
		}
	}
	return out
}

var _ Sink = (*MemorySink)(nil)
