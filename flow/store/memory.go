package store

import (
	"context"
	"sync"
	"time"

	"github.com/convoflow-ai/convoflow/flow/state"
)

// MemStore is an in-memory Store for tests, examples, and single-shot tools.
// Safe for concurrent use.
type MemStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
	turns     map[string][]TurnRecord
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		snapshots: make(map[string]Snapshot),
		turns:     make(map[string][]TurnRecord),
	}
}

// SaveSnapshot implements Store.
func (m *MemStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	// Copy the blob so later caller mutations cannot corrupt the stored copy.
	blob := make([]byte, len(snap.State))
	copy(blob, snap.State)
	snap.State = blob

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.ConversationID] = snap
	return nil
}

// LoadSnapshot implements Store.
func (m *MemStore) LoadSnapshot(ctx context.Context, conversationID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[conversationID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	blob := make([]byte, len(snap.State))
	copy(blob, snap.State)
	snap.State = blob
	return snap, nil
}

// AppendTurns implements Store.
func (m *MemStore) AppendTurns(ctx context.Context, conversationID string, turns []state.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := len(m.turns[conversationID])
	now := time.Now()
	for _, t := range turns {
		seq++
		m.turns[conversationID] = append(m.turns[conversationID], TurnRecord{
			ConversationID: conversationID,
			Seq:            seq,
			Role:           t.Role,
			Content:        t.Content,
			CreatedAt:      now,
		})
	}
	return nil
}

// RecentTurns implements Store.
func (m *MemStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.turns[conversationID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]TurnRecord, len(all)-start)
	copy(out, all[start:])
	return out, nil
}

var _ Store = (*MemStore)(nil)
