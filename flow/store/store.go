// Package store persists conversation snapshots and conversation memory.
//
// A snapshot is the serialized execution state written at suspension,
// completion, or failure; loading it is how a later invocation of the same
// conversation resumes. Conversation memory is the durable turn history the
// ConversationMemory node reads and the end-of-invocation commit hook
// appends to.
//
// Four implementations ship: MemStore for tests and examples, SQLiteStore
// for single-process deployments, MySQLStore and PostgresStore for shared
// databases.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/convoflow-ai/convoflow/flow/state"
)

// ErrNotFound is returned when a conversation has no snapshot.
var ErrNotFound = errors.New("not found")

// Snapshot statuses recorded alongside the state blob.
const (
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Snapshot is one persisted copy of execution state for a conversation.
// Conversations hold at most one snapshot; saving replaces the prior one.
type Snapshot struct {
	ConversationID string

	// WorkflowID names the workflow the conversation runs.
	WorkflowID string

	// NodeID is the node that was current when the snapshot was taken: the
	// suspended node on suspension, the failing node on failure, the
	// terminal node on completion.
	NodeID string

	// Status is one of the Status constants.
	Status string

	// State is the opaque blob produced by state.Snapshot.
	State []byte

	UpdatedAt time.Time
}

// TurnRecord is one persisted conversation turn.
type TurnRecord struct {
	ConversationID string
	Seq            int
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Store is the persistence contract the executor and nodes depend on.
type Store interface {
	// SaveSnapshot persists the snapshot, replacing any prior snapshot for
	// the conversation.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the current snapshot for a conversation, or
	// ErrNotFound when the conversation has none.
	LoadSnapshot(ctx context.Context, conversationID string) (Snapshot, error)

	// AppendTurns durably appends turns in order, assigning each the next
	// sequence number for the conversation.
	AppendTurns(ctx context.Context, conversationID string, turns []state.Turn) error

	// RecentTurns returns the last limit turns in temporal order. A limit
	// of zero or less returns all turns.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error)
}
