// Package progress implements the progress channel: ordered, durable event
// emission that lets clients observe a running invocation without holding a
// connection open.
//
// Every event is assigned a per-(conversation, invocation) sequence number
// and written once per owner to the configured Sink. Owners are the
// identities entitled to observe the conversation; the dual-write is the
// multi-tenant visibility mechanism, not a pub-sub broker. Sinks persist
// rows; Observers (log, OTel) mirror events best-effort for diagnostics.
package progress

import (
	"context"
	"time"
)

// Kind classifies a progress event.
type Kind string

const (
	KindStarted       Kind = "STARTED"
	KindStreaming     Kind = "STREAMING"
	KindAwaitingInput Kind = "AWAITING_INPUT"
	KindCompleted     Kind = "COMPLETED"
	KindError         Kind = "ERROR"
)

// Event is one progress row. The channel writes one copy per owner; Seq is
// shared across the owner copies of the same logical event.
type Event struct {
	ConversationID string         `json:"conversationId"`
	InvocationID   string         `json:"invocationId"`
	Seq            int            `json:"seq"`
	Owner          string         `json:"owner"`
	NodeID         string         `json:"nodeId"`
	Kind           Kind           `json:"kind"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Sink persists progress rows. Writes for one (owner, conversation,
// invocation) family arrive in seq order; implementations may batch but must
// not reorder within a family.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Observer mirrors events for diagnostics. Observers see each logical event
// once (not once per owner), after seq assignment. They must not block and
// must not fail the emit.
type Observer interface {
	Observe(event Event)
}
