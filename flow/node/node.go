// Package node implements the workflow node library: the Runner contract the
// executor drives, the factory registry that builds runners from workflow
// definitions, and the nine built-in node kinds.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/convoflow-ai/convoflow/flow/budget"
	"github.com/convoflow-ai/convoflow/flow/progress"
	"github.com/convoflow-ai/convoflow/flow/prompt"
	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/convoflow-ai/convoflow/flow/registry"
	"github.com/convoflow-ai/convoflow/flow/state"
	"github.com/convoflow-ai/convoflow/flow/store"
	"github.com/convoflow-ai/convoflow/flow/vector"
)

// Node kinds recognized by the factory registry.
const (
	KindConversationMemory = "ConversationMemory"
	KindIntentClassifier   = "IntentClassifier"
	KindRouter             = "Router"
	KindSlotTracker        = "SlotTracker"
	KindVectorSearch       = "VectorSearch"
	KindVectorWrite        = "VectorWrite"
	KindModelInvoke        = "ModelInvoke"
	KindFormat             = "Format"
	KindStreamToClient     = "StreamToClient"
)

// Error codes surfaced on ERROR progress events.
const (
	CodeModelCallFailed   = "MODEL_CALL_FAILED"
	CodeFormatFailed      = "FORMAT_FAILED"
	CodePromptBuildFailed = "PROMPT_BUILD_FAILED"
)

// Error is a typed node failure carrying enough identity for the executor's
// ERROR progress event.
type Error struct {
	NodeID  string
	Kind    string
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("node %s (%s) %s: %s: %v", e.NodeID, e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("node %s (%s) %s: %s", e.NodeID, e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Def is one node entry from a workflow definition. The wire name for Kind
// is "type", matching stored workflow documents.
type Def struct {
	ID     string         `json:"id"`
	Kind   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Result is what a node hands back to the executor. Delta is merged into
// state through the schema's reducers; Payload rides on the node's COMPLETED
// progress event.
type Result struct {
	Delta   state.Delta
	Payload map[string]any
}

// CommitHook runs after terminal completion with the final merged state.
// Hook errors are logged by the engine and never fail the invocation.
type CommitHook func(ctx context.Context, final *state.State) error

// Runtime carries the invocation-scoped services a node may use. The
// executor builds one Runtime per invocation and shares it across steps.
type Runtime struct {
	WorkflowID     string
	ConversationID string
	InvocationID   string
	UserID         string

	Registry *registry.Registry
	Selector *provider.Selector
	Guard    *budget.Guard
	Ledger   *budget.Ledger
	Prompts  *prompt.Engine
	Index    vector.Index
	Embedder vector.Embedder
	Store    store.Store
	Stream   *progress.Stream
	Logger   zerolog.Logger

	// Retry governs transient-failure retries around model calls.
	Retry provider.RetryPolicy

	mu      sync.Mutex
	commits []CommitHook
}

// OnCommit registers a hook to run after terminal completion, in
// registration order.
func (rt *Runtime) OnCommit(hook CommitHook) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.commits = append(rt.commits, hook)
}

// CommitHooks returns the registered hooks in registration order.
func (rt *Runtime) CommitHooks() []CommitHook {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]CommitHook(nil), rt.commits...)
}

// Runner is the contract every node kind implements. Run must not mutate
// view; it returns only the fields it wants changed.
type Runner interface {
	// Kind returns the node kind name.
	Kind() string

	// Run executes one step against the current state.
	Run(ctx context.Context, view *state.State, rt *Runtime) (Result, error)
}

// Terminal reports whether a node kind ends the step loop by itself.
func Terminal(kind string) bool {
	return kind == KindStreamToClient
}
