// Package flow implements the graph executor: workflow compilation and
// validation, the sequential step loop with suspension and resumption, and
// the invocation surface the transport calls.
//
// One invocation runs exactly one path through the workflow graph. The
// executor owns the state for the duration of the invocation, merges node
// deltas through the schema reducers, emits progress events through the
// bound stream, and persists a snapshot on every exit path so the
// conversation can always resume.
package flow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/convoflow-ai/convoflow/flow/budget"
	"github.com/convoflow-ai/convoflow/flow/node"
	"github.com/convoflow-ai/convoflow/flow/progress"
	"github.com/convoflow-ai/convoflow/flow/prompt"
	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/convoflow-ai/convoflow/flow/registry"
	"github.com/convoflow-ai/convoflow/flow/state"
	"github.com/convoflow-ai/convoflow/flow/store"
	"github.com/convoflow-ai/convoflow/flow/vector"
)

// Services are the process-wide collaborators an Engine drives. All fields
// are required except Index and Embedder, which only vector nodes touch.
type Services struct {
	Models   *registry.Registry
	Selector *provider.Selector
	Guard    *budget.Guard
	Prompts  *prompt.Engine
	Store    store.Store
	Progress *progress.Channel
	Index    vector.Index
	Embedder vector.Embedder
}

// Request is one invocation from the transport.
type Request struct {
	WorkflowID         string
	UserID             string
	ConversationID     string
	UserPrompt         string
	AllowedDocumentIDs []string

	// Input is an optional structured payload for {{input}} interpolation.
	Input map[string]any
}

// Invocation statuses reported on Result.
const (
	StatusCompleted = "completed"
	StatusSuspended = "suspended"
	StatusFailed    = "failed"
)

// Result summarizes one invocation. State is a clone of the final merged
// state; Usage totals every model call the invocation made.
type Result struct {
	Status       string
	InvocationID string
	State        *state.State
	Usage        budget.Summary
}

// Engine executes compiled workflows. Safe for concurrent use across
// conversations; the transport serializes invocations of one conversation.
type Engine struct {
	services Services
	schema   *state.Schema
	logger   zerolog.Logger
	metrics  *Metrics
	stepCap  int
	timeout  time.Duration
	retry    provider.RetryPolicy
}

// NewEngine builds an Engine over the given services.
func NewEngine(services Services, opts ...Option) *Engine {
	e := &Engine{
		services: services,
		schema:   state.DefaultSchema(),
		logger:   zerolog.Nop(),
		stepCap:  DefaultStepCap,
		retry:    provider.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one invocation of a compiled workflow: fresh when the
// conversation has no snapshot, resuming at the suspended node otherwise.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, req Request) (Result, error) {
	if wf == nil {
		return Result{Status: StatusFailed}, &EngineError{Code: CodeWorkflowInvalid, Message: "nil workflow"}
	}
	if req.ConversationID == "" || req.UserID == "" {
		return Result{Status: StatusFailed}, &EngineError{
			Code: CodeWorkflowInvalid, Message: "request needs conversationId and userId",
		}
	}
	for _, id := range wf.Unreachable {
		e.logger.Warn().Str("workflow", wf.ID()).Str("node", id).Msg("node unreachable from entry point")
	}

	invocationID := uuid.NewString()
	st, current, err := e.hydrate(ctx, wf, req)
	if err != nil {
		return Result{Status: StatusFailed, InvocationID: invocationID}, err
	}

	// ownersFn re-reads the latest merged state on every emit, so a node
	// that widens ownersForProgress changes visibility mid-invocation.
	latest := st
	stream := e.services.Progress.Bind(req.ConversationID, invocationID, req.UserID, func() []string {
		return latest.StringSlice(state.FieldOwnersForProgress)
	})
	defer stream.Close()

	rt := &node.Runtime{
		WorkflowID:     wf.ID(),
		ConversationID: req.ConversationID,
		InvocationID:   invocationID,
		UserID:         req.UserID,
		Registry:       e.services.Models,
		Selector:       e.services.Selector,
		Guard:          e.services.Guard,
		Ledger:         budget.NewLedger(),
		Prompts:        e.services.Prompts,
		Index:          e.services.Index,
		Embedder:       e.services.Embedder,
		Store:          e.services.Store,
		Stream:         stream,
		Logger:         e.logger,
		Retry:          e.retry,
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	fail := func(nodeID string, cause error) (Result, error) {
		code := CodeOf(cause)
		if budget.IsRefusal(cause) {
			e.metrics.observeBudgetRefusal(wf.ID(), code)
		}
		// The ERROR event must land even when the invocation context is the
		// thing that failed.
		emitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stream.Emit(emitCtx, nodeID, progress.KindError, map[string]any{
			"code":    code,
			"message": cause.Error(),
		})
		e.persist(latest, req, wf, nodeID, store.StatusFailed)
		e.metrics.observeInvocation(wf.ID(), StatusFailed)
		return Result{
			Status:       StatusFailed,
			InvocationID: invocationID,
			State:        latest.Clone(),
			Usage:        rt.Ledger.Summarize(),
		}, cause
	}

	for step := 1; ; step++ {
		if step > e.stepCap {
			return fail(current, &EngineError{
				Code: CodeStepLimitExceeded, Message: "workflow exceeded the step cap",
			})
		}
		if err := ctx.Err(); err != nil {
			return fail(current, err)
		}

		runner, ok := wf.runner(current)
		if !ok {
			return fail(current, &EngineError{
				Code: CodeNodeNotFound, Message: "node not found during execution: " + current,
			})
		}
		kind := runner.Kind()

		latest, err = latest.Merge(state.Delta{
			state.FieldCurrentNodeID:     current,
			state.FieldCurrentNodeType:   kind,
			state.FieldCurrentNodeConfig: wf.configOf(current),
		})
		if err != nil {
			return fail(current, err)
		}

		stream.Emit(ctx, current, progress.KindStarted, nil)

		started := time.Now()
		result, runErr := runner.Run(ctx, latest, rt)
		if runErr != nil {
			e.metrics.observeStep(wf.ID(), kind, "error", time.Since(started))
			// Prefer the deadline over whatever the cancelled call returned.
			if ctxErr := ctx.Err(); ctxErr != nil {
				runErr = ctxErr
			}
			return fail(current, runErr)
		}
		e.metrics.observeStep(wf.ID(), kind, "success", time.Since(started))

		latest, err = latest.Merge(result.Delta)
		if err != nil {
			return fail(current, err)
		}

		if latest.Bool(state.FieldNeedsUserInput) {
			stream.Emit(ctx, current, progress.KindAwaitingInput, map[string]any{
				"awaitingInputFor": latest.String(state.FieldAwaitingInput),
				"prompt":           latest.String(state.FieldAwaitingPrompt),
			})
			e.persist(latest, req, wf, current, store.StatusSuspended)
			e.metrics.observeSuspension(wf.ID())
			e.metrics.observeInvocation(wf.ID(), StatusSuspended)
			return Result{
				Status:       StatusSuspended,
				InvocationID: invocationID,
				State:        latest.Clone(),
				Usage:        rt.Ledger.Summarize(),
			}, nil
		}

		stream.Emit(ctx, current, progress.KindCompleted, result.Payload)

		next, terminal, routeErr := e.advance(wf, &latest, current, kind)
		if routeErr != nil {
			return fail(current, routeErr)
		}
		if terminal {
			e.commit(ctx, rt, latest)
			e.persist(latest, req, wf, current, store.StatusCompleted)
			summary := rt.Ledger.Summarize()
			e.metrics.observeUsage(wf.ID(), summary.InputTokens, summary.OutputTokens, summary.CostUSD)
			e.metrics.observeInvocation(wf.ID(), StatusCompleted)
			return Result{
				Status:       StatusCompleted,
				InvocationID: invocationID,
				State:        latest.Clone(),
				Usage:        summary,
			}, nil
		}

		current = next
	}
}

// hydrate loads the conversation's snapshot when one exists and prepares it
// for re-entry, or seeds a fresh state at the entry point.
func (e *Engine) hydrate(ctx context.Context, wf *Workflow, req Request) (*state.State, string, error) {
	snap, err := e.services.Store.LoadSnapshot(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		st := state.Fresh(e.schema, state.Seed{
			UserID:             req.UserID,
			WorkflowID:         req.WorkflowID,
			ConversationID:     req.ConversationID,
			UserPrompt:         req.UserPrompt,
			AllowedDocumentIDs: req.AllowedDocumentIDs,
			Input:              req.Input,
		})
		return st, wf.EntryPoint(), nil
	}
	if err != nil {
		return nil, "", &EngineError{Code: CodeStoreError, Message: "loading snapshot", Cause: err}
	}

	st, err := state.Load(e.schema, snap.State)
	if err != nil {
		return nil, "", &EngineError{Code: CodeStoreError, Message: "decoding snapshot", Cause: err}
	}

	delta := state.Delta{
		state.FieldUserPrompt:     req.UserPrompt,
		state.FieldNeedsUserInput: false,
		state.FieldAwaitingInput:  "",
		state.FieldAwaitingPrompt: "",
	}
	if req.UserPrompt != "" {
		delta[state.FieldInputCursor] = st.Int(state.FieldInputCursor) + 1
	}
	if req.Input != nil {
		delta[state.FieldInput] = req.Input
	}
	if req.AllowedDocumentIDs != nil {
		delta[state.FieldAllowedDocumentIDs] = req.AllowedDocumentIDs
	}
	st, err = st.Merge(delta)
	if err != nil {
		return nil, "", err
	}

	// Only suspended conversations re-enter at the saved node. A completed
	// or failed snapshot starts the next turn from the entry point; its
	// NodeID records where the last invocation ended, not where this one
	// should begin.
	current := wf.EntryPoint()
	if snap.Status == store.StatusSuspended && snap.NodeID != "" {
		current = snap.NodeID
	}
	if _, ok := wf.runner(current); !ok {
		return nil, "", &EngineError{
			Code: CodeNodeNotFound, Message: "snapshot references unknown node " + current,
		}
	}
	return st, current, nil
}

// advance resolves the next node after a completed step. Precedence:
// explicit nextNode, then the route a Router just chose, then the unique
// outgoing edge. Consumed control fields are cleared in place.
func (e *Engine) advance(wf *Workflow, st **state.State, current, kind string) (string, bool, error) {
	if node.Terminal(kind) {
		return "", true, nil
	}

	clear := func(fields ...string) error {
		delta := state.Delta{}
		for _, f := range fields {
			delta[f] = ""
		}
		next, err := (*st).Merge(delta)
		if err != nil {
			return err
		}
		*st = next
		return nil
	}

	if next := (*st).String(state.FieldNextNode); next != "" {
		if err := clear(state.FieldNextNode, state.FieldRouteChosen); err != nil {
			return "", false, err
		}
		if _, ok := wf.runner(next); !ok {
			return "", false, &EngineError{
				Code: CodeNodeNotFound, Message: "nextNode references unknown node " + next,
			}
		}
		return next, false, nil
	}

	if kind == node.KindRouter {
		if next := (*st).String(state.FieldRouteChosen); next != "" {
			if err := clear(state.FieldRouteChosen); err != nil {
				return "", false, err
			}
			return next, false, nil
		}
	}

	successors := wf.successors(current)
	switch len(successors) {
	case 0:
		// No static successor and nothing routed: the path ends here.
		return "", true, nil
	case 1:
		return successors[0], false, nil
	default:
		return "", false, &EngineError{
			Code: CodeNoRoute, Message: "ambiguous successors from node " + current,
		}
	}
}

// commit runs the registered end-of-invocation hooks with the final state.
// Hook failures are logged and never fail the invocation.
func (e *Engine) commit(ctx context.Context, rt *node.Runtime, final *state.State) {
	for _, hook := range rt.CommitHooks() {
		if err := hook(ctx, final); err != nil {
			e.logger.Error().Err(err).
				Str("conversation", rt.ConversationID).
				Str("invocation", rt.InvocationID).
				Msg("commit hook failed")
		}
	}
}

// persist writes the durable snapshot for this conversation. Every exit path
// calls it; a persistence failure is logged, not propagated, because the
// invocation outcome is already decided.
func (e *Engine) persist(st *state.State, req Request, wf *Workflow, nodeID, status string) {
	blob, err := st.Snapshot()
	if err != nil {
		e.logger.Error().Err(err).Str("conversation", req.ConversationID).Msg("snapshot serialization failed")
		return
	}
	// Persistence must survive a cancelled invocation context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.services.Store.SaveSnapshot(ctx, store.Snapshot{
		ConversationID: req.ConversationID,
		WorkflowID:     wf.ID(),
		NodeID:         nodeID,
		Status:         status,
		State:          blob,
	}); err != nil {
		e.logger.Error().Err(err).Str("conversation", req.ConversationID).Msg("snapshot persistence failed")
	}
}
