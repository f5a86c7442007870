package flow

import (
	"context"
	"errors"

	"github.com/convoflow-ai/convoflow/flow/budget"
	"github.com/convoflow-ai/convoflow/flow/node"
	"github.com/convoflow-ai/convoflow/flow/registry"
	"github.com/convoflow-ai/convoflow/flow/state"
)

// Stable engine error codes. Node-level and budget-level codes keep their own
// namespaces (node.Error, budget.Error); CodeOf maps any of them to the code
// surfaced on the ERROR progress event.
const (
	CodeWorkflowInvalid   = "WORKFLOW_INVALID"
	CodeNodeNotFound      = "NODE_NOT_FOUND"
	CodeNoRoute           = "NO_ROUTE"
	CodeStepLimitExceeded = "STEP_LIMIT_EXCEEDED"
	CodeTimeout           = "TIMEOUT"
	CodeCancelled         = "CANCELLED"
	CodeStoreError        = "STORE_ERROR"
	CodeInternal          = "INTERNAL"
)

// EngineError is a validation or execution fault raised by the executor
// itself, as opposed to a node or budget failure.
type EngineError struct {
	Code    string
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Cause }

// CodeOf maps any error from an invocation to its stable code.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}

	var ee *EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		return ee.Code
	}
	var be *budget.Error
	if errors.As(err, &be) {
		return be.Code
	}
	var ne *node.Error
	if errors.As(err, &ne) && ne.Code != "" {
		return ne.Code
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, registry.ErrUnknownModel):
		return "MODEL_NOT_FOUND"
	case errors.Is(err, state.ErrUnknownField):
		return CodeWorkflowInvalid
	}
	return CodeInternal
}
