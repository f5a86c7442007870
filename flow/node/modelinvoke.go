package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/convoflow-ai/convoflow/flow/budget"
	"github.com/convoflow-ai/convoflow/flow/progress"
	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/convoflow-ai/convoflow/flow/registry"
	"github.com/convoflow-ai/convoflow/flow/state"
)

type modelInvokeConfig struct {
	ModelID      string   `json:"modelId,omitempty"`
	Streaming    bool     `json:"streaming,omitempty"`
	Temperature  float64  `json:"temperature,omitempty"`
	MaxTokens    int      `json:"maxTokens,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Inference    string   `json:"inference,omitempty"`
	CostCapUSD   *float64 `json:"costCapUsd,omitempty"`
	TokenCap     *int     `json:"tokenCap,omitempty"`

	// Prompt-engine knobs travel through currentNodeConfig; they are listed
	// here so eager validation accepts them.
	UseMemory    bool   `json:"useMemory,omitempty"`
	MemorySize   int    `json:"memorySize,omitempty"`
	OutputFormat string `json:"outputFormat,omitempty"`
	Tone         string `json:"tone,omitempty"`
	Style        string `json:"style,omitempty"`
}

// modelInvoke runs the central model call: capability resolution, prompt
// assembly, budget enforcement, provider invocation with bounded retries,
// and usage accounting.
type modelInvoke struct {
	id  string
	cfg modelInvokeConfig
}

func newModelInvoke(def Def) (Runner, error) {
	var cfg modelInvokeConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return nil, fmt.Errorf("temperature %v outside [0, 2]", cfg.Temperature)
	}
	if cfg.MaxTokens < 0 {
		return nil, fmt.Errorf("maxTokens must be non-negative")
	}
	switch cfg.Inference {
	case "", string(provider.InferenceOnDemand), string(provider.InferenceServerless):
	default:
		return nil, fmt.Errorf("unknown inference type %q", cfg.Inference)
	}
	return &modelInvoke{id: def.ID, cfg: cfg}, nil
}

func (n *modelInvoke) Kind() string { return KindModelInvoke }

func (n *modelInvoke) Run(ctx context.Context, view *state.State, rt *Runtime) (Result, error) {
	capability, err := resolveCapability(rt.Registry, n.cfg.ModelID)
	if err != nil {
		return Result{}, &Error{
			NodeID: n.id, Kind: n.Kind(),
			Code: CodeModelCallFailed, Message: "resolving model capability", Cause: err,
		}
	}

	messages, meta, err := rt.Prompts.Build(view, capability, n.cfg.SystemPrompt)
	if err != nil {
		return Result{}, &Error{
			NodeID: n.id, Kind: n.Kind(),
			Code: CodePromptBuildFailed, Message: "assembling prompt", Cause: err,
		}
	}

	overrides := n.overrides()
	if _, err := rt.Guard.Check(capability, messages, overrides); err != nil {
		// Budget refusals keep their own codes (BUDGET_EXCEEDED,
		// EMERGENCY_CAP_HIT) on the way to the ERROR event.
		var be *budget.Error
		if errors.As(err, &be) {
			return Result{}, err
		}
		return Result{}, &Error{
			NodeID: n.id, Kind: n.Kind(),
			Code: CodeModelCallFailed, Message: "budget check", Cause: err,
		}
	}

	client, apiModel, err := rt.Selector.Select(capability, provider.InferenceType(n.cfg.Inference))
	if err != nil {
		return Result{}, &Error{
			NodeID: n.id, Kind: n.Kind(),
			Code: CodeModelCallFailed, Message: "selecting provider client", Cause: err,
		}
	}

	req := provider.Request{
		Model:       apiModel,
		Messages:    messages,
		Temperature: n.cfg.Temperature,
		MaxTokens:   n.cfg.MaxTokens,
	}
	retrying := provider.NewRetrying(client, rt.Retry)

	var resp provider.Response
	if n.cfg.Streaming && capability.Supports(registry.FlagStreaming) {
		resp, err = retrying.Stream(ctx, req, func(chunk provider.Chunk) error {
			rt.Stream.Emit(ctx, n.id, progress.KindStreaming, map[string]any{
				"text":  chunk.Text,
				"index": chunk.Index,
			})
			return nil
		})
	} else {
		resp, err = retrying.Complete(ctx, req)
	}
	if err != nil {
		return Result{}, &Error{
			NodeID: n.id, Kind: n.Kind(),
			Code: CodeModelCallFailed, Message: "invoking model " + capability.ID, Cause: err,
		}
	}

	call := rt.Ledger.RecordUsage(capability, n.id, resp.Usage)

	return Result{
		Delta: state.Delta{state.FieldModelResponse: resp.Text},
		Payload: map[string]any{
			"model":         capability.ID,
			"inputTokens":   resp.Usage.InputTokens,
			"outputTokens":  resp.Usage.OutputTokens,
			"costUsd":       call.CostUSD,
			"promptTokens":  meta.TotalTokens,
			"promptVersion": meta.BasePromptVersion,
			"truncated":     meta.TruncationApplied,
		},
	}, nil
}

func (n *modelInvoke) overrides() *budget.Overrides {
	if n.cfg.CostCapUSD == nil && n.cfg.TokenCap == nil {
		return nil
	}
	return &budget.Overrides{
		RequestCostCapUSD: n.cfg.CostCapUSD,
		TokenCap:          n.cfg.TokenCap,
	}
}

// resolveCapability looks up the configured model id, falling back to the
// registry default.
func resolveCapability(reg *registry.Registry, modelID string) (registry.Capability, error) {
	if modelID != "" {
		return reg.Lookup(modelID)
	}
	return reg.Default()
}
