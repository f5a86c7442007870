package node

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/convoflow-ai/convoflow/flow/budget"
	"github.com/convoflow-ai/convoflow/flow/progress"
	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/convoflow-ai/convoflow/flow/state"
)

func TestModelInvokeComplete(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Responses = []provider.Response{{
		Text:  "The refund window is thirty days.",
		Usage: provider.Usage{InputTokens: 120, OutputTokens: 18},
	}}

	runner := buildRunner(t, Def{ID: "invoke", Kind: KindModelInvoke, Config: map[string]any{
		"systemPrompt": "You answer policy questions.",
		"temperature":  0.2,
	}})
	st := freshState(t, state.Seed{UserPrompt: "what is the refund window"}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Delta[state.FieldModelResponse] != "The refund window is thirty days." {
		t.Errorf("modelResponse = %v", result.Delta[state.FieldModelResponse])
	}
	if result.Payload["model"] != "test.model" {
		t.Errorf("payload model = %v, want the capability id", result.Payload["model"])
	}
	if result.Payload["inputTokens"] != 120 || result.Payload["outputTokens"] != 18 {
		t.Errorf("payload usage = %v/%v", result.Payload["inputTokens"], result.Payload["outputTokens"])
	}

	last := env.mock.LastCall()
	if last.Model != "test-model-v1" {
		t.Errorf("request model = %q, want the API model id", last.Model)
	}
	if last.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", last.Temperature)
	}
	if last.Streaming {
		t.Error("expected a non-streaming call")
	}
	if len(last.Messages) == 0 || last.Messages[0].Role != provider.RoleSystem {
		t.Errorf("messages start with %+v, want the assembled system segment", last.Messages)
	}

	summary := env.rt.Ledger.Summarize()
	if summary.Calls != 1 || summary.InputTokens != 120 {
		t.Errorf("ledger = %+v, want the call recorded", summary)
	}
}

func TestModelInvokeStreamingEmitsChunks(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Responses = []provider.Response{{Text: "streamed answer text here"}}
	env.mock.ChunkSize = 8

	runner := buildRunner(t, Def{ID: "invoke", Kind: KindModelInvoke, Config: map[string]any{
		"streaming": true,
	}})
	st := freshState(t, state.Seed{UserPrompt: "hello"}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !env.mock.LastCall().Streaming {
		t.Fatal("expected a streaming call")
	}
	if result.Delta[state.FieldModelResponse] != "streamed answer text here" {
		t.Errorf("modelResponse = %v", result.Delta[state.FieldModelResponse])
	}

	var streamed []string
	for _, e := range env.sink.ForInvocation("user-1", "conv-1", "inv-1") {
		if e.Kind == progress.KindStreaming {
			text, _ := e.Payload["text"].(string)
			streamed = append(streamed, text)
		}
	}
	if len(streamed) == 0 {
		t.Fatal("no STREAMING events reached the sink")
	}
	if joined := strings.Join(streamed, ""); joined != "streamed answer text here" {
		t.Errorf("streamed text = %q", joined)
	}
}

func TestModelInvokeBudgetRefusalKeepsCode(t *testing.T) {
	env := newTestEnv(t)
	env.rt.Guard = budget.NewGuard(budget.Caps{TokenCap: 1}, nil)

	runner := buildRunner(t, Def{ID: "invoke", Kind: KindModelInvoke})
	st := freshState(t, state.Seed{UserPrompt: "a prompt comfortably past one token"}, nil)

	_, err := runner.Run(context.Background(), st, env.rt)
	if !budget.IsRefusal(err) {
		t.Fatalf("Run error = %v, want a budget refusal", err)
	}
	var be *budget.Error
	if !errors.As(err, &be) || be.Code != budget.CodeBudgetExceeded {
		t.Errorf("code = %v, want BUDGET_EXCEEDED to survive unwrapped", err)
	}
	if env.mock.CallCount() != 0 {
		t.Errorf("model called %d times after refusal, want 0", env.mock.CallCount())
	}
}

func TestModelInvokePerNodeOverrideLoosensCap(t *testing.T) {
	env := newTestEnv(t)
	env.rt.Guard = budget.NewGuard(budget.Caps{TokenCap: 1}, nil)
	env.mock.Responses = []provider.Response{{Text: "ok"}}

	runner := buildRunner(t, Def{ID: "invoke", Kind: KindModelInvoke, Config: map[string]any{
		"tokenCap": 100000,
	}})
	st := freshState(t, state.Seed{UserPrompt: "a prompt comfortably past one token"}, nil)

	if _, err := runner.Run(context.Background(), st, env.rt); err != nil {
		t.Fatalf("Run: %v, want the node-level token cap to apply", err)
	}
	if env.mock.CallCount() != 1 {
		t.Errorf("model called %d times, want 1", env.mock.CallCount())
	}
}

func TestModelInvokeRetriesTransientFailure(t *testing.T) {
	env := newTestEnv(t)
	env.rt.Retry = provider.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	env.mock.Errs = []error{provider.MarkTransient(errors.New("throttled")), nil}
	env.mock.Responses = []provider.Response{{Text: "second attempt"}}

	runner := buildRunner(t, Def{ID: "invoke", Kind: KindModelInvoke})
	st := freshState(t, state.Seed{UserPrompt: "hi"}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Delta[state.FieldModelResponse] != "second attempt" {
		t.Errorf("modelResponse = %v", result.Delta[state.FieldModelResponse])
	}
	if env.mock.CallCount() != 2 {
		t.Errorf("model called %d times, want 2", env.mock.CallCount())
	}
}

func TestModelInvokePermanentFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Err = errors.New("invalid request body")

	runner := buildRunner(t, Def{ID: "invoke", Kind: KindModelInvoke})
	st := freshState(t, state.Seed{UserPrompt: "hi"}, nil)

	_, err := runner.Run(context.Background(), st, env.rt)
	var nodeErr *Error
	if !errors.As(err, &nodeErr) {
		t.Fatalf("Run error = %v, want *node.Error", err)
	}
	if nodeErr.Code != CodeModelCallFailed {
		t.Errorf("code = %q, want %q", nodeErr.Code, CodeModelCallFailed)
	}
	if env.mock.CallCount() != 1 {
		t.Errorf("model called %d times, want no retry on a permanent failure", env.mock.CallCount())
	}
}

func TestModelInvokeUnknownModelFails(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, Def{ID: "invoke", Kind: KindModelInvoke, Config: map[string]any{
		"modelId": "no.such.model",
	}})
	st := freshState(t, state.Seed{UserPrompt: "hi"}, nil)

	_, err := runner.Run(context.Background(), st, env.rt)
	var nodeErr *Error
	if !errors.As(err, &nodeErr) || nodeErr.Code != CodeModelCallFailed {
		t.Errorf("Run error = %v, want MODEL_CALL_FAILED", err)
	}
}
