package node

import (
	"context"
	"errors"
	"testing"

	"github.com/convoflow-ai/convoflow/flow/state"
	"github.com/convoflow-ai/convoflow/flow/store"
)

func buildRunner(t *testing.T, def Def) Runner {
	t.Helper()
	runner, err := NewRegistry().Build(def)
	if err != nil {
		t.Fatalf("build %s: %v", def.Kind, err)
	}
	return runner
}

func TestConversationMemoryLoadsRecentTurns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := []state.Turn{
		{Role: state.RoleUser, Content: "hello"},
		{Role: state.RoleAssistant, Content: "hi there"},
		{Role: state.RoleUser, Content: "what can you do"},
	}
	if err := env.store.AppendTurns(ctx, "conv-1", seed); err != nil {
		t.Fatalf("seed turns: %v", err)
	}

	runner := buildRunner(t, Def{ID: "mem", Kind: KindConversationMemory, Config: map[string]any{"memorySize": 2}})
	st := freshState(t, state.Seed{ConversationID: "conv-1", UserPrompt: "next question"}, nil)

	result, err := runner.Run(ctx, st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	merged, err := st.Merge(result.Delta)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	turns := merged.Turns(state.FieldMemory)
	if len(turns) != 2 {
		t.Fatalf("memory has %d turns, want 2 (windowed)", len(turns))
	}
	if turns[0].Content != "hi there" || turns[1].Content != "what can you do" {
		t.Errorf("memory window = %+v, want the two most recent turns", turns)
	}
}

func TestConversationMemoryEmptyHistory(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, Def{ID: "mem", Kind: KindConversationMemory})
	st := freshState(t, state.Seed{ConversationID: "conv-1", UserPrompt: "hi"}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Delta) != 0 {
		t.Errorf("delta = %v, want empty for a fresh conversation", result.Delta)
	}
}

func TestConversationMemoryCommitPersistsExchange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runner := buildRunner(t, Def{ID: "mem", Kind: KindConversationMemory})
	st := freshState(t, state.Seed{ConversationID: "conv-1", UserPrompt: "what is the refund policy"}, nil)
	if _, err := runner.Run(ctx, st, env.rt); err != nil {
		t.Fatalf("Run: %v", err)
	}

	hooks := env.rt.CommitHooks()
	if len(hooks) != 1 {
		t.Fatalf("registered %d commit hooks, want 1", len(hooks))
	}

	final := freshState(t, state.Seed{ConversationID: "conv-1"}, state.Delta{
		state.FieldModelResponse:     "raw answer",
		state.FieldFormattedResponse: "Refunds within 30 days.",
	})
	if err := hooks[0](ctx, final); err != nil {
		t.Fatalf("commit hook: %v", err)
	}

	turns, err := env.store.RecentTurns(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(turns))
	}
	if turns[0].Role != state.RoleUser || turns[0].Content != "what is the refund policy" {
		t.Errorf("first turn = %+v, want the user prompt", turns[0])
	}
	if turns[1].Role != state.RoleAssistant || turns[1].Content != "Refunds within 30 days." {
		t.Errorf("second turn = %+v, want the formatted response", turns[1])
	}
}

func TestConversationMemoryCommitFallsBackToModelResponse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runner := buildRunner(t, Def{ID: "mem", Kind: KindConversationMemory})
	st := freshState(t, state.Seed{ConversationID: "conv-1", UserPrompt: "hi"}, nil)
	if _, err := runner.Run(ctx, st, env.rt); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := freshState(t, state.Seed{ConversationID: "conv-1"}, state.Delta{
		state.FieldModelResponse: "unformatted answer",
	})
	if err := env.rt.CommitHooks()[0](ctx, final); err != nil {
		t.Fatalf("commit hook: %v", err)
	}

	turns, _ := env.store.RecentTurns(ctx, "conv-1", 0)
	if len(turns) != 2 || turns[1].Content != "unformatted answer" {
		t.Errorf("turns = %+v, want assistant turn from modelResponse", turns)
	}
}

type failingStore struct {
	store.Store
	err error
}

func (f *failingStore) RecentTurns(context.Context, string, int) ([]store.TurnRecord, error) {
	return nil, f.err
}

func TestConversationMemoryStoreErrorFailsNode(t *testing.T) {
	env := newTestEnv(t)
	env.rt.Store = &failingStore{err: errors.New("connection refused")}

	runner := buildRunner(t, Def{ID: "mem", Kind: KindConversationMemory})
	st := freshState(t, state.Seed{ConversationID: "conv-1", UserPrompt: "hi"}, nil)

	_, err := runner.Run(context.Background(), st, env.rt)
	var nodeErr *Error
	if !errors.As(err, &nodeErr) {
		t.Fatalf("Run error = %v, want *node.Error", err)
	}
	if nodeErr.Code != "STORE_ERROR" {
		t.Errorf("Code = %q, want STORE_ERROR", nodeErr.Code)
	}
	if nodeErr.NodeID != "mem" {
		t.Errorf("NodeID = %q, want mem", nodeErr.NodeID)
	}
}
