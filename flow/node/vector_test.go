package node

import (
	"context"
	"strings"
	"testing"

	"github.com/convoflow-ai/convoflow/flow/state"
	"github.com/convoflow-ai/convoflow/flow/vector"
)

func seedIndex(t *testing.T, env *testEnv, namespace string, items []vector.Item) {
	t.Helper()
	ctx := context.Background()
	for i := range items {
		if items[i].Embedding == nil {
			emb, err := env.rt.Embedder.Embed(ctx, items[i].Text)
			if err != nil {
				t.Fatalf("embed: %v", err)
			}
			items[i].Embedding = emb
		}
	}
	if err := env.index.Upsert(ctx, namespace, items); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestVectorSearchRetrievesContext(t *testing.T) {
	env := newTestEnv(t)
	seedIndex(t, env, "default", []vector.Item{
		{ID: "d1", Text: "refund policy covers thirty days", DocumentID: "doc-1"},
		{ID: "d2", Text: "shipping takes five business days", DocumentID: "doc-2"},
	})

	runner := buildRunner(t, Def{ID: "search", Kind: KindVectorSearch})
	st := freshState(t, state.Seed{UserPrompt: "what is the refund policy"}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	retrieved, _ := result.Delta[state.FieldRetrievedContext].(string)
	if !strings.Contains(retrieved, "refund policy") {
		t.Errorf("retrievedContext = %q, want the refund chunk", retrieved)
	}
	meta, _ := result.Delta[state.FieldContextMeta].(map[string]any)
	if meta["count"] != 2 {
		t.Errorf("contextMeta count = %v, want 2", meta["count"])
	}
	if meta["combinedTextLength"] != len("refund policy covers thirty days")+len("shipping takes five business days") {
		t.Errorf("combinedTextLength = %v", meta["combinedTextLength"])
	}
}

func TestVectorSearchHonorsDocumentFilter(t *testing.T) {
	env := newTestEnv(t)
	seedIndex(t, env, "default", []vector.Item{
		{ID: "d1", Text: "public refund policy", DocumentID: "doc-public"},
		{ID: "d2", Text: "internal refund escalation playbook", DocumentID: "doc-internal"},
	})

	runner := buildRunner(t, Def{ID: "search", Kind: KindVectorSearch})
	st := freshState(t, state.Seed{
		UserPrompt:         "refund",
		AllowedDocumentIDs: []string{"doc-public"},
	}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	retrieved, _ := result.Delta[state.FieldRetrievedContext].(string)
	if strings.Contains(retrieved, "internal") {
		t.Errorf("retrievedContext = %q leaked a filtered document", retrieved)
	}
	meta, _ := result.Delta[state.FieldContextMeta].(map[string]any)
	if meta["count"] != 1 {
		t.Errorf("contextMeta count = %v, want 1", meta["count"])
	}
}

func TestVectorSearchTemplateQuery(t *testing.T) {
	env := newTestEnv(t)
	seedIndex(t, env, "default", []vector.Item{
		{ID: "d1", Text: "billing questions and invoices"},
	})

	runner := buildRunner(t, Def{ID: "search", Kind: KindVectorSearch, Config: map[string]any{
		"searchQuery": "{{intent}} {{userPrompt}}",
	}})
	st := freshState(t, state.Seed{UserPrompt: "my invoice looks wrong"}, state.Delta{
		state.FieldIntent: "billing",
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	meta, _ := result.Delta[state.FieldContextMeta].(map[string]any)
	if meta["count"] != 1 {
		t.Errorf("contextMeta count = %v, want 1", meta["count"])
	}
}

func TestVectorSearchEmptyQueryYieldsEmptyContext(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, Def{ID: "search", Kind: KindVectorSearch, Config: map[string]any{
		"searchQuery": "{{intent}}",
	}})
	st := freshState(t, state.Seed{UserPrompt: "hello"}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, _ := result.Delta[state.FieldRetrievedContext].(string); got != "" {
		t.Errorf("retrievedContext = %q, want empty", got)
	}
	meta, _ := result.Delta[state.FieldContextMeta].(map[string]any)
	if meta["count"] != 0 {
		t.Errorf("contextMeta count = %v, want 0", meta["count"])
	}
}

func TestVectorSearchResultCountLimit(t *testing.T) {
	env := newTestEnv(t)
	seedIndex(t, env, "default", []vector.Item{
		{ID: "a", Text: "alpha refund"},
		{ID: "b", Text: "beta refund"},
		{ID: "c", Text: "gamma refund"},
	})

	runner := buildRunner(t, Def{ID: "search", Kind: KindVectorSearch, Config: map[string]any{
		"resultCount": 2,
	}})
	st := freshState(t, state.Seed{UserPrompt: "refund"}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	meta, _ := result.Delta[state.FieldContextMeta].(map[string]any)
	if meta["count"] != 2 {
		t.Errorf("contextMeta count = %v, want resultCount applied", meta["count"])
	}
}

func TestVectorWritePersistsFields(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, Def{ID: "write", Kind: KindVectorWrite, Config: map[string]any{
		"fields": []string{"userPrompt", "modelResponse"},
	}})
	st := freshState(t, state.Seed{ConversationID: "conv-1", UserPrompt: "remember my order number 8812"}, state.Delta{
		state.FieldModelResponse: "Noted, order 8812.",
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Delta) != 0 {
		t.Errorf("delta = %v, want empty (writes do not touch state)", result.Delta)
	}
	if result.Payload["written"] != 2 {
		t.Errorf("written = %v, want 2", result.Payload["written"])
	}
	if env.index.Len("default") != 2 {
		t.Errorf("index has %d items, want 2", env.index.Len("default"))
	}
}

func TestVectorWriteSkipsEmptyFields(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, Def{ID: "write", Kind: KindVectorWrite, Config: map[string]any{
		"fields": []string{"userPrompt", "modelResponse"},
	}})
	st := freshState(t, state.Seed{ConversationID: "conv-1", UserPrompt: "just this"}, nil)

	if _, err := runner.Run(context.Background(), st, env.rt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if env.index.Len("default") != 1 {
		t.Errorf("index has %d items, want 1 (blank field skipped)", env.index.Len("default"))
	}
}

func TestVectorWriteUpsertsByConversationAndField(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, Def{ID: "write", Kind: KindVectorWrite, Config: map[string]any{
		"fields": []string{"userPrompt"},
	}})
	ctx := context.Background()

	first := freshState(t, state.Seed{ConversationID: "conv-1", UserPrompt: "first version"}, nil)
	if _, err := runner.Run(ctx, first, env.rt); err != nil {
		t.Fatalf("Run: %v", err)
	}
	second := freshState(t, state.Seed{ConversationID: "conv-1", UserPrompt: "second version"}, nil)
	if _, err := runner.Run(ctx, second, env.rt); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if env.index.Len("default") != 1 {
		t.Errorf("index has %d items, want 1 (stable id replaces)", env.index.Len("default"))
	}
}
