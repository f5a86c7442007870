package node

import (
	"context"
	"errors"
	"testing"

	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/convoflow-ai/convoflow/flow/state"
)

func slotDef(cfg map[string]any) Def {
	return Def{ID: "slots", Kind: KindSlotTracker, Config: cfg}
}

func contactSlots() map[string]any {
	return map[string]any{
		"slots": []map[string]any{
			{"key": "email", "prompt": "What is your email?", "required": true, "validation": "email"},
			{"key": "phone", "prompt": "And your phone number?", "required": true, "validation": "phone"},
		},
	}
}

func TestHeuristicExtract(t *testing.T) {
	cases := []struct {
		name       string
		validation string
		text       string
		want       any
		ok         bool
	}{
		{"email found", "email", "reach me at jane.doe+test@example.co.uk thanks", "jane.doe+test@example.co.uk", true},
		{"email absent", "email", "I don't have one", nil, false},
		{"phone found", "phone", "call +1 (555) 123-4567 anytime", "+1 (555) 123-4567", true},
		{"phone too short", "phone", "my pin is 12345", nil, false},
		{"number found", "number", "I need 3 seats", 3.0, true},
		{"negative decimal", "number", "balance is -12.50 dollars", -12.5, true},
		{"iso date", "date", "arriving 2026-09-01 in the evening", "2026-09-01", true},
		{"slash date", "date", "how about 9/1/2026?", "9/1/2026", true},
		{"month name date", "date", "book it for September 1, 2026 please", "September 1, 2026", true},
		{"date absent", "date", "sometime next week", nil, false},
		{"text passthrough", "text", "  Jane Doe  ", "Jane Doe", true},
		{"empty text rejected", "text", "   ", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := heuristicExtract(tc.validation, tc.text)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if tc.ok && got != tc.want {
				t.Errorf("value = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSlotTrackerSuspendsOnFirstEmptySlot(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, slotDef(contactSlots()))
	st := freshState(t, state.Seed{UserPrompt: ""}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Delta[state.FieldNeedsUserInput] != true {
		t.Fatal("expected suspension for the first required slot")
	}
	if result.Delta[state.FieldAwaitingInput] != "email" {
		t.Errorf("awaiting = %v, want email (declaration order)", result.Delta[state.FieldAwaitingInput])
	}
	if result.Delta[state.FieldAwaitingPrompt] != "What is your email?" {
		t.Errorf("prompt = %v", result.Delta[state.FieldAwaitingPrompt])
	}
	if result.Payload["awaitingInputFor"] != "email" {
		t.Errorf("payload = %v", result.Payload)
	}
}

func TestSlotTrackerFillsFromPromptThenAsksNext(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, slotDef(contactSlots()))

	st := freshState(t, state.Seed{UserPrompt: "it's jane@example.com"}, state.Delta{
		state.FieldAwaitingInput: "email",
		state.FieldInputCursor:   1,
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	values, _ := result.Delta[state.FieldSlotValues].(map[string]any)
	if values["email"] != "jane@example.com" {
		t.Errorf("slotValues = %v, want extracted email", values)
	}
	if result.Delta[state.FieldAwaitingInput] != "phone" {
		t.Errorf("awaiting = %v, want phone next", result.Delta[state.FieldAwaitingInput])
	}
	attempts, _ := result.Delta[state.FieldSlotAttempts].(map[string]any)
	if attempts[promptCursorKey] != 2 {
		t.Errorf("cursor marker = %v, want inputCursor+1", attempts[promptCursorKey])
	}
}

func TestSlotTrackerPromptConsumedOncePerCursor(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, slotDef(contactSlots()))

	// The prompt at cursor 1 was already consumed: the marker equals
	// cursor+1. The tracker must re-ask instead of re-extracting.
	st := freshState(t, state.Seed{UserPrompt: "it's jane@example.com"}, state.Delta{
		state.FieldAwaitingInput: "email",
		state.FieldInputCursor:   1,
		state.FieldSlotAttempts:  map[string]any{promptCursorKey: 2},
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := result.Delta[state.FieldSlotValues]; ok {
		t.Error("stale prompt must not fill a slot twice")
	}
	if result.Delta[state.FieldAwaitingInput] != "email" {
		t.Errorf("awaiting = %v, want email re-asked", result.Delta[state.FieldAwaitingInput])
	}
}

func TestSlotTrackerFreshInvocationConsumesPrompt(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, slotDef(contactSlots()))

	// Cursor 0, no marker: the very first prompt of a conversation feeds
	// extraction.
	st := freshState(t, state.Seed{UserPrompt: "jane@example.com"}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	values, _ := result.Delta[state.FieldSlotValues].(map[string]any)
	if values["email"] != "jane@example.com" {
		t.Errorf("slotValues = %v, want email filled on first pass", values)
	}
}

func TestSlotTrackerInvalidAnswerIncrementsAttempts(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, slotDef(contactSlots()))

	st := freshState(t, state.Seed{UserPrompt: "I'd rather not say"}, state.Delta{
		state.FieldAwaitingInput: "email",
		state.FieldInputCursor:   1,
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	attempts, _ := result.Delta[state.FieldSlotAttempts].(map[string]any)
	if attempts["email"] != 1 {
		t.Errorf("attempts = %v, want email attempt recorded", attempts)
	}
	if result.Delta[state.FieldAwaitingInput] != "email" {
		t.Errorf("awaiting = %v, want email re-asked", result.Delta[state.FieldAwaitingInput])
	}
}

func TestSlotTrackerFallsBackWhenAttemptsExhausted(t *testing.T) {
	env := newTestEnv(t)
	cfg := contactSlots()
	cfg["maxTotalAttempts"] = 2
	cfg["fallbackRoute"] = "human_handoff"
	runner := buildRunner(t, slotDef(cfg))

	st := freshState(t, state.Seed{UserPrompt: "nope"}, state.Delta{
		state.FieldAwaitingInput: "email",
		state.FieldInputCursor:   2,
		state.FieldSlotAttempts:  map[string]any{"email": 1},
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Delta[state.FieldNextNode] != "human_handoff" {
		t.Errorf("nextNode = %v, want the fallback route", result.Delta[state.FieldNextNode])
	}
	if result.Delta[state.FieldNeedsUserInput] != false {
		t.Error("fallback must clear the suspension flag")
	}
}

func TestSlotTrackerPerSlotRetriesFallBack(t *testing.T) {
	env := newTestEnv(t)
	cfg := map[string]any{
		"slots": []map[string]any{
			{"key": "email", "prompt": "What is your email?", "required": true, "validation": "email", "maxRetries": 2},
			{"key": "phone", "prompt": "And your phone number?", "required": true, "validation": "phone"},
		},
		"fallbackRoute": "human_handoff",
	}
	runner := buildRunner(t, slotDef(cfg))

	// One slot burns through its own retries with no total cap configured.
	st := freshState(t, state.Seed{UserPrompt: "still not telling you"}, state.Delta{
		state.FieldAwaitingInput: "email",
		state.FieldInputCursor:   2,
		state.FieldSlotAttempts:  map[string]any{"email": 1},
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Delta[state.FieldNextNode] != "human_handoff" {
		t.Errorf("nextNode = %v, want the fallback route", result.Delta[state.FieldNextNode])
	}
	if result.Delta[state.FieldNeedsUserInput] != false {
		t.Error("fallback must clear the suspension flag")
	}
	attempts, _ := result.Delta[state.FieldSlotAttempts].(map[string]any)
	if attempts["email"] != 2 {
		t.Errorf("attempts = %v, want the failed extraction counted", attempts)
	}
}

func TestSlotTrackerRetriesExhaustedWithoutFallbackStopsAsking(t *testing.T) {
	env := newTestEnv(t)
	cfg := map[string]any{
		"slots": []map[string]any{
			{"key": "email", "prompt": "What is your email?", "required": true, "validation": "email", "maxRetries": 1},
		},
	}
	runner := buildRunner(t, slotDef(cfg))

	st := freshState(t, state.Seed{}, state.Delta{
		state.FieldSlotAttempts: map[string]any{"email": 1},
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Delta[state.FieldNeedsUserInput] != false {
		t.Error("exhausted slot must not re-suspend")
	}
	if result.Delta[state.FieldAllSlotsFilled] != false {
		t.Error("an abandoned required slot must not count as filled")
	}
	if _, routed := result.Delta[state.FieldNextNode]; routed {
		t.Errorf("nextNode = %v, want no route without a fallback", result.Delta[state.FieldNextNode])
	}
}

func TestSlotTrackerAllFilled(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, slotDef(contactSlots()))

	st := freshState(t, state.Seed{UserPrompt: ""}, state.Delta{
		state.FieldSlotValues: map[string]any{
			"email": "jane@example.com",
			"phone": "+1 555 123 4567",
		},
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Delta[state.FieldAllSlotsFilled] != true {
		t.Error("expected allSlotsFilled")
	}
	if result.Delta[state.FieldNeedsUserInput] != false {
		t.Error("expected suspension cleared")
	}
	if result.Delta[state.FieldAwaitingInput] != "" {
		t.Errorf("awaiting = %v, want cleared", result.Delta[state.FieldAwaitingInput])
	}
}

func TestSlotTrackerOptionalSlotNeverSuspends(t *testing.T) {
	env := newTestEnv(t)
	runner := buildRunner(t, slotDef(map[string]any{
		"slots": []map[string]any{
			{"key": "notes", "prompt": "Anything else?", "validation": "text"},
		},
	}))
	st := freshState(t, state.Seed{UserPrompt: ""}, nil)

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Delta[state.FieldAllSlotsFilled] != true {
		t.Error("optional-only trackers complete without input")
	}
}

func TestSlotTrackerLLMExtraction(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Responses = []provider.Response{{Text: `{"value": "jane@example.com"}`}}

	cfg := contactSlots()
	cfg["llmExtract"] = true
	runner := buildRunner(t, slotDef(cfg))

	st := freshState(t, state.Seed{UserPrompt: "my address is the usual work one, jane@example.com"}, state.Delta{
		state.FieldAwaitingInput: "email",
		state.FieldInputCursor:   1,
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if env.mock.CallCount() != 1 {
		t.Fatalf("model called %d times, want 1", env.mock.CallCount())
	}
	values, _ := result.Delta[state.FieldSlotValues].(map[string]any)
	if values["email"] != "jane@example.com" {
		t.Errorf("slotValues = %v, want model-extracted email", values)
	}
}

func TestSlotTrackerLLMFailureFallsBackToHeuristics(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Err = errors.New("transport down")

	cfg := contactSlots()
	cfg["llmExtract"] = true
	runner := buildRunner(t, slotDef(cfg))

	st := freshState(t, state.Seed{UserPrompt: "jane@example.com"}, state.Delta{
		state.FieldAwaitingInput: "email",
		state.FieldInputCursor:   1,
	})

	result, err := runner.Run(context.Background(), st, env.rt)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	values, _ := result.Delta[state.FieldSlotValues].(map[string]any)
	if values["email"] != "jane@example.com" {
		t.Errorf("slotValues = %v, want heuristic extraction despite model outage", values)
	}
}
