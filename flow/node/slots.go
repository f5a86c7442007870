package node

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/convoflow-ai/convoflow/flow/state"
)

const defaultSlotRetries = 3

// promptCursorKey marks, inside slotAttempts, which inputCursor value the
// tracker has already consumed. One user prompt feeds at most one extraction
// pass per invocation.
const promptCursorKey = "__promptCursor"

type slotConfig struct {
	Key        string `json:"key"`
	Prompt     string `json:"prompt"`
	Required   bool   `json:"required,omitempty"`
	Validation string `json:"validation,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"`
}

type slotTrackerConfig struct {
	Slots            []slotConfig `json:"slots"`
	MaxTotalAttempts int          `json:"maxTotalAttempts,omitempty"`
	FallbackRoute    string       `json:"fallbackRoute,omitempty"`
	LLMExtract       bool         `json:"llmExtract,omitempty"`
	ModelID          string       `json:"modelId,omitempty"`
}

// slotTracker fills declared slots from user prompts, suspending the
// invocation whenever a required slot still needs input.
type slotTracker struct {
	id  string
	cfg slotTrackerConfig
}

func newSlotTracker(def Def) (Runner, error) {
	var cfg slotTrackerConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Slots) == 0 {
		return nil, fmt.Errorf("slots must be non-empty")
	}
	seen := make(map[string]bool, len(cfg.Slots))
	for i := range cfg.Slots {
		slot := &cfg.Slots[i]
		if slot.Key == "" {
			return nil, fmt.Errorf("slot %d: key is required", i)
		}
		if seen[slot.Key] {
			return nil, fmt.Errorf("slot key %q duplicated", slot.Key)
		}
		seen[slot.Key] = true
		if slot.Required && slot.Prompt == "" {
			return nil, fmt.Errorf("slot %q: required slots need a prompt", slot.Key)
		}
		switch slot.Validation {
		case "", "text", "email", "phone", "number", "date":
		default:
			return nil, fmt.Errorf("slot %q: unknown validation %q", slot.Key, slot.Validation)
		}
		if slot.MaxRetries < 0 {
			return nil, fmt.Errorf("slot %q: maxRetries must be non-negative", slot.Key)
		}
		if slot.MaxRetries == 0 {
			slot.MaxRetries = defaultSlotRetries
		}
	}
	if cfg.MaxTotalAttempts > 0 && cfg.FallbackRoute == "" {
		return nil, fmt.Errorf("maxTotalAttempts needs a fallbackRoute")
	}
	return &slotTracker{id: def.ID, cfg: cfg}, nil
}

func (n *slotTracker) Kind() string { return KindSlotTracker }

func (n *slotTracker) Run(ctx context.Context, view *state.State, rt *Runtime) (Result, error) {
	values := view.Map(state.FieldSlotValues)
	attempts := view.Map(state.FieldSlotAttempts)
	awaiting := view.String(state.FieldAwaitingInput)
	cursor := view.Int(state.FieldInputCursor)

	// The consumed marker stores cursor+1 so the zero value means "never".
	userPrompt := strings.TrimSpace(view.String(state.FieldUserPrompt))
	promptAvailable := userPrompt != "" && attemptInt(attempts, promptCursorKey) != cursor+1

	delta := state.Delta{}
	valueDelta := map[string]any{}
	attemptDelta := map[string]any{}

	totalAttempts := 0
	for key, v := range attempts {
		if key == promptCursorKey {
			continue
		}
		if n, ok := toAttemptCount(v); ok {
			totalAttempts += n
		}
	}

	abandoned := false
	for _, slot := range n.cfg.Slots {
		if _, filled := values[slot.Key]; filled {
			continue
		}
		if _, justFilled := valueDelta[slot.Key]; justFilled {
			continue
		}

		slotAttempts := attemptInt(attempts, slot.Key)

		// The prompt feeds the slot we asked for, or the first empty slot
		// when nothing was pending.
		if promptAvailable && (awaiting == "" || awaiting == slot.Key) {
			promptAvailable = false
			attemptDelta[promptCursorKey] = cursor + 1

			value, ok := n.extract(ctx, rt, slot, userPrompt)
			if ok {
				valueDelta[slot.Key] = value
				continue
			}
			slotAttempts++
			attemptDelta[slot.Key] = slotAttempts
			totalAttempts++
		}

		if !slot.Required {
			continue
		}

		exhausted := n.cfg.MaxTotalAttempts > 0 && totalAttempts >= n.cfg.MaxTotalAttempts
		if slotAttempts >= slot.MaxRetries {
			// This slot alone has used up its re-prompts.
			if n.cfg.FallbackRoute == "" {
				abandoned = true
				continue
			}
			exhausted = true
		}
		if exhausted {
			delta[state.FieldNextNode] = n.cfg.FallbackRoute
			delta[state.FieldRoutingReason] = "slot attempts exhausted"
			delta[state.FieldAwaitingInput] = ""
			delta[state.FieldAwaitingPrompt] = ""
			delta[state.FieldCurrentSlotKey] = ""
			delta[state.FieldNeedsUserInput] = false
			n.attach(delta, valueDelta, attemptDelta)
			return Result{Delta: delta, Payload: map[string]any{"fallback": n.cfg.FallbackRoute}}, nil
		}

		delta[state.FieldNeedsUserInput] = true
		delta[state.FieldAwaitingInput] = slot.Key
		delta[state.FieldAwaitingPrompt] = slot.Prompt
		delta[state.FieldCurrentSlotKey] = slot.Key
		n.attach(delta, valueDelta, attemptDelta)
		return Result{Delta: delta, Payload: map[string]any{
			"awaitingInputFor": slot.Key,
			"prompt":           slot.Prompt,
		}}, nil
	}

	delta[state.FieldAllSlotsFilled] = !abandoned
	delta[state.FieldNeedsUserInput] = false
	delta[state.FieldAwaitingInput] = ""
	delta[state.FieldAwaitingPrompt] = ""
	delta[state.FieldCurrentSlotKey] = ""
	n.attach(delta, valueDelta, attemptDelta)
	return Result{Delta: delta}, nil
}

func (n *slotTracker) attach(delta state.Delta, values, attempts map[string]any) {
	if len(values) > 0 {
		delta[state.FieldSlotValues] = values
	}
	if len(attempts) > 0 {
		delta[state.FieldSlotAttempts] = attempts
	}
}

// extract pulls a slot value out of the user prompt. When llmExtract is
// configured a small JSON model call goes first; heuristics remain the
// fallback so extraction still works when the model is unavailable.
func (n *slotTracker) extract(ctx context.Context, rt *Runtime, slot slotConfig, userPrompt string) (any, bool) {
	if n.cfg.LLMExtract && slot.Validation != "" {
		if value, ok := n.llmExtract(ctx, rt, slot, userPrompt); ok {
			return value, true
		}
	}
	return heuristicExtract(slot.Validation, userPrompt)
}

func (n *slotTracker) llmExtract(ctx context.Context, rt *Runtime, slot slotConfig, userPrompt string) (any, bool) {
	capability, err := resolveCapability(rt.Registry, n.cfg.ModelID)
	if err != nil {
		return nil, false
	}
	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: fmt.Sprintf(
			"Extract the %s value for %q from the user message. "+
				"Respond with {\"value\": <extracted>} or {\"value\": null} when absent. JSON only.",
			slot.Validation, slot.Key)},
		{Role: provider.RoleUser, Content: userPrompt},
	}
	if _, err := rt.Guard.Check(capability, messages, nil); err != nil {
		return nil, false
	}
	client, apiModel, err := rt.Selector.Select(capability, "")
	if err != nil {
		return nil, false
	}
	resp, err := provider.NewRetrying(client, rt.Retry).Complete(ctx, provider.Request{
		Model:     apiModel,
		Messages:  messages,
		MaxTokens: 64,
	})
	if err != nil {
		rt.Logger.Debug().Err(err).Str("slot", slot.Key).Msg("llm slot extraction failed")
		return nil, false
	}
	rt.Ledger.RecordUsage(capability, n.id, resp.Usage)

	var parsed struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil || parsed.Value == nil {
		return nil, false
	}
	// The model's answer still has to satisfy the slot's validator.
	if text, ok := parsed.Value.(string); ok {
		return heuristicExtract(slot.Validation, text)
	}
	if slot.Validation == "number" {
		if f, ok := parsed.Value.(float64); ok {
			return f, true
		}
	}
	return nil, false
}

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?\d[\d\s().\-]{6,}\d`)
	numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	datePatterns  = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
		regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{2,4}`),
		regexp.MustCompile(`(?i)(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]* \d{1,2},? \d{4}`),
	}
)

func heuristicExtract(validation, text string) (any, bool) {
	switch validation {
	case "email":
		if m := emailPattern.FindString(text); m != "" {
			return m, true
		}
	case "phone":
		if m := phonePattern.FindString(text); m != "" {
			digits := 0
			for _, r := range m {
				if r >= '0' && r <= '9' {
					digits++
				}
			}
			if digits >= 7 {
				return strings.TrimSpace(m), true
			}
		}
	case "number":
		if m := numberPattern.FindString(text); m != "" {
			if f, err := strconv.ParseFloat(m, 64); err == nil {
				return f, true
			}
		}
	case "date":
		for _, p := range datePatterns {
			if m := p.FindString(text); m != "" {
				return m, true
			}
		}
	case "", "text":
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return trimmed, true
		}
	}
	return nil, false
}

func attemptInt(attempts map[string]any, key string) int {
	if attempts == nil {
		return 0
	}
	if n, ok := toAttemptCount(attempts[key]); ok {
		return n
	}
	return 0
}

func toAttemptCount(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
