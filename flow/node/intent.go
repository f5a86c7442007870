package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/convoflow-ai/convoflow/flow/provider"
	"github.com/convoflow-ai/convoflow/flow/registry"
	"github.com/convoflow-ai/convoflow/flow/state"
)

type intentClassifierConfig struct {
	Intents             []string `json:"intents"`
	ConfidenceThreshold float64  `json:"confidenceThreshold,omitempty"`
	FallbackIntent      string   `json:"fallbackIntent,omitempty"`
	ModelID             string   `json:"modelId,omitempty"`
	Temperature         float64  `json:"temperature,omitempty"`
}

// intentClassifier asks a model to pick one of the declared intents with a
// confidence score. Classification never fails the invocation: any model or
// parse failure degrades to the fallback intent.
type intentClassifier struct {
	id  string
	cfg intentClassifierConfig
}

func newIntentClassifier(def Def) (Runner, error) {
	var cfg intentClassifierConfig
	if err := decodeConfig(def.Config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Intents) == 0 {
		return nil, fmt.Errorf("intents must be non-empty")
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("confidenceThreshold %v outside [0, 1]", cfg.ConfidenceThreshold)
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = 0.6
	}
	if cfg.FallbackIntent == "" {
		cfg.FallbackIntent = "unknown"
	}
	return &intentClassifier{id: def.ID, cfg: cfg}, nil
}

func (n *intentClassifier) Kind() string { return KindIntentClassifier }

type intentVerdict struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

func (n *intentClassifier) Run(ctx context.Context, view *state.State, rt *Runtime) (Result, error) {
	fallback := Result{Delta: state.Delta{
		state.FieldIntent:           n.cfg.FallbackIntent,
		state.FieldIntentConfidence: 0.0,
	}}

	userPrompt := view.String(state.FieldUserPrompt)
	if strings.TrimSpace(userPrompt) == "" {
		return fallback, nil
	}

	capability, err := resolveCapability(rt.Registry, n.cfg.ModelID)
	if err != nil {
		rt.Logger.Warn().Err(err).Str("node", n.id).Msg("intent model unavailable, using fallback")
		return fallback, nil
	}

	verdict, err := n.classify(ctx, rt, capability, userPrompt)
	if err != nil {
		rt.Logger.Warn().Err(err).Str("node", n.id).Msg("intent classification failed, using fallback")
		return fallback, nil
	}

	if !n.declared(verdict.Intent) || verdict.Confidence < n.cfg.ConfidenceThreshold {
		return Result{Delta: state.Delta{
			state.FieldIntent:           n.cfg.FallbackIntent,
			state.FieldIntentConfidence: verdict.Confidence,
		}}, nil
	}
	return Result{Delta: state.Delta{
		state.FieldIntent:           verdict.Intent,
		state.FieldIntentConfidence: verdict.Confidence,
	}}, nil
}

func (n *intentClassifier) declared(intent string) bool {
	for _, candidate := range n.cfg.Intents {
		if candidate == intent {
			return true
		}
	}
	return false
}

func (n *intentClassifier) classify(ctx context.Context, rt *Runtime, capability registry.Capability, userPrompt string) (intentVerdict, error) {
	system := fmt.Sprintf(
		"Classify the user message into exactly one of these intents: %s.\n"+
			"Respond with a single JSON object {\"intent\": \"<name>\", \"confidence\": <0..1>} and nothing else.",
		strings.Join(n.cfg.Intents, ", "))

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: system},
		{Role: provider.RoleUser, Content: userPrompt},
	}
	if _, err := rt.Guard.Check(capability, messages, nil); err != nil {
		return intentVerdict{}, err
	}

	client, apiModel, err := rt.Selector.Select(capability, "")
	if err != nil {
		return intentVerdict{}, err
	}
	resp, err := provider.NewRetrying(client, rt.Retry).Complete(ctx, provider.Request{
		Model:       apiModel,
		Messages:    messages,
		Temperature: n.cfg.Temperature,
		MaxTokens:   128,
	})
	if err != nil {
		return intentVerdict{}, err
	}
	rt.Ledger.RecordUsage(capability, n.id, resp.Usage)

	var verdict intentVerdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &verdict); err != nil {
		return intentVerdict{}, fmt.Errorf("unparseable classification %q: %w", resp.Text, err)
	}
	if verdict.Intent == "" {
		return intentVerdict{}, fmt.Errorf("classification missing intent: %q", resp.Text)
	}
	return verdict, nil
}

// extractJSON strips code fences and surrounding prose, keeping the first
// top-level JSON object. Models wrap JSON despite instructions often enough
// that the lenient path is the practical one.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "{"); idx >= 0 {
		if end := strings.LastIndex(text, "}"); end > idx {
			return text[idx : end+1]
		}
	}
	return text
}
