package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultTokenizer is the heuristic used by every built-in capability:
// roughly four characters per token plus a small per-message overhead.
var defaultTokenizer = Tokenizer{
	Mode:          TokenizerHeuristic,
	CharsPerToken: 4.0,
	Overhead:      3,
}

// Builtin returns the static capability catalog shipped with ConvoFlow.
// Prices are USD per 1K tokens (as of 2025-01-01); override via a catalog
// file when providers adjust pricing.
func Builtin() []Capability {
	return []Capability{
		// Anthropic models served through AWS Bedrock. The serverless ids
		// are the cross-region inference profiles ("us." prefix).
		{
			ID:                   "anthropic.claude-3-5-sonnet",
			Provider:             "anthropic",
			Convention:           ConventionBedrockConverse,
			ContextWindow:        200_000,
			Modalities:           []string{"text", "image"},
			Flags:                []string{FlagStreaming, FlagTools, FlagVision, FlagJSON},
			Tokenizer:            defaultTokenizer,
			ReservedOutputTokens: 4096,
			Pricing:              Pricing{InputPer1K: 0.003, OutputPer1K: 0.015, Unit: "token"},
			APIModelIDs: APIModelIDs{
				OnDemand:   "anthropic.claude-3-5-sonnet-20241022-v2:0",
				Serverless: "us.anthropic.claude-3-5-sonnet-20241022-v2:0",
			},
		},
		{
			ID:                   "anthropic.claude-3-5-haiku",
			Provider:             "anthropic",
			Convention:           ConventionBedrockConverse,
			ContextWindow:        200_000,
			Modalities:           []string{"text"},
			Flags:                []string{FlagStreaming, FlagTools, FlagJSON},
			Tokenizer:            defaultTokenizer,
			ReservedOutputTokens: 2048,
			Pricing:              Pricing{InputPer1K: 0.0008, OutputPer1K: 0.004, Unit: "token"},
			APIModelIDs: APIModelIDs{
				OnDemand:   "anthropic.claude-3-5-haiku-20241022-v1:0",
				Serverless: "us.anthropic.claude-3-5-haiku-20241022-v1:0",
			},
		},

		// Meta models on Bedrock.
		{
			ID:                   "meta.llama3-1-70b",
			Provider:             "meta",
			Convention:           ConventionBedrockConverse,
			ContextWindow:        128_000,
			Modalities:           []string{"text"},
			Flags:                []string{FlagStreaming},
			Tokenizer:            defaultTokenizer,
			ReservedOutputTokens: 2048,
			Pricing:              Pricing{InputPer1K: 0.00099, OutputPer1K: 0.00099, Unit: "token"},
			APIModelIDs: APIModelIDs{
				OnDemand:   "meta.llama3-1-70b-instruct-v1:0",
				Serverless: "us.meta.llama3-1-70b-instruct-v1:0",
			},
		},

		// Anthropic first-party API.
		{
			ID:                   "claude-3-5-sonnet",
			Provider:             "anthropic",
			Convention:           ConventionAnthropicMessages,
			ContextWindow:        200_000,
			Modalities:           []string{"text", "image"},
			Flags:                []string{FlagStreaming, FlagTools, FlagVision, FlagJSON},
			Tokenizer:            defaultTokenizer,
			ReservedOutputTokens: 4096,
			Pricing:              Pricing{InputPer1K: 0.003, OutputPer1K: 0.015, Unit: "token"},
			APIModelIDs:          APIModelIDs{OnDemand: "claude-3-5-sonnet-20241022"},
		},
		{
			ID:                   "claude-3-opus",
			Provider:             "anthropic",
			Convention:           ConventionAnthropicMessages,
			ContextWindow:        200_000,
			Modalities:           []string{"text", "image"},
			Flags:                []string{FlagStreaming, FlagTools, FlagVision},
			Tokenizer:            defaultTokenizer,
			ReservedOutputTokens: 4096,
			Pricing:              Pricing{InputPer1K: 0.015, OutputPer1K: 0.075, Unit: "token"},
			APIModelIDs:          APIModelIDs{OnDemand: "claude-3-opus-20240229"},
		},

		// OpenAI.
		{
			ID:                   "gpt-4o",
			Provider:             "openai",
			Convention:           ConventionOpenAIChat,
			ContextWindow:        128_000,
			Modalities:           []string{"text", "image"},
			Flags:                []string{FlagStreaming, FlagTools, FlagVision, FlagJSON},
			Tokenizer:            defaultTokenizer,
			ReservedOutputTokens: 4096,
			Pricing:              Pricing{InputPer1K: 0.0025, OutputPer1K: 0.01, Unit: "token"},
			APIModelIDs:          APIModelIDs{OnDemand: "gpt-4o"},
		},
		{
			ID:                   "gpt-4o-mini",
			Provider:             "openai",
			Convention:           ConventionOpenAIChat,
			ContextWindow:        128_000,
			Modalities:           []string{"text", "image"},
			Flags:                []string{FlagStreaming, FlagTools, FlagJSON},
			Tokenizer:            defaultTokenizer,
			ReservedOutputTokens: 2048,
			Pricing:              Pricing{InputPer1K: 0.00015, OutputPer1K: 0.0006, Unit: "token"},
			APIModelIDs:          APIModelIDs{OnDemand: "gpt-4o-mini"},
		},

		// Google Gemini.
		{
			ID:                   "gemini-1.5-pro",
			Provider:             "google",
			Convention:           ConventionGoogleGenAI,
			ContextWindow:        2_097_152,
			Modalities:           []string{"text", "image"},
			Flags:                []string{FlagStreaming, FlagTools, FlagVision, FlagJSON},
			Tokenizer:            defaultTokenizer,
			ReservedOutputTokens: 8192,
			Pricing:              Pricing{InputPer1K: 0.00125, OutputPer1K: 0.005, Unit: "token"},
			APIModelIDs:          APIModelIDs{OnDemand: "gemini-1.5-pro"},
		},
		{
			ID:                   "gemini-1.5-flash",
			Provider:             "google",
			Convention:           ConventionGoogleGenAI,
			ContextWindow:        1_048_576,
			Modalities:           []string{"text", "image"},
			Flags:                []string{FlagStreaming, FlagJSON},
			Tokenizer:            defaultTokenizer,
			ReservedOutputTokens: 8192,
			Pricing:              Pricing{InputPer1K: 0.000075, OutputPer1K: 0.0003, Unit: "token"},
			APIModelIDs:          APIModelIDs{OnDemand: "gemini-1.5-flash"},
		},
	}
}

// LoadCatalogFile reads capability records from a YAML file. The file holds
// a list of capabilities in the same shape as the built-in catalog.
func LoadCatalogFile(path string) ([]Capability, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided catalog path
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var caps []Capability
	if err := yaml.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}
	return caps, nil
}

// MergeCatalogs overlays the override list on the base list: overrides with
// an id already in base replace that record, the rest are appended. Order of
// the base catalog is preserved.
func MergeCatalogs(base, overrides []Capability) []Capability {
	byID := make(map[string]int, len(base))
	merged := make([]Capability, len(base))
	copy(merged, base)
	for i, c := range merged {
		byID[c.ID] = i
	}
	for _, c := range overrides {
		if i, ok := byID[c.ID]; ok {
			merged[i] = c
			continue
		}
		byID[c.ID] = len(merged)
		merged = append(merged, c)
	}
	return merged
}
