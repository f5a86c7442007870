// Package registry provides the process-wide immutable model capability
// catalog.
//
// A capability describes everything ConvoFlow needs to know about one model:
// its provider and API convention, context window, tokenizer parameters,
// pricing, and the API model ids for its inference variants. The registry is
// loaded once at startup and never mutated afterwards, so lookups need no
// locking.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// API conventions route a capability to the provider adapter that speaks its
// wire protocol.
const (
	ConventionBedrockConverse   = "bedrock-converse"
	ConventionAnthropicMessages = "anthropic-messages"
	ConventionOpenAIChat        = "openai-chat"
	ConventionGoogleGenAI       = "google-genai"
)

// Capability flags queried via Supports and WithFlag.
const (
	FlagStreaming = "streaming"
	FlagTools     = "tools"
	FlagVision    = "vision"
	FlagJSON      = "json"
)

// Tokenizer modes.
const (
	// TokenizerHeuristic estimates tokens from character counts.
	TokenizerHeuristic = "heuristic"

	// TokenizerExact defers to a provider-accurate tokenizer supplied by the
	// budget layer.
	TokenizerExact = "exact"

	// TokenizerOff disables input-side estimation entirely.
	TokenizerOff = "off"
)

// regionPrefixes are the leading tokens stripped during id normalization,
// e.g. "us.anthropic.claude-3-5-haiku" → "anthropic.claude-3-5-haiku".
var regionPrefixes = map[string]bool{
	"us":   true,
	"eu":   true,
	"apac": true,
}

// ErrUnknownModel indicates a registry miss. There is no silent default:
// callers that want a fallback must ask for DefaultID explicitly.
var ErrUnknownModel = errors.New("model not present in registry")

// LookupError reports which id missed the registry.
type LookupError struct {
	// ID is the id as requested, before normalization.
	ID string
}

// Error implements the error interface.
func (e *LookupError) Error() string {
	return fmt.Sprintf("registry miss: unknown model %q", e.ID)
}

// Unwrap allows errors.Is(err, ErrUnknownModel).
func (e *LookupError) Unwrap() error {
	return ErrUnknownModel
}

// Tokenizer describes how to estimate input tokens for a capability.
type Tokenizer struct {
	// Mode is one of heuristic, exact, or off.
	Mode string `yaml:"mode"`

	// CharsPerToken is the divisor for the heuristic estimate.
	CharsPerToken float64 `yaml:"charsPerToken"`

	// Overhead is the fixed per-message token overhead added to the
	// estimate.
	Overhead int `yaml:"overhead"`
}

// PricingUnitTokens is the pricing unit used by every built-in model.
const PricingUnitTokens = "token"

// Pricing holds token-unit prices in USD per 1000 tokens.
type Pricing struct {
	InputPer1K  float64 `yaml:"inputPer1K"`
	OutputPer1K float64 `yaml:"outputPer1K"`

	// Unit names the pricing unit; "token" for every built-in model.
	Unit string `yaml:"unit"`
}

// APIModelIDs carries the provider-facing identifiers for a capability's
// inference variants. Serverless is empty when the provider has no separate
// serverless identity.
type APIModelIDs struct {
	OnDemand   string `yaml:"onDemand"`
	Serverless string `yaml:"serverless"`
}

// Capability is one immutable registry record.
type Capability struct {
	// ID is the registry key, looked up after region normalization.
	ID string `yaml:"id"`

	// Provider names the model vendor ("anthropic", "openai", ...).
	Provider string `yaml:"provider"`

	// Convention selects the provider adapter.
	Convention string `yaml:"convention"`

	// ContextWindow is the total token capacity of the model.
	ContextWindow int `yaml:"contextWindow"`

	// Modalities lists supported input modalities ("text", "image").
	Modalities []string `yaml:"modalities"`

	// Flags lists supported capability flags (see Flag constants).
	Flags []string `yaml:"flags"`

	// Tokenizer configures input token estimation.
	Tokenizer Tokenizer `yaml:"tokenizer"`

	// ReservedOutputTokens is withheld from the context window for model
	// output when budgeting prompts.
	ReservedOutputTokens int `yaml:"reservedOutputTokens"`

	// Pricing holds the USD token rates.
	Pricing Pricing `yaml:"pricing"`

	// APIModelIDs resolves the capability to provider model identifiers.
	APIModelIDs APIModelIDs `yaml:"apiModelIds"`
}

// Supports reports whether the capability declares the given flag.
func (c Capability) Supports(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Registry is the immutable id → capability mapping.
type Registry struct {
	caps      map[string]Capability
	defaultID string
}

// New builds a registry from a capability list and a default model id.
//
// Returns an error if:
//   - any capability has an empty id or a non-positive context window
//   - two capabilities share an id
//   - the default id (after normalization) is not in the catalog
func New(caps []Capability, defaultID string) (*Registry, error) {
	byID := make(map[string]Capability, len(caps))
	for _, c := range caps {
		if c.ID == "" {
			return nil, errors.New("registry: capability with empty id")
		}
		if c.ContextWindow <= 0 {
			return nil, fmt.Errorf("registry: capability %q has non-positive context window", c.ID)
		}
		if _, exists := byID[c.ID]; exists {
			return nil, fmt.Errorf("registry: duplicate capability id %q", c.ID)
		}
		byID[c.ID] = c
	}

	r := &Registry{caps: byID}
	if defaultID != "" {
		if _, err := r.Lookup(defaultID); err != nil {
			return nil, fmt.Errorf("registry: default model: %w", err)
		}
		r.defaultID = Normalize(defaultID)
	}
	return r, nil
}

// Normalize strips a leading region token from a model id:
// "us.anthropic.claude-3-5-haiku" → "anthropic.claude-3-5-haiku".
// Ids without a recognized region prefix are returned unchanged.
func Normalize(id string) string {
	head, rest, found := strings.Cut(id, ".")
	if found && regionPrefixes[head] && rest != "" {
		return rest
	}
	return id
}

// Lookup resolves a model id to its capability. The id is tried verbatim
// first, then with the region prefix stripped. A miss yields a LookupError
// wrapping ErrUnknownModel.
func (r *Registry) Lookup(id string) (Capability, error) {
	if c, ok := r.caps[id]; ok {
		return c, nil
	}
	if c, ok := r.caps[Normalize(id)]; ok {
		return c, nil
	}
	return Capability{}, &LookupError{ID: id}
}

// DefaultID returns the configured default model id, or "" when none was
// configured.
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// Default returns the default model's capability.
func (r *Registry) Default() (Capability, error) {
	if r.defaultID == "" {
		return Capability{}, &LookupError{ID: ""}
	}
	return r.Lookup(r.defaultID)
}

// ByProvider returns all capabilities of one provider, sorted by id.
func (r *Registry) ByProvider(provider string) []Capability {
	var out []Capability
	for _, c := range r.caps {
		if c.Provider == provider {
			out = append(out, c)
		}
	}
	sortCaps(out)
	return out
}

// WithFlag returns all capabilities supporting the given flag, sorted by id.
func (r *Registry) WithFlag(flag string) []Capability {
	var out []Capability
	for _, c := range r.caps {
		if c.Supports(flag) {
			out = append(out, c)
		}
	}
	sortCaps(out)
	return out
}

// IDs returns every registered capability id, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.caps))
	for id := range r.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	return len(r.caps)
}

func sortCaps(caps []Capability) {
	sort.Slice(caps, func(i, j int) bool { return caps[i].ID < caps[j].ID })
}
