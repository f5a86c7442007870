// Package provider defines the provider-neutral model invocation contract
// used by ConvoFlow nodes, plus the selection and retry machinery shared by
// the concrete adapters (bedrock, anthropic, openai, google).
//
// Nodes never branch on provider identity. They resolve a capability from
// the registry, let the Selector pick a Client and an API model id, and talk
// to the Client interface only.
package provider

import "context"

// Standard message roles. These align with the conventions used by every
// supported provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn handed to a model provider.
type Message struct {
	// Role identifies the sender: "system", "user", or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// Request is a provider-neutral model invocation.
type Request struct {
	// Model is the provider-facing model identifier (an API model id
	// resolved by the Selector, not a registry capability id).
	Model string

	// Messages is the assembled conversation, system turns first.
	Messages []Message

	// Temperature controls sampling randomness. Zero means "provider
	// default"; adapters omit the parameter in that case.
	Temperature float64

	// MaxTokens bounds the generated output. Zero means "provider default".
	MaxTokens int
}

// Usage reports token consumption for one completed call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the final result of a model call, streaming or not.
type Response struct {
	// Text is the full generated text.
	Text string

	// Usage holds the provider-reported token counts when available.
	Usage Usage

	// StopReason is the provider's stop reason string, if reported.
	StopReason string
}

// Chunk is one streamed fragment of model output.
type Chunk struct {
	// Text is the incremental text delta.
	Text string

	// Index is the zero-based position of the chunk within the stream.
	Index int
}

// Client is the contract every provider adapter implements.
//
// Implementations must respect context cancellation promptly: an expired
// deadline must abort the underlying request rather than letting generation
// continue to bill in the background.
type Client interface {
	// Complete performs a blocking model call and returns the full response.
	Complete(ctx context.Context, req Request) (Response, error)

	// Stream performs a streaming model call, invoking emit for every chunk
	// in order. It returns the accumulated final response once the stream
	// is drained. A non-nil error from emit aborts the stream and is
	// returned unchanged.
	Stream(ctx context.Context, req Request, emit func(Chunk) error) (Response, error)
}

// SystemSplit separates leading system messages from the conversation body.
// Several providers (Anthropic, Bedrock Converse, Gemini) carry system text
// out-of-band, so every adapter needs this split.
func SystemSplit(messages []Message) (system []string, body []Message) {
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		body = append(body, m)
	}
	return system, body
}
