// Package google adapts the Google Gemini API to the provider.Client
// contract, serving capabilities with the "google-genai" convention. System
// text travels out-of-band as a SystemInstruction; the conversation body
// becomes chat history plus a final user message.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/convoflow-ai/convoflow/flow/provider"
)

// genai role names. The SDK uses "model" where the neutral contract says
// "assistant".
const (
	genaiRoleUser  = "user"
	genaiRoleModel = "model"
)

// generator abstracts the SDK calls so tests can substitute a fake without
// network access.
type generator interface {
	generate(ctx context.Context, req encodedRequest) (*genai.GenerateContentResponse, error)
	stream(ctx context.Context, req encodedRequest, handle func(*genai.GenerateContentResponse) error) error
}

// Client implements provider.Client on top of Gemini.
type Client struct {
	gen generator
}

// NewFromAPIKey constructs a client that dials the Gemini API per call.
func NewFromAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("google: api key is required")
	}
	return &Client{gen: &sdkGenerator{apiKey: apiKey}}, nil
}

// Complete issues a blocking GenerateContent call.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	encoded, err := encode(req)
	if err != nil {
		return provider.Response{}, err
	}
	resp, err := c.gen.generate(ctx, encoded)
	if err != nil {
		return provider.Response{}, fmt.Errorf("google: generate content: %w", err)
	}
	return translate(resp), nil
}

// Stream issues GenerateContentStream and forwards text fragments to emit.
func (c *Client) Stream(ctx context.Context, req provider.Request, emit func(provider.Chunk) error) (provider.Response, error) {
	encoded, err := encode(req)
	if err != nil {
		return provider.Response{}, err
	}

	var final provider.Response
	index := 0
	err = c.gen.stream(ctx, encoded, func(resp *genai.GenerateContentResponse) error {
		part := translate(resp)
		if part.Text != "" {
			if err := emit(provider.Chunk{Text: part.Text, Index: index}); err != nil {
				return err
			}
			final.Text += part.Text
			index++
		}
		if part.StopReason != "" {
			final.StopReason = part.StopReason
		}
		if part.Usage != (provider.Usage{}) {
			final.Usage = part.Usage
		}
		return nil
	})
	if err != nil {
		return final, err
	}
	return final, nil
}

// encodedRequest is a Gemini-shaped request: system instruction, chat
// history, and the final user parts sent as the message.
type encodedRequest struct {
	model       string
	system      *genai.Content
	history     []*genai.Content
	last        []genai.Part
	temperature float64
	maxTokens   int
}

func encode(req provider.Request) (encodedRequest, error) {
	if req.Model == "" {
		return encodedRequest{}, errors.New("google: model identifier is required")
	}
	systemTexts, body := provider.SystemSplit(req.Messages)
	if len(body) == 0 {
		return encodedRequest{}, errors.New("google: messages are required")
	}

	encoded := encodedRequest{
		model:       req.Model,
		temperature: req.Temperature,
		maxTokens:   req.MaxTokens,
	}
	if len(systemTexts) > 0 {
		parts := make([]genai.Part, 0, len(systemTexts))
		for _, text := range systemTexts {
			parts = append(parts, genai.Text(text))
		}
		encoded.system = &genai.Content{Parts: parts}
	}

	for _, m := range body[:len(body)-1] {
		role := genaiRoleUser
		if m.Role == provider.RoleAssistant {
			role = genaiRoleModel
		}
		encoded.history = append(encoded.history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	last := body[len(body)-1]
	if last.Role != provider.RoleUser {
		return encodedRequest{}, errors.New("google: conversation must end with a user message")
	}
	encoded.last = []genai.Part{genai.Text(last.Content)}
	return encoded, nil
}

func translate(resp *genai.GenerateContentResponse) provider.Response {
	var out provider.Response
	if resp == nil {
		return out
	}
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					out.Text += string(text)
				}
			}
		}
		if candidate.FinishReason != genai.FinishReasonUnspecified {
			out.StopReason = candidate.FinishReason.String()
		}
	}
	if usage := resp.UsageMetadata; usage != nil {
		out.Usage = provider.Usage{
			InputTokens:  int(usage.PromptTokenCount),
			OutputTokens: int(usage.CandidatesTokenCount),
		}
	}
	return out
}

// sdkGenerator dials the Gemini API with a fresh client per call, matching
// the SDK's lightweight client lifecycle.
type sdkGenerator struct {
	apiKey string
}

func (g *sdkGenerator) configure(client *genai.Client, req encodedRequest) *genai.ChatSession {
	gm := client.GenerativeModel(req.model)
	gm.SystemInstruction = req.system
	if req.temperature > 0 {
		gm.SetTemperature(float32(req.temperature))
	}
	if req.maxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.maxTokens))
	}
	session := gm.StartChat()
	session.History = req.history
	return session
}

func (g *sdkGenerator) generate(ctx context.Context, req encodedRequest) (*genai.GenerateContentResponse, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	return g.configure(client, req).SendMessage(ctx, req.last...)
}

func (g *sdkGenerator) stream(ctx context.Context, req encodedRequest, handle func(*genai.GenerateContentResponse) error) error {
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return fmt.Errorf("google: create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	iter := g.configure(client, req).SendMessageStream(ctx, req.last...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("google: stream: %w", err)
		}
		if err := handle(resp); err != nil {
			return err
		}
	}
}
