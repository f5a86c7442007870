// Package anthropic adapts the Anthropic Messages API to the provider.Client
// contract, serving capabilities with the "anthropic-messages" convention.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/convoflow-ai/convoflow/flow/provider"
)

// defaultMaxTokens applies when the request leaves MaxTokens unset; the
// Messages API requires an explicit cap on every call.
const defaultMaxTokens = 4096

// MessagesClient is the subset of the Anthropic SDK the adapter uses. It is
// satisfied by *sdk.MessageService; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client implements provider.Client on top of Anthropic Claude Messages.
type Client struct {
	msgs MessagesClient
}

// New wraps an Anthropic Messages client.
func New(msgs MessagesClient) (*Client, error) {
	if msgs == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	return &Client{msgs: msgs}, nil
}

// NewFromAPIKey constructs a client over the default Anthropic HTTP stack.
func NewFromAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages)
}

// Complete issues a non-streaming Messages.New call.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	params, err := encodeParams(req)
	if err != nil {
		return provider.Response{}, err
	}
	msg, err := c.msgs.New(ctx, params)
	if err != nil {
		return provider.Response{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translate(msg), nil
}

// Stream issues Messages.NewStreaming and forwards text deltas to emit.
func (c *Client) Stream(ctx context.Context, req provider.Request, emit func(provider.Chunk) error) (provider.Response, error) {
	params, err := encodeParams(req)
	if err != nil {
		return provider.Response{}, err
	}
	stream := c.msgs.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var resp provider.Response
	index := 0
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			resp.Usage.InputTokens = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				if err := emit(provider.Chunk{Text: delta.Text, Index: index}); err != nil {
					return resp, err
				}
				resp.Text += delta.Text
				index++
			}
		case sdk.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				resp.StopReason = string(ev.Delta.StopReason)
			}
			if ev.Usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = int(ev.Usage.OutputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return resp, fmt.Errorf("anthropic: messages stream: %w", err)
	}
	return resp, nil
}

func encodeParams(req provider.Request) (sdk.MessageNewParams, error) {
	if req.Model == "" {
		return sdk.MessageNewParams{}, errors.New("anthropic: model identifier is required")
	}
	systemTexts, body := provider.SystemSplit(req.Messages)
	if len(body) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}

	conversation := make([]sdk.MessageParam, 0, len(body))
	for _, m := range body {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == provider.RoleAssistant {
			conversation = append(conversation, sdk.NewAssistantMessage(block))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(block))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	for _, text := range systemTexts {
		params.System = append(params.System, sdk.TextBlockParam{Text: text})
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

func translate(msg *sdk.Message) provider.Response {
	var resp provider.Response
	if msg == nil {
		return resp
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			resp.Text += block.Text
		}
	}
	resp.Usage = provider.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	resp.StopReason = string(msg.StopReason)
	return resp
}
