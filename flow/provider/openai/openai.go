// Package openai adapts the OpenAI chat completion API to the
// provider.Client contract, serving capabilities with the "openai-chat"
// convention. OpenAI accepts system messages in-band, so no system split is
// needed.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	oai "github.com/sashabaranov/go-openai"

	"github.com/convoflow-ai/convoflow/flow/provider"
)

// ChatClient is the subset of *oai.Client the adapter uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request oai.ChatCompletionRequest) (oai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request oai.ChatCompletionRequest) (*oai.ChatCompletionStream, error)
}

// Client implements provider.Client on top of OpenAI chat completions.
type Client struct {
	chat ChatClient
}

// New wraps an OpenAI chat client.
func New(chat ChatClient) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: chat}, nil
}

// NewFromAPIKey constructs a client over the default OpenAI HTTP stack.
func NewFromAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return New(oai.NewClient(apiKey))
}

// Complete issues a blocking chat completion.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	request, err := encodeRequest(req)
	if err != nil {
		return provider.Response{}, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return provider.Response{}, classify(err)
	}

	resp := provider.Response{
		Usage: provider.Usage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
		},
	}
	if len(response.Choices) > 0 {
		resp.Text = response.Choices[0].Message.Content
		resp.StopReason = string(response.Choices[0].FinishReason)
	}
	return resp, nil
}

// Stream issues a streaming chat completion and forwards content deltas.
func (c *Client) Stream(ctx context.Context, req provider.Request, emit func(provider.Chunk) error) (provider.Response, error) {
	request, err := encodeRequest(req)
	if err != nil {
		return provider.Response{}, err
	}
	request.Stream = true
	request.StreamOptions = &oai.StreamOptions{IncludeUsage: true}

	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return provider.Response{}, classify(err)
	}
	defer func() { _ = stream.Close() }()

	var resp provider.Response
	index := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return resp, nil
		}
		if err != nil {
			return resp, classify(err)
		}
		if chunk.Usage != nil {
			resp.Usage = provider.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			resp.StopReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			if err := emit(provider.Chunk{Text: choice.Delta.Content, Index: index}); err != nil {
				return resp, err
			}
			resp.Text += choice.Delta.Content
			index++
		}
	}
}

func encodeRequest(req provider.Request) (oai.ChatCompletionRequest, error) {
	if req.Model == "" {
		return oai.ChatCompletionRequest{}, errors.New("openai: model identifier is required")
	}
	if len(req.Messages) == 0 {
		return oai.ChatCompletionRequest{}, errors.New("openai: messages are required")
	}

	messages := make([]oai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, oai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	request := oai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		request.Temperature = float32(req.Temperature)
	}
	return request, nil
}

// classify marks retryable API failures transient. The SDK exposes the HTTP
// status on its error type.
func classify(err error) error {
	wrapped := fmt.Errorf("openai: %w", err)

	var apiErr *oai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return provider.MarkTransient(wrapped)
		}
		return wrapped
	}
	var reqErr *oai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500 {
			return provider.MarkTransient(wrapped)
		}
	}
	return wrapped
}
