// Package bedrock adapts the AWS Bedrock Converse API to the provider.Client
// contract. It serves every capability whose convention is
// "bedrock-converse", carrying system text out-of-band in Converse system
// blocks and translating stream events into provider chunks.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/convoflow-ai/convoflow/flow/provider"
)

// RuntimeClient is the subset of *bedrockruntime.Client the adapter needs.
// Tests substitute a fake; production passes the real client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Client implements provider.Client on top of Bedrock Converse.
type Client struct {
	runtime RuntimeClient
}

// New wraps a Bedrock runtime client.
func New(runtime RuntimeClient) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	return &Client{runtime: runtime}, nil
}

// Complete issues a blocking Converse call.
func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	input, err := buildInput(req)
	if err != nil {
		return provider.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         input.modelID,
		Messages:        input.messages,
		System:          input.system,
		InferenceConfig: input.inference,
	})
	if err != nil {
		return provider.Response{}, classify("converse", err)
	}
	return translateOutput(output)
}

// Stream issues a ConverseStream call and forwards text deltas to emit in
// order.
func (c *Client) Stream(ctx context.Context, req provider.Request, emit func(provider.Chunk) error) (provider.Response, error) {
	input, err := buildInput(req)
	if err != nil {
		return provider.Response{}, err
	}
	out, err := c.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         input.modelID,
		Messages:        input.messages,
		System:          input.system,
		InferenceConfig: input.inference,
	})
	if err != nil {
		return provider.Response{}, classify("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return provider.Response{}, errors.New("bedrock: stream output missing event stream")
	}
	defer func() { _ = stream.Close() }()

	return consume(ctx, stream.Events(), stream.Err, emit)
}

type converseInput struct {
	modelID   *string
	messages  []brtypes.Message
	system    []brtypes.SystemContentBlock
	inference *brtypes.InferenceConfiguration
}

func buildInput(req provider.Request) (converseInput, error) {
	if req.Model == "" {
		return converseInput{}, errors.New("bedrock: model identifier is required")
	}
	systemTexts, body := provider.SystemSplit(req.Messages)
	if len(body) == 0 {
		return converseInput{}, errors.New("bedrock: messages are required")
	}

	messages := make([]brtypes.Message, 0, len(body))
	for _, m := range body {
		role := brtypes.ConversationRoleUser
		if m.Role == provider.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		messages = append(messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}

	var system []brtypes.SystemContentBlock
	for _, text := range systemTexts {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
	}

	var inference *brtypes.InferenceConfiguration
	if req.MaxTokens > 0 || req.Temperature > 0 {
		inference = &brtypes.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		if req.Temperature > 0 {
			inference.Temperature = aws.Float32(float32(req.Temperature))
		}
	}

	return converseInput{
		modelID:   aws.String(req.Model),
		messages:  messages,
		system:    system,
		inference: inference,
	}, nil
}

func translateOutput(output *bedrockruntime.ConverseOutput) (provider.Response, error) {
	resp := provider.Response{StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
				resp.Text += text.Value
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = provider.Usage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		}
	}
	return resp, nil
}

// consume drains the event stream, forwarding text deltas and accumulating
// the final response. Factored off the SDK stream type so tests can drive
// events directly.
func consume(ctx context.Context, events <-chan brtypes.ConverseStreamOutput, streamErr func() error, emit func(provider.Chunk) error) (provider.Response, error) {
	var resp provider.Response
	index := 0
	for {
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case event, ok := <-events:
			if !ok {
				if err := streamErr(); err != nil {
					return resp, classify("converse_stream", err)
				}
				return resp, nil
			}
			switch v := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := v.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok && delta.Value != "" {
					if err := emit(provider.Chunk{Text: delta.Value, Index: index}); err != nil {
						return resp, err
					}
					resp.Text += delta.Value
					index++
				}
			case *brtypes.ConverseStreamOutputMemberMessageStop:
				resp.StopReason = string(v.Value.StopReason)
			case *brtypes.ConverseStreamOutputMemberMetadata:
				if usage := v.Value.Usage; usage != nil {
					resp.Usage = provider.Usage{
						InputTokens:  int(aws.ToInt32(usage.InputTokens)),
						OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
					}
				}
			}
		}
	}
}

// classify wraps provider errors, marking throttling and 5xx responses
// transient so the retry layer can distinguish them.
func classify(operation string, err error) error {
	wrapped := fmt.Errorf("bedrock: %s: %w", operation, err)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "ModelTimeoutException":
			return provider.MarkTransient(wrapped)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status == 429 || status >= 500 {
			return provider.MarkTransient(wrapped)
		}
	}
	return wrapped
}
