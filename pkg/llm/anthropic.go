package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/metrics"
)

// defaultAnthropicMaxTokens caps completions when the caller sets no limit;
// the Messages API requires an explicit max.
const defaultAnthropicMaxTokens = 4096

// AnthropicClient implements ModelClient over the Claude Messages API.
type AnthropicClient struct {
	api sdk.Client
}

// NewAnthropicClient builds a client from an API key.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{api: sdk.NewClient(option.WithAPIKey(apiKey))}
}

// Complete issues a non-streaming Messages call.
func (c *AnthropicClient) Complete(ctx context.Context, model string, msgs []Message, opts Options) (*Completion, error) {
	params := buildAnthropicParams(model, msgs, opts)
	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		metrics.ModelCalls.WithLabelValues(model, "error").Inc()
		return nil, classifyAnthropicError(model, err)
	}

	var content string
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(sdk.TextBlock); ok {
			content += text.Text
		}
	}

	metrics.ModelCalls.WithLabelValues(model, "ok").Inc()
	recordUsage(model, int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens))
	return &Completion{
		Content: content,
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		FinishReason: string(msg.StopReason),
	}, nil
}

// Stream issues a streaming Messages call, forwarding text deltas in arrival
// order and closing with usage + stop reason.
func (c *AnthropicClient) Stream(ctx context.Context, model string, msgs []Message, opts Options) (<-chan Chunk, error) {
	params := buildAnthropicParams(model, msgs, opts)
	stream := c.api.Messages.NewStreaming(ctx, params)

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		var stopReason string
		var usage Usage
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
					if !send(ctx, ch, Chunk{ContentDelta: delta.Text}) {
						return
					}
				}
			case sdk.MessageDeltaEvent:
				stopReason = string(ev.Delta.StopReason)
				usage = Usage{
					PromptTokens:     int(ev.Usage.InputTokens),
					CompletionTokens: int(ev.Usage.OutputTokens),
					TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
				}
			}
		}
		if err := stream.Err(); err != nil {
			metrics.ModelCalls.WithLabelValues(model, "error").Inc()
			send(ctx, ch, Chunk{Err: classifyAnthropicError(model, err)})
			return
		}

		metrics.ModelCalls.WithLabelValues(model, "ok").Inc()
		recordUsage(model, usage.PromptTokens, usage.CompletionTokens)
		send(ctx, ch, Chunk{Usage: &usage, FinishReason: stopReason})
	}()
	return ch, nil
}

func buildAnthropicParams(model string, msgs []Message, opts Options) sdk.MessageNewParams {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}
	return params
}

func classifyAnthropicError(model string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return apperr.Wrap(apperr.KindRateLimited, fmt.Sprintf("model %s throttled", model), err)
		case apiErr.StatusCode >= 500:
			return apperr.Wrap(apperr.KindTransient, fmt.Sprintf("model %s unavailable", model), err)
		default:
			return apperr.Wrap(apperr.KindUpstream, fmt.Sprintf("model %s error", model), err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindCancelled, fmt.Sprintf("model %s call cancelled", model), err)
	}
	return apperr.Wrap(apperr.KindTransient, fmt.Sprintf("model %s call failed", model), err)
}
