package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/metrics"
)

// OpenAIClient implements ModelClient over the Chat Completions API. It also
// serves any OpenAI-compatible endpoint (set BaseURL for local inference
// gateways), which is how the LocalModel capability is wired when present.
type OpenAIClient struct {
	api *openai.Client
}

// NewOpenAIClient builds a client for api.openai.com or a compatible baseURL.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{api: openai.NewClientWithConfig(cfg)}
}

// Complete issues a non-streaming chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, model string, msgs []Message, opts Options) (*Completion, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(model, msgs, opts, false))
	if err != nil {
		metrics.ModelCalls.WithLabelValues(model, "error").Inc()
		return nil, classifyOpenAIError(model, err)
	}
	if len(resp.Choices) == 0 {
		metrics.ModelCalls.WithLabelValues(model, "error").Inc()
		return nil, apperr.Ef(apperr.KindUpstream, "model %s returned no choices", model)
	}

	metrics.ModelCalls.WithLabelValues(model, "ok").Inc()
	recordUsage(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

// Stream issues a streaming chat completion. Deltas are forwarded in arrival
// order; the final item carries usage and finish reason.
func (c *OpenAIClient) Stream(ctx context.Context, model string, msgs []Message, opts Options) (<-chan Chunk, error) {
	req := c.buildRequest(model, msgs, opts, true)
	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		metrics.ModelCalls.WithLabelValues(model, "error").Inc()
		return nil, classifyOpenAIError(model, err)
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		defer func() { _ = stream.Close() }()

		var finishReason string
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				metrics.ModelCalls.WithLabelValues(model, "ok").Inc()
				send(ctx, ch, Chunk{FinishReason: finishReason})
				return
			}
			if err != nil {
				metrics.ModelCalls.WithLabelValues(model, "error").Inc()
				send(ctx, ch, Chunk{Err: classifyOpenAIError(model, err)})
				return
			}
			if resp.Usage != nil {
				recordUsage(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
				u := &Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
				if !send(ctx, ch, Chunk{Usage: u}) {
					return
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				if !send(ctx, ch, Chunk{ContentDelta: choice.Delta.Content}) {
					return
				}
			}
		}
	}()
	return ch, nil
}

func (c *OpenAIClient) buildRequest(model string, msgs []Message, opts Options, streaming bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{Role: m.Role}
		if len(m.ImageURLs) > 0 {
			parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}
			for _, u := range m.ImageURLs {
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: u},
				})
			}
			cm.MultiContent = parts
		} else {
			cm.Content = m.Content
		}
		messages = append(messages, cm)
	}

	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
	}
	if streaming {
		req.Stream = true
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

// send delivers a chunk unless the consumer has gone away.
func send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func recordUsage(model string, prompt, completion int) {
	metrics.TokensUsed.WithLabelValues(model, "prompt").Add(float64(prompt))
	metrics.TokensUsed.WithLabelValues(model, "completion").Add(float64(completion))
}

func classifyOpenAIError(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return apperr.Wrap(apperr.KindRateLimited, fmt.Sprintf("model %s throttled", model), err)
		case apiErr.HTTPStatusCode >= 500:
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
