package embed

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/inquest-ai/inquest/pkg/apperr"
)

// OpenAIEmbedder produces embeddings via the OpenAI embeddings API (or any
// compatible endpoint). The requested dimension is passed through so the
// corpus stays consistent regardless of the model's native width.
type OpenAIEmbedder struct {
	api   *openai.Client
	model string
	dim   int
}

// NewOpenAIEmbedder builds an embedder with a fixed model and dimension.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dim int) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{api: openai.NewClientWithConfig(cfg), model: model, dim: dim}
}

// Dim returns the fixed output dimension.
func (e *OpenAIEmbedder) Dim() int { return e.dim }

// Embed returns one vector per input, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.api.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dim,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "embedder unavailable", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperr.Ef(apperr.KindUpstream,
			"embedder returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	// The API documents response order matching input order; Index is used to
	// be safe against reordering.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
