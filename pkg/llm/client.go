// Package llm abstracts remote chat-completion providers behind the
// ModelClient capability and enumerates available models in a Catalog.
// Concrete providers (openai-compatible, anthropic) are registered at startup
// behind a factory keyed by the catalog entry's provider name.
package llm

import (
	"context"
)

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ImageURLs carries vision inputs; ignored by text-only models.
	ImageURLs []string `json:"image_urls,omitempty"`
}

// Options tunes a single completion call.
type Options struct {
	Temperature float64
	MaxTokens   int
	// BudgetHint is an optional upper bound in USD the caller is willing to
	// spend on this call. Providers may use it to trim max tokens.
	BudgetHint float64
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a non-streaming call.
type Completion struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
}

// Chunk is one item of a model stream. Items arrive in order; FinishReason
// appears at most once, only in the last non-error item; an Err item
// terminates the stream. Streams are finite and not restartable.
type Chunk struct {
	ContentDelta string
	Usage        *Usage
	FinishReason string
	Err          error
}

// ModelClient invokes a remote chat-completion endpoint.
type ModelClient interface {
	Complete(ctx context.Context, model string, msgs []Message, opts Options) (*Completion, error)
	// Stream returns a channel closed after the final item. The channel is
	// drained or the context cancelled by the caller; providers must not block
	// forever on send.
	Stream(ctx context.Context, model string, msgs []Message, opts Options) (<-chan Chunk, error)
}

// Registry maps provider names to ModelClient implementations.
type Registry struct {
	clients map[string]ModelClient
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]ModelClient)}
}

// Register installs a provider under a name ("openai", "anthropic", "local").
func (r *Registry) Register(name string, c ModelClient) {
	r.clients[name] = c
}

// For returns the client registered for a provider name.
func (r *Registry) For(name string) (ModelClient, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Providers lists registered provider names.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	return out
}
