package llm

import (
	"context"
	"sync"
)

// MockModelClient is a scripted ModelClient for tests. Responses are matched
// by model id, falling back to Default.
type MockModelClient struct {
	mu        sync.Mutex
	Responses map[string]string
	Default   string
	// Errs maps model id to an error returned instead of a completion.
	Errs map[string]error
	// Calls records every (model, last user message) pair.
	Calls [][2]string
}

// NewMockModelClient returns a mock that answers every call with defaultText.
func NewMockModelClient(defaultText string) *MockModelClient {
	return &MockModelClient{
		Responses: make(map[string]string),
		Errs:      make(map[string]error),
		Default:   defaultText,
	}
}

func (m *MockModelClient) response(model string, msgs []Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastUser string
	for _, msg := range msgs {
		if msg.Role == RoleUser {
			lastUser = msg.Content
		}
	}
	m.Calls = append(m.Calls, [2]string{model, lastUser})
	if err, ok := m.Errs[model]; ok {
		return "", err
	}
	if r, ok := m.Responses[model]; ok {
		return r, nil
	}
	return m.Default, nil
}

// CallCount returns the number of recorded calls.
func (m *MockModelClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Complete implements ModelClient.
func (m *MockModelClient) Complete(_ context.Context, model string, msgs []Message, _ Options) (*Completion, error) {
	content, err := m.response(model, msgs)
	if err != nil {
		return nil, err
	}
	return &Completion{
		Content:      content,
		Usage:        Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		FinishReason: "stop",
	}, nil
}

// Stream implements ModelClient, splitting the scripted response into
// word-sized deltas.
func (m *MockModelClient) Stream(ctx context.Context, model string, msgs []Message, _ Options) (<-chan Chunk, error) {
	content, err := m.response(model, msgs)
	if err != nil {
		return nil, err
	}
	ch := make(chan Chunk, 8)
	go func() {
		defer close(ch)
		for i := 0; i < len(content); i += 16 {
			end := i + 16
			if end > len(content) {
				end = len(content)
			}
			if !send(ctx, ch, Chunk{ContentDelta: content[i:end]}) {
				return
			}
		}
		send(ctx, ch, Chunk{
			Usage:        &Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			FinishReason: "stop",
		})
	}()
	return ch, nil
}
