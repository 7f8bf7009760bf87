package usecase

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/adapter/llm"
	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// scriptedResponse is one canned provider turn: either an initial error or a
// chunk sequence.
type scriptedResponse struct {
	err    error
	chunks []llm.Chunk
}

// scriptedAdapter replays canned responses in order and records the requests
// it received.
type scriptedAdapter struct {
	name string

	mu        sync.Mutex
	responses []scriptedResponse
	requests  []llm.Request
}

func (a *scriptedAdapter) Name() string {
	if a.name == "" {
		return domain.ProviderBedrock
	}
	return a.name
}

func (a *scriptedAdapter) StreamChat(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	var resp scriptedResponse
	if len(a.responses) > 0 {
		resp = a.responses[0]
		a.responses = a.responses[1:]
	} else {
		resp = scriptedResponse{chunks: []llm.Chunk{{Text: "ok"}, {Done: true}}}
	}
	a.mu.Unlock()

	if resp.err != nil {
		return nil, resp.err
	}

	ch := make(chan llm.Chunk, len(resp.chunks))
	for _, c := range resp.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func (a *scriptedAdapter) request(i int) llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[i]
}

// textTurn is a convenience for a plain streamed reply.
func textTurn(parts ...string) scriptedResponse {
	chunks := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, llm.Chunk{Text: p})
	}
	chunks = append(chunks, llm.Chunk{Done: true, Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}})
	return scriptedResponse{chunks: chunks}
}

// toolTurn is a reply that requests tool calls.
func toolTurn(calls ...domain.ToolCall) scriptedResponse {
	return scriptedResponse{chunks: []llm.Chunk{
		{ToolCalls: calls},
		{Done: true},
	}}
}

// newTestClient builds an LLMClient over a scripted adapter and an in-memory
// model catalog.
func newTestClient(t *testing.T, adapter *scriptedAdapter, models []domain.ModelDescriptor) *LLMClient {
	t.Helper()

	counter, err := NewTokenCounter()
	require.NoError(t, err)

	registry := llm.NewRegistry(slog.Default(), adapter)
	modelRegistry := testRegistry(t, nil, &fakeModelReader{models: models})

	return NewLLMClient(registry, counter, NewOverflowCache(), modelRegistry, slog.Default())
}

func bedrockModel(id string, window int) domain.ModelDescriptor {
	return domain.ModelDescriptor{
		ID:                   id,
		Provider:             domain.ProviderBedrock,
		ContextWindow:        window,
		OutputTokenLimit:     4096,
		SupportsSystemPrompt: true,
	}
}
