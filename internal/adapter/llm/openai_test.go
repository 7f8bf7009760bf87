package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

func openaiTestModel() domain.ModelDescriptor {
	return domain.ModelDescriptor{
		ID:                   "gpt-4o",
		Provider:             domain.ProviderOpenAI,
		ContextWindow:        128000,
		SupportsSystemPrompt: true,
		SupportsImages:       true,
	}
}

func TestOpenAIEndpointSelectionToolsForceCompletions(t *testing.T) {
	azure := NewAzureAdapter(config.ProviderEndpoint{URL: "https://example.azure.com/openai"}, slog.Default())

	withTools := Request{
		Model: openaiTestModel(),
		Tools: []domain.ToolSchema{{Name: "t", Parameters: json.RawMessage(`{}`)}},
	}
	assert.False(t, azure.useResponsesEndpoint(withTools),
		"the responses endpoint must not be used with function calls")

	withoutTools := Request{Model: openaiTestModel()}
	assert.True(t, azure.useResponsesEndpoint(withoutTools))

	openai := NewOpenAIAdapter(config.ProviderEndpoint{}, slog.Default())
	assert.False(t, openai.useResponsesEndpoint(withoutTools))
}

func TestToOpenAIRequestReasoningRules(t *testing.T) {
	model := openaiTestModel()
	model.SupportsReasoning = true

	// Reasoning defaults to low when supported and no tools are present.
	req := toOpenAIRequest(Request{Model: model, Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}})
	assert.Equal(t, "low", req.ReasoningEffort)

	// Never alongside custom tools.
	req = toOpenAIRequest(Request{
		Model:    model,
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		Tools:    []domain.ToolSchema{{Name: "t", Parameters: json.RawMessage(`{}`)}},
	})
	assert.Empty(t, req.ReasoningEffort)

	// Caller-selected level passes through.
	req = toOpenAIRequest(Request{Model: model, ReasoningLevel: "high",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}})
	assert.Equal(t, "high", req.ReasoningEffort)

	// Disabled by the caller.
	req = toOpenAIRequest(Request{Model: model, ReasoningLevel: "none",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}})
	assert.Empty(t, req.ReasoningEffort)
}

func TestToOpenAIRequestToolMessages(t *testing.T) {
	model := openaiTestModel()
	req := toOpenAIRequest(Request{
		Model: model,
		Messages: []domain.Message{
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "call_1", Name: "web_search", Arguments: json.RawMessage(`{"query":"x"}`)},
			}},
			{Role: domain.RoleTool, ToolCallID: "call_1", Content: "result text"},
		},
	})

	require.Len(t, req.Messages, 2)
	require.Len(t, req.Messages[0].ToolCalls, 1)
	assert.Equal(t, "call_1", req.Messages[0].ToolCalls[0].ID)
	assert.Equal(t, "web_search", req.Messages[0].ToolCalls[0].Function.Name)
	assert.Equal(t, "call_1", req.Messages[1].ToolCallID)
}

func TestOpenAIStreamCompletions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req openaiRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"hel"},"finish_reason":null}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(config.ProviderEndpoint{URL: server.URL, APIKey: "test-key"}, slog.Default())
	ch, err := adapter.StreamChat(context.Background(), Request{
		Model:    openaiTestModel(),
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var acc Accumulator
	for c := range ch {
		require.NoError(t, c.Err)
		acc.Add(c)
	}
	result := acc.Result()
	assert.Equal(t, "hello", result.Content)
	assert.Equal(t, 6, result.Usage.TotalTokens)
}

func TestOpenAIStreamNon200IsMappedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"code":"context_length_exceeded","message":"maximum context length is 128000"}}`)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(config.ProviderEndpoint{URL: server.URL, APIKey: "k"}, slog.Default())
	_, err := adapter.StreamChat(context.Background(), Request{
		Model:    openaiTestModel(),
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrContextOverflow)
}

func TestAzureResponsesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("api-key"))
		assert.Equal(t, "2025-04-01", r.URL.Query().Get("api-version"))

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"type":"response.output_text.delta","delta":"hi"}`+"\n\n")
		io.WriteString(w, `data: {"type":"response.completed","response":{"usage":{"input_tokens":2,"output_tokens":1,"total_tokens":3}}}`+"\n\n")
	}))
	defer server.Close()

	adapter := NewAzureAdapter(config.ProviderEndpoint{URL: server.URL, APIKey: "secret", APIVersion: "2025-04-01"}, slog.Default())
	ch, err := adapter.StreamChat(context.Background(), Request{
		Model:    openaiTestModel(),
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var acc Accumulator
	for c := range ch {
		require.NoError(t, c.Err)
		acc.Add(c)
	}
	result := acc.Result()
	assert.Equal(t, "hi", result.Content)
	assert.Equal(t, 3, result.Usage.TotalTokens)
}

func TestRegistryRetriesWithoutTools(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		body, _ := io.ReadAll(r.Body)
		var req openaiRequest
		require.NoError(t, json.Unmarshal(body, &req))

		if len(req.Tools) > 0 {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"message":"tools unsupported"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`+"\n\n")
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(config.ProviderEndpoint{URL: server.URL, APIKey: "k"}, slog.Default())
	registry := NewRegistry(slog.Default(), adapter)

	ch, err := registry.Stream(context.Background(), Request{
		Model:    openaiTestModel(),
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		Tools:    []domain.ToolSchema{{Name: "t", Parameters: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)
	for range ch {
	}
	assert.Equal(t, 2, attempts, "first attempt with tools fails, retry without tools succeeds")
}
