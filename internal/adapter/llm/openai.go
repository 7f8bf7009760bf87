package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

// OpenAIAdapter implements Adapter for the OpenAI-family wire format,
// covering api.openai.com and Azure OpenAI ("chat/completions" and
// "responses" endpoints). Azure is selected by the azure flag, which switches
// authentication from "Authorization: Bearer" to the "api-key" header.
type OpenAIAdapter struct {
	name            string
	baseURL         string
	apiKey          string
	apiVersion      string // Azure query parameter; empty for api.openai.com
	azure           bool
	preferResponses bool
	client          *http.Client
	logger          *slog.Logger
}

// NewOpenAIAdapter creates the adapter for api.openai.com.
func NewOpenAIAdapter(ep config.ProviderEndpoint, logger *slog.Logger) *OpenAIAdapter {
	baseURL := strings.TrimRight(ep.URL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIAdapter{
		name:    domain.ProviderOpenAI,
		baseURL: baseURL,
		apiKey:  ep.APIKey,
		client:  NewHTTPClient(ep),
		logger:  logger,
	}
}

// NewAzureAdapter creates the adapter for an Azure OpenAI deployment. The
// responses endpoint is used for every request without tools; tool requests
// always fall back to chat/completions.
func NewAzureAdapter(ep config.ProviderEndpoint, logger *slog.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{
		name:            domain.ProviderAzure,
		baseURL:         strings.TrimRight(ep.URL, "/"),
		apiKey:          ep.APIKey,
		apiVersion:      ep.APIVersion,
		azure:           true,
		preferResponses: true,
		client:          NewHTTPClient(ep),
		logger:          logger,
	}
}

// Name implements Adapter.
func (a *OpenAIAdapter) Name() string { return a.name }

// useResponsesEndpoint decides the endpoint. The responses endpoint must not
// be used with function calls; tools force chat/completions.
func (a *OpenAIAdapter) useResponsesEndpoint(req Request) bool {
	return a.preferResponses && len(req.Tools) == 0
}

func (a *OpenAIAdapter) headers() map[string]string {
	h := map[string]string{}
	if a.apiKey == "" {
		return h
	}
	if a.azure {
		h["api-key"] = a.apiKey
	} else {
		h["Authorization"] = "Bearer " + a.apiKey
	}
	return h
}

func (a *OpenAIAdapter) endpoint(path string) string {
	url := a.baseURL + path
	if a.apiVersion != "" {
		url += "?api-version=" + a.apiVersion
	}
	return url
}

// StreamChat implements Adapter.
func (a *OpenAIAdapter) StreamChat(ctx context.Context, req Request) (<-chan Chunk, error) {
	if a.useResponsesEndpoint(req) {
		return a.streamResponses(ctx, req)
	}
	return a.streamCompletions(ctx, req)
}

// --- chat/completions wire types ---

type openaiRequest struct {
	Model           string          `json:"model"`
	Messages        []openaiMessage `json:"messages"`
	Tools           []openaiTool    `json:"tools,omitempty"`
	ToolChoice      string          `json:"tool_choice,omitempty"`
	MaxTokens       int             `json:"max_completion_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream"`
	StreamOptions   *streamOptions  `json:"stream_options,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"` // string or []part
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	Index    *int                   `json:"index,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiStreamChunk struct {
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

func toOpenAIRequest(req Request) openaiRequest {
	shaped := shapeMessages(req.Model, req.Messages)

	msgs := make([]openaiMessage, 0, len(shaped))
	for _, m := range shaped {
		om := openaiMessage{Role: m.Role, Name: m.Name}

		if len(m.Parts) > 0 {
			parts := make([]map[string]any, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Type {
				case "image_url":
					parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]string{"url": p.ImageURL.URL}})
				default:
					parts = append(parts, map[string]any{"type": "text", "text": p.Text})
				}
			}
			om.Content = parts
		} else if m.Content != "" || m.Role != domain.RoleAssistant || len(m.ToolCalls) == 0 {
			om.Content = m.Content
		}

		switch {
		case m.Role == domain.RoleTool:
			om.ToolCallID = m.ToolCallID
		case len(m.ToolCalls) > 0:
			om.ToolCalls = make([]openaiToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				om.ToolCalls[i] = openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiToolCallFunction{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}

		msgs = append(msgs, om)
	}

	oaiReq := openaiRequest{
		Model:         req.Model.ID,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		oaiReq.Temperature = &req.Temperature
	}
	if req.TopP > 0 {
		oaiReq.TopP = &req.TopP
	}

	if len(req.Tools) > 0 {
		oaiReq.Tools = make([]openaiTool, len(req.Tools))
		for i, t := range req.Tools {
			oaiReq.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
		if req.ToolChoice != "" {
			oaiReq.ToolChoice = string(req.ToolChoice)
		}
	}

	if reasoningApplies(req) {
		oaiReq.ReasoningEffort = reasoningLevel(req)
	}

	return oaiReq
}

func (a *OpenAIAdapter) streamCompletions(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(toOpenAIRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, a.client, a.endpoint("/chat/completions"), body, a.headers())
	if err != nil {
		return nil, err
	}

	ch := parseSSEStream(ctx, httpResp.Body, func(data []byte) (*Chunk, error) {
		var chunk openaiStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, err
		}

		out := &Chunk{}
		if len(chunk.Choices) > 0 {
			c := chunk.Choices[0]
			out.Text = c.Delta.Content
			for _, tc := range c.Delta.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				})
			}
			if c.FinishReason != nil && *c.FinishReason != "" {
				out.Done = true
			}
		}
		if chunk.Usage != nil {
			out.Usage = &domain.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
			// Usage arrives on the final (choice-less) chunk.
			out.Done = true
		}
		return out, nil
	})

	return ch, nil
}

// --- responses endpoint wire types ---

type responsesRequest struct {
	Model     string           `json:"model"`
	Input     []openaiMessage  `json:"input"`
	MaxOutput int              `json:"max_output_tokens,omitempty"`
	Stream    bool             `json:"stream"`
	Reasoning *responsesReason `json:"reasoning,omitempty"`
}

type responsesReason struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary,omitempty"`
}

type responsesStreamEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta,omitempty"`
	Response *struct {
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	} `json:"response,omitempty"`
}

func (a *OpenAIAdapter) streamResponses(ctx context.Context, req Request) (<-chan Chunk, error) {
	shaped := shapeMessages(req.Model, req.Messages)
	input := make([]openaiMessage, 0, len(shaped))
	for _, m := range shaped {
		input = append(input, openaiMessage{Role: m.Role, Content: m.Text()})
	}

	rr := responsesRequest{
		Model:  req.Model.ID,
		Input:  input,
		Stream: true,
	}
	if req.MaxTokens > 0 {
		rr.MaxOutput = req.MaxTokens
	}
	if reasoningApplies(req) {
		rr.Reasoning = &responsesReason{Effort: reasoningLevel(req), Summary: "auto"}
	}

	body, err := json.Marshal(rr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, a.client, a.endpoint("/responses"), body, a.headers())
	if err != nil {
		return nil, err
	}

	ch := parseSSEStream(ctx, httpResp.Body, func(data []byte) (*Chunk, error) {
		var ev responsesStreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}

		switch ev.Type {
		case "response.output_text.delta":
			return &Chunk{Text: ev.Delta}, nil
		case "response.completed":
			out := &Chunk{Done: true}
			if ev.Response != nil && ev.Response.Usage != nil {
				out.Usage = &domain.Usage{
					PromptTokens:     ev.Response.Usage.InputTokens,
					CompletionTokens: ev.Response.Usage.OutputTokens,
					TotalTokens:      ev.Response.Usage.TotalTokens,
				}
			}
			return out, nil
		case "response.failed", "error":
			return &Chunk{Err: fmt.Errorf("%w: responses stream failed", domain.ErrProviderError)}, nil
		default:
			return nil, nil
		}
	})

	return ch, nil
}

// Compile-time interface check.
var _ Adapter = (*OpenAIAdapter)(nil)
