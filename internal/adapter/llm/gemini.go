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

// GeminiAdapter implements Adapter for the Google Gemini API.
type GeminiAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewGeminiAdapter creates the Gemini adapter.
func NewGeminiAdapter(ep config.ProviderEndpoint, logger *slog.Logger) *GeminiAdapter {
	baseURL := strings.TrimRight(ep.URL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiAdapter{
		baseURL: baseURL,
		apiKey:  ep.APIKey,
		client:  NewHTTPClient(ep),
		logger:  logger,
	}
}

// Name implements Adapter.
func (a *GeminiAdapter) Name() string { return domain.ProviderGemini }

// --- Gemini API wire types ---

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	Tools             []geminiTool     `json:"tools,omitempty"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	InlineData       *geminiInlineData   `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResponse `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFuncResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

func toGeminiRequest(req Request) geminiRequest {
	shaped := shapeMessages(req.Model, req.Messages)

	gr := geminiRequest{}

	for _, m := range shaped {
		switch m.Role {
		case domain.RoleSystem:
			gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Text()}}}

		case domain.RoleTool:
			gr.Contents = append(gr.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFuncResponse{
						Name:     m.Name,
						Response: map[string]any{"content": m.Content},
					},
				}},
			})

		case domain.RoleAssistant:
			content := geminiContent{Role: "model"}
			if text := m.Text(); text != "" {
				content.Parts = append(content.Parts, geminiPart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: tc.Arguments},
				})
			}
			gr.Contents = append(gr.Contents, content)

		case domain.RoleUser:
			content := geminiContent{Role: "user"}
			if len(m.Parts) > 0 {
				for _, p := range m.Parts {
					switch p.Type {
					case "image_url":
						if mediaType, raw, ok := decodeDataURI(p.ImageURL.URL); ok {
							content.Parts = append(content.Parts, geminiPart{
								InlineData: &geminiInlineData{MimeType: mediaType, Data: encodeBase64(raw)},
							})
						}
					default:
						content.Parts = append(content.Parts, geminiPart{Text: p.Text})
					}
				}
			} else {
				content.Parts = []geminiPart{{Text: m.Content}}
			}
			gr.Contents = append(gr.Contents, content)
		}
	}

	if req.MaxTokens > 0 || req.Temperature > 0 || req.TopP > 0 {
		gc := &geminiGenConfig{MaxOutputTokens: req.MaxTokens}
		if req.Temperature > 0 {
			gc.Temperature = &req.Temperature
		}
		if req.TopP > 0 {
			gc.TopP = &req.TopP
		}
		gr.GenerationConfig = gc
	}

	if len(req.Tools) > 0 {
		decls := make([]geminiFuncDecl, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		gr.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return gr
}

// StreamChat implements Adapter.
func (a *GeminiAdapter) StreamChat(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		a.baseURL, req.Model.ID, a.apiKey)

	httpResp, err := doStreamRequest(ctx, a.client, url, body, nil)
	if err != nil {
		return nil, err
	}

	ch := parseSSEStream(ctx, httpResp.Body, func(data []byte) (*Chunk, error) {
		var chunk geminiStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, err
		}

		out := &Chunk{}
		if len(chunk.Candidates) > 0 {
			c := chunk.Candidates[0]
			for _, p := range c.Content.Parts {
				out.Text += p.Text
				if p.FunctionCall != nil {
					out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
						ID:        "gemini_" + p.FunctionCall.Name,
						Name:      p.FunctionCall.Name,
						Arguments: p.FunctionCall.Args,
					})
				}
			}
			if c.FinishReason != "" {
				out.Done = true
			}
		}
		if chunk.UsageMetadata != nil && out.Done {
			out.Usage = &domain.Usage{
				PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
				CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
			}
		}
		return out, nil
	})

	return ch, nil
}

// Compile-time interface check.
var _ Adapter = (*GeminiAdapter)(nil)
