package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gaiin-platform/amplify-gateway/internal/adapter/mcp"
	"github.com/gaiin-platform/amplify-gateway/internal/adapter/search"
	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// maxToolIterations bounds the tool loop regardless of model behavior.
const maxToolIterations = 5

const webSearchToolName = "web_search"

var webSearchSchema = domain.ToolSchema{
	Name:        webSearchToolName,
	Description: "Search the web for current information. Use for questions about recent events or facts you are unsure about.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query"}
		},
		"required": ["query"]
	}`),
}

// ToolLoop drives function calling: it calls the model with tool
// definitions, dispatches requested tools to the web-search chain or the
// user's MCP servers, feeds results back, and iterates up to the bound.
type ToolLoop struct {
	client *LLMClient
	search *search.Chain
	mcp    *mcp.Manager
	logger *slog.Logger
}

// NewToolLoop creates the executor.
func NewToolLoop(client *LLMClient, searchChain *search.Chain, mcpManager *mcp.Manager, logger *slog.Logger) *ToolLoop {
	return &ToolLoop{client: client, search: searchChain, mcp: mcpManager, logger: logger}
}

// ToolDefinitions assembles the tool schemas for a request: web search when
// the request enables it and the search chain has a backend available, plus
// the user's MCP tools.
func (l *ToolLoop) ToolDefinitions(ctx context.Context, userID string, enableWebSearch bool) []domain.ToolSchema {
	var tools []domain.ToolSchema
	if enableWebSearch && l.search != nil && l.search.Available() {
		tools = append(tools, webSearchSchema)
	}
	if l.mcp != nil {
		tools = append(tools, l.mcp.Tools(ctx, userID)...)
	}
	return tools
}

// Run executes the loop. The first round's text streams to src; later rounds
// are silent, and the final reply (the first round with no tool calls) is
// forwarded explicitly. Collected web-search sources are pushed as a state
// event for the client's citations panel.
func (l *ToolLoop) Run(ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, msgs []domain.Message, opts CallOptions, tools []domain.ToolSchema, mux *Multiplexer, src *Source, killed func() bool) (domain.ChatResult, error) {
	conversation := append([]domain.Message(nil), msgs...)
	var searchSources []search.Result
	var lastResult domain.ChatResult

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		if killed != nil && killed() {
			return lastResult, domain.ErrCancelled
		}

		callOpts := opts
		callOpts.Tools = tools
		callOpts.ToolChoice = domain.ToolChoiceAuto

		// On the final iteration, drop tools so the model produces a
		// natural-language answer instead of more calls.
		if iteration == maxToolIterations-1 {
			callOpts.Tools = nil
			callOpts.ToolChoice = ""
		}

		var onDelta DeltaFunc
		if iteration == 0 && src != nil {
			onDelta = func(ctx context.Context, text string) error {
				return src.Delta(ctx, text)
			}
		}

		result, err := l.client.Stream(ctx, principal, model, conversation, callOpts, onDelta)
		if err != nil {
			return lastResult, err
		}
		lastResult = result

		if len(result.ToolCalls) == 0 {
			// Finalize: forward the reply when it was produced silently, and
			// surface the collected sources.
			if iteration > 0 && src != nil && result.Content != "" {
				if err := src.Delta(ctx, result.Content); err != nil {
					return result, err
				}
			}
			if len(searchSources) > 0 && mux != nil {
				mux.PushState(ctx, sourcesState(searchSources))
			}
			return result, nil
		}

		conversation = append(conversation, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})

		for _, call := range result.ToolCalls {
			if killed != nil && killed() {
				return lastResult, domain.ErrCancelled
			}

			// Client-side MCP mode: hand the calls back to the client and
			// stop; the client continues the conversation.
			if strings.HasPrefix(call.Name, mcp.ToolPrefix) && opts.MCPClientSide {
				if mux != nil {
					mux.PushState(ctx, domain.StateEvent{"mcp_tool_calls": result.ToolCalls})
				}
				lastResult.PendingMCPToolCalls = true
				return lastResult, nil
			}

			toolMsg := l.executeTool(ctx, principal, call, mux, &searchSources)
			conversation = append(conversation, toolMsg)
		}
	}

	return lastResult, fmt.Errorf("%w: tool loop reached max iterations", domain.ErrToolFailure)
}

// executeTool dispatches one call and returns the tool-result message.
// Failures become a tool result with an error marker and feed back into the
// loop rather than aborting it.
func (l *ToolLoop) executeTool(ctx context.Context, principal domain.Principal, call domain.ToolCall, mux *Multiplexer, searchSources *[]search.Result) domain.Message {
	if mux != nil {
		mux.Status(ctx, domain.StatusEvent{
			ID:         call.ID,
			Summary:    "Running " + call.Name,
			InProgress: true,
			Animated:   true,
		})
	}

	content, err := l.dispatch(ctx, principal, call, searchSources)
	if err != nil {
		l.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		content = fmt.Sprintf(`{"is_error":true,"error":%q}`, err.Error())
	}

	if mux != nil {
		mux.Status(ctx, domain.StatusEvent{
			ID:         call.ID,
			Summary:    call.Name + " done",
			InProgress: false,
		})
	}

	return domain.Message{
		Role:       domain.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    content,
	}
}

func (l *ToolLoop) dispatch(ctx context.Context, principal domain.Principal, call domain.ToolCall, searchSources *[]search.Result) (string, error) {
	switch {
	case call.Name == webSearchToolName:
		if l.search == nil {
			return "", fmt.Errorf("%w: web search is not configured", domain.ErrToolFailure)
		}
		var params struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(call.Arguments, &params); err != nil {
			return "", fmt.Errorf("%w: web_search arguments: %s", domain.ErrToolFailure, err)
		}
		if strings.TrimSpace(params.Query) == "" {
			return "", fmt.Errorf("%w: web_search query must not be empty", domain.ErrToolFailure)
		}
		resp, err := l.search.Search(ctx, params.Query)
		if err != nil {
			return "", fmt.Errorf("%w: %s", domain.ErrToolFailure, err)
		}
		*searchSources = append(*searchSources, resp.Results...)
		return search.FormatMarkdown(resp), nil

	case strings.HasPrefix(call.Name, mcp.ToolPrefix):
		return l.mcp.Call(ctx, principal.UserID, call.Name, call.Arguments)

	default:
		return "", fmt.Errorf("%w: unknown tool %q", domain.ErrToolFailure, call.Name)
	}
}

// sourcesState shapes the citations-panel state event.
func sourcesState(results []search.Result) domain.StateEvent {
	sources := make([]map[string]string, 0, len(results))
	for _, r := range results {
		sources = append(sources, map[string]string{
			"title": r.Title,
			"url":   r.URL,
		})
	}
	return domain.StateEvent{
		"sources": map[string]any{
			"webSearch": map[string]any{"sources": sources},
		},
	}
}
