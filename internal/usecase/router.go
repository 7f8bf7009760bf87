package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gaiin-platform/amplify-gateway/internal/adapter/llm"
	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// Assistant strategy names.
const (
	StrategyDefault         = "default"
	StrategyMapReduce       = "mapReduce"
	StrategyWorkflow        = "workflow"
	StrategyAgent           = "agent"
	StrategyCodeInterpreter = "codeInterpreter"
	StrategyArtifacts       = "artifacts"
)

// mapReduceSourceThreshold is the source count above which the router picks
// the mapReduce strategy absent an explicit selection.
const mapReduceSourceThreshold = 8

// StrategyEnv bundles what every strategy handler receives.
type StrategyEnv struct {
	Principal domain.Principal
	Model     domain.ModelDescriptor
	Request   *domain.ChatRequest
	Options   CallOptions
	Resolved  ResolvedSources
	Mux       *Multiplexer
	Killed    func() bool
}

// StrategyResult is an optional non-streaming outcome. A nil result means
// the strategy completed on the stream.
type StrategyResult struct {
	Status int
	Body   any
}

// ExternalHandler serves the strategies implemented outside the core
// (agent, codeInterpreter, artifacts).
type ExternalHandler interface {
	Handle(ctx context.Context, env *StrategyEnv) (*StrategyResult, error)
}

// Router chooses a strategy from lightweight request signals and dispatches
// it.
type Router struct {
	client   *LLMClient
	resolver *Resolver
	toolLoop *ToolLoop
	workflow *WorkflowExecutor
	fetcher  llm.ContentFetcher
	external map[string]ExternalHandler
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter creates the router. external maps strategy names to their typed
// out-of-core handlers; missing entries yield 501.
func NewRouter(client *LLMClient, resolver *Resolver, toolLoop *ToolLoop, workflow *WorkflowExecutor, fetcher llm.ContentFetcher, external map[string]ExternalHandler, logger *slog.Logger) *Router {
	if external == nil {
		external = map[string]ExternalHandler{}
	}
	return &Router{
		client:   client,
		resolver: resolver,
		toolLoop: toolLoop,
		workflow: workflow,
		fetcher:  fetcher,
		external: external,
		logger:   logger,
		now:      time.Now,
	}
}

// Select reads the routing signals and returns the strategy name.
func (r *Router) Select(env *StrategyEnv) string {
	if env.Request.Workflow != nil && len(env.Request.Workflow.Steps) > 0 {
		return StrategyWorkflow
	}

	if id := env.Request.Options.AssistantID; id != "" {
		switch {
		case strings.HasPrefix(id, "agent"):
			return StrategyAgent
		case strings.HasPrefix(id, "codeInterpreter"):
			return StrategyCodeInterpreter
		case strings.HasPrefix(id, "artifacts"):
			return StrategyArtifacts
		}
	}

	if opts := env.Request.Options.DataSourceOptions; opts != nil {
		if s, ok := opts["strategy"].(string); ok && s == StrategyMapReduce {
			return StrategyMapReduce
		}
	}
	if len(env.Resolved.Text) > mapReduceSourceThreshold {
		return StrategyMapReduce
	}

	return StrategyDefault
}

// Route selects and dispatches a strategy, emitting the routing state event
// first.
func (r *Router) Route(ctx context.Context, env *StrategyEnv) (*StrategyResult, error) {
	start := r.now()
	name := r.Select(env)

	env.Mux.PushState(ctx, domain.StateEvent{
		"assistant":       name,
		"routing_time_ms": r.now().Sub(start).Milliseconds(),
	})
	r.logger.Debug("assistant routed", "strategy", name)

	switch name {
	case StrategyDefault:
		return r.handleDefault(ctx, env)
	case StrategyMapReduce:
		return r.handleMapReduce(ctx, env)
	case StrategyWorkflow:
		return r.workflow.Execute(ctx, env)
	default:
		handler, ok := r.external[name]
		if !ok {
			return &StrategyResult{
				Status: http.StatusNotImplemented,
				Body:   map[string]string{"error": fmt.Sprintf("assistant %q is not configured", name)},
			}, nil
		}
		return handler.Handle(ctx, env)
	}
}

// handleDefault runs one or more sequential prompts, one per data-source
// context chunk, streaming each through the tool loop. The kill switch is
// polled between contexts.
func (r *Router) handleDefault(ctx context.Context, env *StrategyEnv) (*StrategyResult, error) {
	chunks := r.contextChunks(ctx, env)

	msgs := env.Request.Messages
	if !env.Request.Options.SkipRAG {
		msgs = r.resolver.AttachContext(ctx, env.Principal, env.Model, msgs, env.Resolved, env.Request.Options.RAGOnly)
	}
	msgs = r.attachImages(ctx, env, msgs)

	tools := r.toolLoop.ToolDefinitions(ctx, env.Principal.UserID, env.Request.Options.EnableWebSearch)

	src := env.Mux.Register("assistant")
	defer src.End(ctx)

	if len(chunks) == 0 {
		_, err := r.toolLoop.Run(ctx, env.Principal, env.Model, msgs, env.Options, tools, env.Mux, src, env.Killed)
		return nil, err
	}

	for i, chunk := range chunks {
		if env.Killed() {
			return nil, domain.ErrCancelled
		}
		chunkMsgs := withContextChunk(msgs, chunk, i, len(chunks))
		if _, err := r.toolLoop.Run(ctx, env.Principal, env.Model, chunkMsgs, env.Options, tools, env.Mux, src, env.Killed); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// handleMapReduce runs a per-chunk map prompt, then pairwise reduces until a
// single result remains, streaming the final reduction.
func (r *Router) handleMapReduce(ctx context.Context, env *StrategyEnv) (*StrategyResult, error) {
	chunks := r.contextChunks(ctx, env)
	if len(chunks) == 0 {
		return r.handleDefault(ctx, env)
	}

	last := env.Request.LastUserMessage()
	if last == nil {
		return &StrategyResult{Status: http.StatusBadRequest, Body: map[string]string{"error": "no user message"}}, nil
	}
	question := last.Text()

	src := env.Mux.Register("assistant")
	defer src.End(ctx)

	// Map phase.
	mapped := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if env.Killed() {
			return nil, domain.ErrCancelled
		}
		env.Mux.Status(ctx, domain.StatusEvent{
			ID:         fmt.Sprintf("map-%d", i),
			Summary:    fmt.Sprintf("Analyzing source %d of %d", i+1, len(chunks)),
			InProgress: true,
			Animated:   true,
		})
		answer, err := r.client.PromptForString(ctx, env.Principal, env.Model,
			"Answer the question using only the provided source material. Be concise.",
			fmt.Sprintf("Source material:\n%s\n\nQuestion: %s", chunk, question),
			env.Options)
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, answer)
	}

	// A single chunk needs no reduction; forward its answer directly.
	if len(mapped) == 1 {
		return nil, src.Delta(ctx, mapped[0])
	}

	// Reduce phase: pairwise until one remains, streaming the last call.
	if _, err := r.reduce(ctx, env, question, mapped, src); err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *Router) reduce(ctx context.Context, env *StrategyEnv, question string, parts []string, src *Source) (string, error) {
	for len(parts) > 1 {
		if env.Killed() {
			return "", domain.ErrCancelled
		}
		next := make([]string, 0, (len(parts)+1)/2)
		for i := 0; i < len(parts); i += 2 {
			if i+1 >= len(parts) {
				next = append(next, parts[i])
				continue
			}
			streaming := len(parts) == 2
			user := fmt.Sprintf("Combine these two partial answers into one:\n\n1) %s\n\n2) %s\n\nQuestion: %s", parts[i], parts[i+1], question)
			if streaming {
				result, err := r.client.Stream(ctx, env.Principal, env.Model, []domain.Message{
					{Role: domain.RoleSystem, Content: "Merge the partial answers into a single coherent answer."},
					{Role: domain.RoleUser, Content: user},
				}, internalOpts(env.Options), func(ctx context.Context, text string) error {
					return src.Delta(ctx, text)
				})
				if err != nil {
					return "", err
				}
				next = append(next, result.Content)
				continue
			}
			combined, err := r.client.PromptForString(ctx, env.Principal, env.Model,
				"Merge the partial answers into a single coherent answer.", user, env.Options)
			if err != nil {
				return "", err
			}
			next = append(next, combined)
		}
		parts = next
	}
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], nil
}

// contextChunks fetches each text data source's content as one chunk.
func (r *Router) contextChunks(ctx context.Context, env *StrategyEnv) []string {
	if r.fetcher == nil {
		return nil
	}
	var chunks []string
	for _, d := range env.Resolved.Text {
		data, _, err := r.fetcher.Fetch(ctx, d.ID)
		if err != nil {
			r.logger.Warn("data source fetch failed, skipping", "source", d.ID, "error", err)
			continue
		}
		if len(data) > 0 {
			chunks = append(chunks, string(data))
		}
	}
	return chunks
}

func (r *Router) attachImages(ctx context.Context, env *StrategyEnv, msgs []domain.Message) []domain.Message {
	out, err := llm.AttachImages(ctx, r.fetcher, env.Model, msgs, env.Resolved.Images)
	if err != nil {
		r.logger.Warn("image attachment failed, continuing without images", "error", err)
		return msgs
	}
	return out
}

// withContextChunk prefixes the conversation with one source chunk as a
// user-visible context message.
func withContextChunk(msgs []domain.Message, chunk string, index, total int) []domain.Message {
	header := "Attached document content"
	if total > 1 {
		header = fmt.Sprintf("Attached document content (part %d of %d)", index+1, total)
	}
	out := make([]domain.Message, 0, len(msgs)+1)
	out = append(out, domain.Message{Role: domain.RoleUser, Content: header + ":\n\n" + chunk})
	out = append(out, msgs...)
	return out
}

// internalOpts strips tool options for utility sub-calls.
func internalOpts(opts CallOptions) CallOptions {
	opts.Tools = nil
	opts.ToolChoice = ""
	opts.IsInternalCall = true
	opts.SkipHistoricalContext = true
	return opts
}
