package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/gaiin-platform/amplify-gateway/internal/adapter/llm"
	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/tracer"
)

// CallOptions is the typed options record carried through the layers of one
// LLM call. Internal-only fields are stripped by the client before provider
// dispatch and never reach a vendor wire format.
type CallOptions struct {
	Tools          []domain.ToolSchema
	ToolChoice     domain.ToolChoice
	ReasoningLevel string
	MaxTokens      int
	Temperature    float64
	TopP           float64

	// Internal-only. Stripped before dispatch.
	ConversationID        string
	SmartMessagesFiltered bool
	IsInternalCall        bool
	SkipHistoricalContext bool
	KeepStreamOpen        bool
	MCPClientSide         bool

	alreadyRetried bool
}

// DeltaFunc receives incremental text while a call streams. A nil DeltaFunc
// makes the call silent (utility and extraction calls).
type DeltaFunc func(ctx context.Context, text string) error

// LLMClient is the single canonical call site wrapping the provider
// adapters, the token counter, and overflow recovery.
type LLMClient struct {
	registry *llm.Registry
	counter  *TokenCounter
	cache    *OverflowCache
	models   *ModelRegistry
	logger   *slog.Logger
}

// NewLLMClient creates the canonical client.
func NewLLMClient(registry *llm.Registry, counter *TokenCounter, cache *OverflowCache, models *ModelRegistry, logger *slog.Logger) *LLMClient {
	return &LLMClient{
		registry: registry,
		counter:  counter,
		cache:    cache,
		models:   models,
		logger:   logger,
	}
}

// Cache exposes the overflow cache for invalidation on model change.
func (c *LLMClient) Cache() *OverflowCache { return c.cache }

// Counter exposes the token counter for gateway usage metrics.
func (c *LLMClient) Counter() *TokenCounter { return c.counter }

// Stream performs one LLM call, forwarding text deltas to onDelta and
// returning the terminal assistant message with observed token counts.
//
// The call runs the proactive overflow check when safe, strips internal
// options, dispatches to the provider adapter, and on a first overflow
// performs reactive recovery and retries once.
func (c *LLMClient) Stream(ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, msgs []domain.Message, opts CallOptions, onDelta DeltaFunc) (domain.ChatResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", model.Provider),
			tracer.StringAttr("llm.model", model.ID),
		),
	)
	defer span.End()

	// Proactive path: rebuild the prompt from the overflow cache when the
	// conversation is long enough and the cache is safe to use. Never for
	// filtered conversations or internal sub-calls.
	if c.proactiveSafe(opts, msgs) {
		if entry, ok := c.cache.Get(principal.UserID, opts.ConversationID); ok {
			if rebuilt, applied := ApplyProactive(entry, model, msgs); applied {
				c.logger.Debug("proactive overflow cache applied",
					"conversation", opts.ConversationID,
					"boundary", entry.HistoricalEndIndex,
					"messages_before", len(msgs),
					"messages_after", len(rebuilt),
				)
				msgs = rebuilt
			} else if entry.ModelID != model.ID {
				c.cache.Invalidate(principal.UserID, opts.ConversationID)
			}
		}
	}

	result, err := c.dispatch(ctx, model, msgs, opts, onDelta)
	if err == nil {
		span.SetAttributes(
			tracer.IntAttr("llm.prompt_tokens", result.Usage.PromptTokens),
			tracer.IntAttr("llm.completion_tokens", result.Usage.CompletionTokens),
		)
		tracer.SetOK(span)
		return result, nil
	}

	// Reactive path, one-strike: a first overflow triggers recovery and a
	// single retry; a second overflow is critical-logged and escalates.
	if ov := llm.DetectOverflowErr(err); ov.IsOverflow && !opts.IsInternalCall && !opts.alreadyRetried {
		recovered, recErr := c.recover(ctx, principal, model, msgs, opts)
		if recErr != nil {
			tracer.RecordError(span, recErr)
			return domain.ChatResult{}, recErr
		}
		retryOpts := opts
		retryOpts.alreadyRetried = true
		result, err = c.dispatch(ctx, model, recovered, retryOpts, onDelta)
		if err == nil {
			tracer.SetOK(span)
			return result, nil
		}
		if llm.DetectOverflowErr(err).IsOverflow {
			c.logger.Error("context overflow persisted after recovery",
				"model", model.ID,
				"conversation", opts.ConversationID,
				"error", err,
			)
			err = fmt.Errorf("%w: overflow persisted after recovery", domain.ErrProviderError)
		}
	}

	tracer.RecordError(span, err)
	return domain.ChatResult{}, err
}

func (c *LLMClient) proactiveSafe(opts CallOptions, msgs []domain.Message) bool {
	return opts.ConversationID != "" &&
		len(msgs) >= proactiveMinMessages &&
		!opts.SmartMessagesFiltered &&
		!opts.IsInternalCall &&
		!opts.SkipHistoricalContext
}

// dispatch strips internal options, builds the provider request, streams,
// and accumulates the terminal message. A mid-stream error before any delta
// was forwarded is surfaced as the call error (making it recoverable); after
// output has flowed it is terminal.
func (c *LLMClient) dispatch(ctx context.Context, model domain.ModelDescriptor, msgs []domain.Message, opts CallOptions, onDelta DeltaFunc) (domain.ChatResult, error) {
	req := llm.Request{
		Model:          model,
		Messages:       msgs,
		Tools:          opts.Tools,
		ToolChoice:     opts.ToolChoice,
		ReasoningLevel: opts.ReasoningLevel,
		MaxTokens:      opts.MaxTokens,
		Temperature:    opts.Temperature,
		TopP:           opts.TopP,
	}

	ch, err := c.registry.Stream(ctx, req)
	if err != nil {
		return domain.ChatResult{}, err
	}

	var acc llm.Accumulator
	emitted := false
	for chunk := range ch {
		if chunk.Err != nil {
			if !emitted {
				return domain.ChatResult{}, chunk.Err
			}
			return domain.ChatResult{}, fmt.Errorf("%w: mid-stream: %s", domain.ErrProviderError, chunk.Err)
		}
		acc.Add(chunk)
		if chunk.Text != "" && onDelta != nil {
			if err := onDelta(ctx, chunk.Text); err != nil {
				return domain.ChatResult{}, err
			}
			emitted = true
		}
	}

	result := acc.Result()
	if result.Usage.PromptTokens == 0 {
		result.Usage.PromptTokens = c.counter.CountMessageTokens(msgs)
	}
	if result.Usage.CompletionTokens == 0 && result.Content != "" {
		result.Usage.CompletionTokens = c.counter.CountTokens(result.Content)
	}
	result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	return result, nil
}

// recover performs the reactive overflow extraction: incremental when a
// cache entry exists, full otherwise. The updated summary is written back to
// the cache keyed by conversation.
func (c *LLMClient) recover(ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, msgs []domain.Message, opts CallOptions) ([]domain.Message, error) {
	boundary := IntactBoundary(c.counter, model, msgs)
	if boundary <= 0 {
		return nil, fmt.Errorf("%w: conversation cannot be reduced", domain.ErrContextOverflow)
	}

	var priorSummary string
	historyStart := 0
	if opts.ConversationID != "" {
		if entry, ok := c.cache.Get(principal.UserID, opts.ConversationID); ok && entry.ModelID == model.ID {
			priorSummary = entry.ExtractedContext
			historyStart = entry.HistoricalEndIndex + 1
		}
	}
	if historyStart >= boundary {
		historyStart = 0
		priorSummary = ""
	}

	historyTokens := c.counter.CountMessageTokens(msgs[historyStart:boundary])
	extractModel := c.extractionModel(ctx, principal, model, historyTokens)
	system, user := BuildExtractionInput(c.counter, extractModel, priorSummary, msgs[historyStart:boundary])

	extractOpts := CallOptions{
		IsInternalCall:        true,
		SkipHistoricalContext: true,
		MaxTokens:             extractModel.OutputTokenLimit,
	}
	result, err := c.Stream(ctx, principal, extractModel, []domain.Message{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: user},
	}, extractOpts, nil)
	if err != nil {
		return nil, domain.WrapOp("overflow extract", err)
	}

	summary := strings.TrimSpace(result.Content)
	if summary == "" {
		return nil, fmt.Errorf("%w: empty extraction", domain.ErrContextOverflow)
	}

	if opts.ConversationID != "" {
		c.cache.Put(principal.UserID, opts.ConversationID, OverflowEntry{
			HistoricalEndIndex: boundary - 1,
			ExtractedContext:   summary,
			MessageCount:       len(msgs),
			ModelID:            model.ID,
		})
	}

	rebuilt := make([]domain.Message, 0, len(msgs)-boundary+1)
	rebuilt = append(rebuilt, domain.Message{
		Role:    domain.RoleSystem,
		Content: historicalContextPrefix + summary,
	})
	rebuilt = append(rebuilt, msgs[boundary:]...)
	return rebuilt, nil
}

// extractionModel picks the model for the extraction call: the cheapest
// equivalent of the user's model. When the history does not fit the cheapest
// model's extraction budget, the user's own model is selected; truncation to
// the budget handles anything beyond that.
func (c *LLMClient) extractionModel(ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, inputTokens int) domain.ModelDescriptor {
	catalog, err := c.models.UserAvailableModels(ctx, principal.UserID)
	if err != nil {
		return model
	}
	id := catalog.CheapestEquivalent(model)
	m, ok := catalog.ModelsByID[id]
	if !ok {
		return model
	}
	if inputTokens > BudgetFor(m).Extraction {
		return model
	}
	return m
}
