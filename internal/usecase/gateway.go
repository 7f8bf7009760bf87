package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/tracer"
)

// Gateway is the request entrypoint: it applies admission control, resolves
// the model and data sources, tracks request state, dispatches the assistant
// router, and accounts usage.
type Gateway struct {
	limiter  *RateLimiter
	breaker  *CircuitBreaker
	tracker  *RequestTracker
	registry *ModelRegistry
	resolver *Resolver
	router   *Router
	usage    domain.UsageRecorder
	cfg      config.ServerConfig
	logger   *slog.Logger
	tracing  bool
}

// NewGateway wires the entrypoint.
func NewGateway(
	limiter *RateLimiter,
	breaker *CircuitBreaker,
	tracker *RequestTracker,
	registry *ModelRegistry,
	resolver *Resolver,
	router *Router,
	usage domain.UsageRecorder,
	cfg config.ServerConfig,
	tracing bool,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		limiter:  limiter,
		breaker:  breaker,
		tracker:  tracker,
		registry: registry,
		resolver: resolver,
		router:   router,
		usage:    usage,
		cfg:      cfg,
		logger:   logger,
		tracing:  tracing,
	}
}

// Tracker exposes request state for the control endpoint.
func (g *Gateway) Tracker() *RequestTracker { return g.tracker }

// Registry exposes the model registry for the catalog endpoints.
func (g *Gateway) Registry() *ModelRegistry { return g.registry }

// HandleChat processes one chat request, streaming the response to sink.
// It returns the HTTP status and, for non-streaming failures, a body.
// Every stream ends with an explicit End or a terminal Error event.
func (g *Gateway) HandleChat(ctx context.Context, principal domain.Principal, req *domain.ChatRequest, sink domain.StreamSink) (int, any) {
	start := time.Now()

	if len(req.Messages) == 0 {
		return http.StatusBadRequest, map[string]string{"error": "messages are required"}
	}
	if principal.UserID == "" {
		return http.StatusUnauthorized, map[string]string{"error": "principal is required"}
	}

	// Admission control before any LLM cost is incurred.
	if err := g.limiter.Check(ctx, principal, req.Options.RateLimit); err != nil {
		var rle *RateLimitError
		if errors.As(err, &rle) {
			return http.StatusTooManyRequests, map[string]string{"error": rle.Error()}
		}
		return http.StatusTooManyRequests, map[string]string{"error": err.Error()}
	}

	// Resolve alias then model.
	resolution := g.registry.ResolveAlias(req.Options.ModelID)
	model, err := g.registry.Model(ctx, resolution.ResolvedID)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown model %q", req.Options.ModelID)}
	}
	req.Options.ModelID = resolution.ResolvedID

	// Resolve data sources; denial is request-level 401.
	resolved, err := g.resolver.Resolve(ctx, principal, req.DataSources, req.ImageSources)
	if err != nil {
		return domain.HTTPStatusOf(err), map[string]string{"error": err.Error()}
	}

	// Request state; duplicate request ids fail.
	requestID := req.Options.RequestID
	if requestID == "" {
		requestID = ulid.Make().String()
		req.Options.RequestID = requestID
	}
	if err := g.tracker.Create(principal.UserID, requestID); err != nil {
		return http.StatusConflict, map[string]string{"error": err.Error()}
	}
	defer g.tracker.Finalize(principal.UserID, requestID)

	if g.tracing {
		sink = g.traceSink(sink, requestID)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()
	ctx, span := tracer.StartSpan(ctx, "gateway.chat",
		trace.WithAttributes(
			tracer.StringAttr("request.id", requestID),
			tracer.StringAttr("model.id", model.ID),
		),
	)
	defer span.End()

	// Count streamed output characters to observe tokens-out.
	var outChars int
	counting := domain.StreamSinkFunc(func(ctx context.Context, ev domain.StreamEvent) error {
		if d, ok := ev.(domain.DeltaEvent); ok {
			if s, ok := d.Payload.(string); ok {
				outChars += len(s)
			}
		}
		return sink.Write(ctx, ev)
	})

	mux := NewMultiplexer(counting)
	env := &StrategyEnv{
		Principal: principal,
		Model:     model,
		Request:   req,
		Options:   callOptionsFrom(req.Options),
		Resolved:  resolved,
		Mux:       mux,
		Killed: func() bool {
			return g.tracker.Killed(principal.UserID, requestID) || ctx.Err() != nil
		},
	}

	var result *StrategyResult
	routeErr := g.breaker.Execute(Key("chat", principal.UserID), estimateRequestCost(model, req), func() error {
		var err error
		result, err = g.router.Route(ctx, env)
		return err
	})

	status := http.StatusOK
	var body any

	switch {
	case routeErr == nil && result != nil:
		status, body = result.Status, result.Body
		if status >= 400 {
			sink.Write(ctx, domain.ErrorEvent{StatusCode: status, StatusText: bodyText(body)})
		} else {
			sink.Write(ctx, domain.EndEvent{})
		}

	case routeErr == nil:
		sink.Write(ctx, domain.EndEvent{})

	case errors.Is(routeErr, domain.ErrCancelled):
		// Kill switch or parent cancellation: End, no body.
		sink.Write(ctx, domain.EndEvent{})

	case errors.Is(routeErr, context.DeadlineExceeded) || errors.Is(routeErr, domain.ErrTimeout):
		g.logger.Error("request timed out",
			"request_id", requestID,
			"duration", time.Since(start),
		)
		status = http.StatusRequestTimeout
		sink.Write(ctx, domain.ErrorEvent{StatusCode: status, StatusText: "request timed out"})

	default:
		status = domain.HTTPStatusOf(routeErr)
		g.logger.Error("request failed", "request_id", requestID, "status", status, "error", routeErr)
		sink.Write(ctx, domain.ErrorEvent{StatusCode: status, StatusText: routeErr.Error()})
	}

	g.recordUsage(ctx, principal, req, model, requestID, start, outChars, routeErr)
	return status, body
}

// HandleKillSwitch serves the control request.
func (g *Gateway) HandleKillSwitch(principal domain.Principal, requestID string, value bool) int {
	if principal.UserID == "" {
		return http.StatusUnauthorized
	}
	if requestID == "" {
		return http.StatusBadRequest
	}
	g.tracker.SetKillSwitch(principal.UserID, requestID, value)
	g.logger.Info("kill switch set", "request_id", requestID, "value", value)
	return http.StatusOK
}

// traceSink wraps the sink with a tracing layer that records event counts.
func (g *Gateway) traceSink(sink domain.StreamSink, requestID string) domain.StreamSink {
	var events int
	return domain.StreamSinkFunc(func(ctx context.Context, ev domain.StreamEvent) error {
		events++
		if _, isEnd := ev.(domain.EndEvent); isEnd {
			g.logger.Debug("stream trace", "request_id", requestID, "events", events)
		}
		return sink.Write(ctx, ev)
	})
}

func (g *Gateway) recordUsage(ctx context.Context, principal domain.Principal, req *domain.ChatRequest, model domain.ModelDescriptor, requestID string, start time.Time, outChars int, routeErr error) {
	if g.usage == nil {
		return
	}
	rec := domain.UsageRecord{
		UserID:     principal.UserID,
		RequestID:  requestID,
		ModelID:    model.ID,
		AccountID:  firstNonEmpty(req.Options.AccountID, principal.AccountID),
		TokensIn:   g.router.client.Counter().CountMessageTokens(req.Messages),
		TokensOut:  int(float64(outChars) / charsPerToken),
		Duration:   time.Since(start),
		ObservedAt: time.Now(),
	}
	if routeErr != nil {
		rec.FailureCode = string(domain.ErrorCodeOf(routeErr))
	}
	if err := g.usage.Record(ctx, rec); err != nil {
		g.logger.Warn("usage record failed", "error", err)
	}
}

// callOptionsFrom converts wire options to the typed per-call record.
func callOptionsFrom(o domain.ChatOptions) CallOptions {
	return CallOptions{
		ReasoningLevel:        o.ReasoningLevel,
		MaxTokens:             o.MaxTokens,
		Temperature:           o.Temperature,
		TopP:                  o.TopP,
		ConversationID:        o.ConversationID,
		SmartMessagesFiltered: o.SmartMessagesFiltered,
		MCPClientSide:         o.MCPClientSide,
	}
}

// estimateRequestCost gives the breaker a rough dollar figure for this
// request from prompt size and the model's rates.
func estimateRequestCost(model domain.ModelDescriptor, req *domain.ChatRequest) float64 {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Text())
	}
	tokens := float64(chars) / charsPerToken
	outTokens := float64(req.Options.MaxTokens)
	if outTokens == 0 {
		outTokens = 1024
	}
	return tokens/1000*model.InputTokenRate + outTokens/1000*model.OutputTokenRate
}

func bodyText(body any) string {
	if body == nil {
		return ""
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf("%v", body)
	}
	return string(data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
