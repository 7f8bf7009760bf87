package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// Registry holds the configured adapters keyed by provider id and applies
// the shared dispatch policy: translate, stream, and on a failed first
// attempt with tools present, retry once with tools removed.
type Registry struct {
	adapters map[string]Adapter
	logger   *slog.Logger
}

// NewRegistry creates a registry from the configured adapters.
func NewRegistry(logger *slog.Logger, adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m, logger: logger}
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(provider string) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", domain.ErrNotFound, provider)
	}
	return a, nil
}

// Stream dispatches the request to its provider adapter. If the first
// streaming attempt fails before any byte and tools were present, it retries
// once with tools removed; otherwise the failure escalates. Every failure is
// recorded to the critical log with the sanitized request body.
func (r *Registry) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	adapter, err := r.Get(req.Model.Provider)
	if err != nil {
		return nil, err
	}

	ch, err := adapter.StreamChat(ctx, req)
	if err == nil {
		return ch, nil
	}

	r.logger.Error("provider stream failed",
		"provider", adapter.Name(),
		"error", err,
		"request", sanitizeForLog(req),
	)

	if len(req.Tools) == 0 {
		return nil, err
	}

	retry := req
	retry.Tools = nil
	retry.ToolChoice = ""
	ch, retryErr := adapter.StreamChat(ctx, retry)
	if retryErr != nil {
		r.logger.Error("provider stream retry without tools failed",
			"provider", adapter.Name(),
			"error", retryErr,
			"request", sanitizeForLog(retry),
		)
		return nil, retryErr
	}
	r.logger.Warn("provider stream succeeded after removing tools", "provider", adapter.Name())
	return ch, nil
}
