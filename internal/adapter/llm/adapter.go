package llm

import (
	"context"
	"strings"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// Request is the canonical provider request after option stripping. The
// adapter translates it to the vendor wire format and opens a streaming
// connection.
type Request struct {
	Model          domain.ModelDescriptor
	Messages       []domain.Message
	Tools          []domain.ToolSchema
	ToolChoice     domain.ToolChoice
	ReasoningLevel string // "", "low", "medium", "high"; "" defaults to low when reasoning applies
	MaxTokens      int
	Temperature    float64
	TopP           float64
}

// Chunk is one canonical streaming unit from a provider. A terminal chunk
// has Done set; a mid-stream failure carries Err and ends the stream.
type Chunk struct {
	Text      string
	ToolCalls []domain.ToolCall
	Usage     *domain.Usage
	Done      bool
	Err       error
}

// Adapter translates canonical requests to one vendor's wire format and
// emits canonical chunks. The returned channel is closed when the stream
// ends; errors before the first byte are returned directly so the caller
// can apply the tools-off retry policy.
type Adapter interface {
	StreamChat(ctx context.Context, req Request) (<-chan Chunk, error)
	Name() string
}

// reasoningApplies reports whether reasoning parameters should be attached:
// the model supports reasoning, no custom tools are present, and the caller
// did not disable reasoning. Reasoning params are never sent alongside tools.
func reasoningApplies(req Request) bool {
	if !req.Model.SupportsReasoning || len(req.Tools) > 0 {
		return false
	}
	return req.ReasoningLevel != "none"
}

// reasoningLevel returns the effective effort level, defaulting to low.
func reasoningLevel(req Request) string {
	switch strings.ToLower(req.ReasoningLevel) {
	case "medium":
		return "medium"
	case "high":
		return "high"
	default:
		return "low"
	}
}
