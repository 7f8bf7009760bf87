package llm

import (
	"encoding/json"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// Accumulator assembles a terminal assistant message from streamed chunks.
// OpenAI-family providers fragment tool-call arguments across chunks; the
// accumulator merges fragments by arrival order (a chunk with an ID starts a
// new call, ID-less fragments append to the last call's arguments).
type Accumulator struct {
	text  []byte
	calls []domain.ToolCall
	args  [][]byte
	usage domain.Usage
}

// Add folds one chunk into the accumulator.
func (a *Accumulator) Add(c Chunk) {
	a.text = append(a.text, c.Text...)
	for _, tc := range c.ToolCalls {
		if tc.ID != "" || tc.Name != "" || len(a.calls) == 0 {
			a.calls = append(a.calls, domain.ToolCall{ID: tc.ID, Name: tc.Name})
			a.args = append(a.args, append([]byte(nil), tc.Arguments...))
			continue
		}
		last := len(a.args) - 1
		a.args[last] = append(a.args[last], tc.Arguments...)
	}
	if c.Usage != nil {
		a.usage = *c.Usage
	}
}

// Result returns the assembled terminal message and observed usage.
func (a *Accumulator) Result() domain.ChatResult {
	res := domain.ChatResult{
		Content: string(a.text),
		Usage:   a.usage,
	}
	for i, call := range a.calls {
		args := a.args[i]
		if len(args) == 0 || !json.Valid(args) {
			args = []byte("{}")
		}
		call.Arguments = json.RawMessage(args)
		res.ToolCalls = append(res.ToolCalls, call)
	}
	return res
}
