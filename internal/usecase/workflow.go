package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gaiin-platform/amplify-gateway/internal/adapter/llm"
	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// WorkflowExecutor interprets a step graph of prompt/map/reduce operations,
// binding step outputs to named slots. All step prompts run with RAG skipped
// and are subject to overflow recovery through the canonical client.
type WorkflowExecutor struct {
	client  *LLMClient
	fetcher llm.ContentFetcher
	logger  *slog.Logger
}

// NewWorkflowExecutor creates the executor.
func NewWorkflowExecutor(client *LLMClient, fetcher llm.ContentFetcher, logger *slog.Logger) *WorkflowExecutor {
	return &WorkflowExecutor{client: client, fetcher: fetcher, logger: logger}
}

// Execute runs the workflow attached to the request. The kill switch is
// checked between steps; on observed kill the stream ends and the handler
// returns without a body.
func (e *WorkflowExecutor) Execute(ctx context.Context, env *StrategyEnv) (*StrategyResult, error) {
	wf := env.Request.Workflow
	if wf == nil || len(wf.Steps) == 0 {
		return &StrategyResult{Status: http.StatusBadRequest, Body: map[string]string{"error": "no workflow steps"}}, nil
	}

	slots := make(map[string]domain.SlotValue)
	if opts := env.Request.Options.DataSourceOptions; opts != nil {
		if initial, ok := opts["initial_state"].(map[string]any); ok {
			for name, v := range initial {
				if s, ok := v.(string); ok {
					slots[name] = domain.SlotValue{Text: s}
				}
			}
		}
	}

	opts := env.Options
	opts.SkipHistoricalContext = true

	for i, step := range wf.Steps {
		if env.Killed() {
			e.logger.Info("workflow cancelled by kill switch", "step", i)
			return nil, domain.ErrCancelled
		}

		if step.StatusMessage != "" {
			env.Mux.Status(ctx, domain.StatusEvent{
				ID:         fmt.Sprintf("workflow-step-%d", i),
				Summary:    step.StatusMessage,
				InProgress: true,
				Animated:   true,
			})
		}

		inputs, err := e.resolveInputs(ctx, step.Input, slots)
		if err != nil {
			return e.stepFailure(i, err), nil
		}

		value, err := e.runStep(ctx, env, opts, step, inputs)
		if err != nil {
			e.logger.Warn("workflow step failed", "step", i, "kind", step.Kind, "error", err)
			return e.stepFailure(i, err), nil
		}

		if step.OutputTo != "" {
			slots[step.OutputTo] = value
		}

		if step.StatusMessage != "" {
			env.Mux.Status(ctx, domain.StatusEvent{
				ID:         fmt.Sprintf("workflow-step-%d", i),
				Summary:    step.StatusMessage,
				InProgress: false,
			})
		}
	}

	var result any
	if wf.ResultKey != "" {
		result = slots[wf.ResultKey].Text
		if v, ok := slots[wf.ResultKey]; ok && v.IsList() {
			result = v.List
		}
	} else {
		flat := make(map[string]any, len(slots))
		for name, v := range slots {
			if v.IsList() {
				flat[name] = v.List
			} else {
				flat[name] = v.Text
			}
		}
		result = flat
	}

	env.Mux.Result(ctx, result)
	return nil, nil
}

func (e *WorkflowExecutor) stepFailure(index int, err error) *StrategyResult {
	return &StrategyResult{
		Status: http.StatusInternalServerError,
		Body: map[string]any{
			"error":      err.Error(),
			"step_index": index,
		},
	}
}

// resolveInputs maps each input name to its value: a slot name wraps the
// current slot value; anything else is treated as an external data source id
// and fetched.
func (e *WorkflowExecutor) resolveInputs(ctx context.Context, names []string, slots map[string]domain.SlotValue) ([]domain.SlotValue, error) {
	values := make([]domain.SlotValue, 0, len(names))
	for _, name := range names {
		slotName := name
		if strings.HasPrefix(name, domain.SchemeObject+"://") {
			slotName = strings.TrimPrefix(name, domain.SchemeObject+"://")
		}
		if v, ok := slots[slotName]; ok {
			values = append(values, v)
			continue
		}
		if !strings.Contains(name, "://") {
			return nil, fmt.Errorf("unknown slot %q", name)
		}
		if e.fetcher == nil {
			return nil, fmt.Errorf("no content fetcher for data source %q", name)
		}
		data, _, err := e.fetcher.Fetch(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", name, err)
		}
		values = append(values, domain.SlotValue{
			Text:   string(data),
			Source: &domain.DataSource{ID: name},
		})
	}
	return values, nil
}

// runStep executes one step. The step's partial result is captured by a
// local collector so it can be stored to the slot; status events surface on
// the outer sink, deltas do not.
func (e *WorkflowExecutor) runStep(ctx context.Context, env *StrategyEnv, opts CallOptions, step domain.WorkflowStep, inputs []domain.SlotValue) (domain.SlotValue, error) {
	switch step.Kind {
	case domain.StepPrompt:
		text, err := e.promptOver(ctx, env, opts, step.Body, flatten(inputs))
		if err != nil {
			return domain.SlotValue{}, err
		}
		return domain.SlotValue{Text: text}, nil

	case domain.StepMap:
		items := flatten(inputs)
		outputs := make([]string, 0, len(items))
		for _, item := range items {
			if env.Killed() {
				return domain.SlotValue{}, domain.ErrCancelled
			}
			text, err := e.promptOver(ctx, env, opts, step.Body, []string{item})
			if err != nil {
				return domain.SlotValue{}, err
			}
			outputs = append(outputs, text)
		}
		return domain.SlotValue{List: outputs}, nil

	case domain.StepReduce:
		items := flatten(inputs)
		for len(items) > 2 {
			if env.Killed() {
				return domain.SlotValue{}, domain.ErrCancelled
			}
			next := make([]string, 0, (len(items)+1)/2)
			for i := 0; i < len(items); i += 2 {
				if i+1 >= len(items) {
					next = append(next, items[i])
					continue
				}
				text, err := e.promptOver(ctx, env, opts, step.Body, []string{items[i], items[i+1]})
				if err != nil {
					return domain.SlotValue{}, err
				}
				next = append(next, text)
			}
			items = next
		}
		text, err := e.promptOver(ctx, env, opts, step.Body, items)
		if err != nil {
			return domain.SlotValue{}, err
		}
		return domain.SlotValue{Text: text}, nil

	default:
		return domain.SlotValue{}, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// promptOver runs one LLM call over the step body and its inputs.
func (e *WorkflowExecutor) promptOver(ctx context.Context, env *StrategyEnv, opts CallOptions, body string, inputs []string) (string, error) {
	var sb strings.Builder
	for i, input := range inputs {
		if len(inputs) > 1 {
			fmt.Fprintf(&sb, "Input %d:\n%s\n\n", i+1, input)
		} else {
			fmt.Fprintf(&sb, "%s\n\n", input)
		}
	}
	sb.WriteString(body)

	return e.client.PromptForString(ctx, env.Principal, env.Model, "", sb.String(), opts)
}

func flatten(inputs []domain.SlotValue) []string {
	var out []string
	for _, v := range inputs {
		out = append(out, v.Strings()...)
	}
	return out
}
