package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/kaptinlin/jsonschema"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

// Typed prompt variants over the canonical call. Each wraps the base call
// with an appropriate system prompt, parses and validates the response, and
// retries once on parse failure with tools removed.

const (
	booleanSystemPrompt = `Answer the user's question with exactly one word: "yes" or "no". No punctuation, no explanation.`
	choiceSystemPrompt  = `Answer with exactly one of the allowed options, verbatim. No punctuation, no explanation. Allowed options: %s`
	jsonSystemPrompt    = `Respond with a single JSON document that conforms to this JSON Schema. Output ONLY the JSON, no code fences, no prose.

Schema:
%s`
)

// PromptForString runs a silent call and returns the trimmed response text.
func (c *LLMClient) PromptForString(ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, system, user string, opts CallOptions) (string, error) {
	opts.IsInternalCall = true
	opts.SkipHistoricalContext = true

	msgs := []domain.Message{}
	if system != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: system})
	}
	msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: user})

	result, err := c.Stream(ctx, principal, model, msgs, opts, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Content), nil
}

// PromptForBoolean asks a yes/no question.
func (c *LLMClient) PromptForBoolean(ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, question string, opts CallOptions) (bool, error) {
	parse := func(s string) (bool, error) {
		switch strings.ToLower(strings.Trim(s, " .!\n")) {
		case "yes", "true":
			return true, nil
		case "no", "false":
			return false, nil
		}
		return false, fmt.Errorf("not a yes/no answer: %q", s)
	}
	return retryOnce(c, ctx, principal, model, booleanSystemPrompt, question, opts, parse)
}

// PromptForChoice asks the model to pick one of the allowed options.
func (c *LLMClient) PromptForChoice(ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, question string, options []string, opts CallOptions) (string, error) {
	system := fmt.Sprintf(choiceSystemPrompt, strings.Join(options, ", "))
	parse := func(s string) (string, error) {
		answer := strings.Trim(s, " .\n\"")
		for _, opt := range options {
			if strings.EqualFold(answer, opt) {
				return opt, nil
			}
		}
		return "", fmt.Errorf("answer %q is not an allowed option", s)
	}
	return retryOnce(c, ctx, principal, model, system, question, opts, parse)
}

// PromptForJSON asks for a JSON document conforming to schema and returns
// the parsed value. Malformed output is repaired before validation.
func (c *LLMClient) PromptForJSON(ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, user string, schema json.RawMessage, opts CallOptions) (map[string]any, error) {
	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile(schema)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	system := fmt.Sprintf(jsonSystemPrompt, string(schema))
	parse := func(s string) (map[string]any, error) {
		cleaned := stripCodeFence(s)
		if !json.Valid([]byte(cleaned)) {
			repaired, repairErr := jsonrepair.JSONRepair(cleaned)
			if repairErr != nil {
				return nil, fmt.Errorf("repair json: %w", repairErr)
			}
			cleaned = repaired
		}
		var value map[string]any
		if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		var generic any = value
		if err := compiled.Validate(generic); err != nil {
			return nil, fmt.Errorf("schema validation failed: %w", err)
		}
		return value, nil
	}
	return retryOnce(c, ctx, principal, model, system, user, opts, parse)
}

// retryOnce runs the prompt, and on parse failure retries a single time with
// tools removed.
func retryOnce[T any](c *LLMClient, ctx context.Context, principal domain.Principal, model domain.ModelDescriptor, system, user string, opts CallOptions, parse func(string) (T, error)) (T, error) {
	var zero T

	raw, err := c.PromptForString(ctx, principal, model, system, user, opts)
	if err != nil {
		return zero, err
	}
	value, parseErr := parse(raw)
	if parseErr == nil {
		return value, nil
	}

	retryOpts := opts
	retryOpts.Tools = nil
	retryOpts.ToolChoice = ""
	raw, err = c.PromptForString(ctx, principal, model, system, user, retryOpts)
	if err != nil {
		return zero, err
	}
	value, parseErr = parse(raw)
	if parseErr != nil {
		return zero, fmt.Errorf("%w: %s", domain.ErrProviderError, parseErr)
	}
	return value, nil
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
