package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

func TestPromptForBoolean(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{textTurn("Yes.")}}
	model := bedrockModel("m", 100000)
	client := newTestClient(t, adapter, []domain.ModelDescriptor{model})

	v, err := client.PromptForBoolean(context.Background(), domain.Principal{UserID: "u"}, model,
		"Is the sky blue?", CallOptions{})
	require.NoError(t, err)
	assert.True(t, v)
}

func TestPromptForBooleanRetriesOnceWithoutTools(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		textTurn("I think probably"),
		textTurn("no"),
	}}
	model := bedrockModel("m", 100000)
	client := newTestClient(t, adapter, []domain.ModelDescriptor{model})

	tools := []domain.ToolSchema{{Name: "t", Parameters: json.RawMessage(`{}`)}}
	v, err := client.PromptForBoolean(context.Background(), domain.Principal{UserID: "u"}, model,
		"Is water dry?", CallOptions{Tools: tools})
	require.NoError(t, err)
	assert.False(t, v)

	require.Equal(t, 2, adapter.callCount())
	assert.Empty(t, adapter.request(1).Tools, "the retry removes tools")
}

func TestPromptForChoice(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{textTurn("Green")}}
	model := bedrockModel("m", 100000)
	client := newTestClient(t, adapter, []domain.ModelDescriptor{model})

	v, err := client.PromptForChoice(context.Background(), domain.Principal{UserID: "u"}, model,
		"pick one", []string{"red", "green", "blue"}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "green", v, "matching is case-insensitive, options are returned verbatim")
}

func TestPromptForJSONValidAndFenced(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		textTurn("```json\n{\"questions\": [\"a\", \"b\", \"c\", \"d\"]}\n```"),
	}}
	model := bedrockModel("m", 100000)
	client := newTestClient(t, adapter, []domain.ModelDescriptor{model})

	v, err := client.PromptForJSON(context.Background(), domain.Principal{UserID: "u"}, model,
		"generate questions", json.RawMessage(faqQuestionsSchema), CallOptions{})
	require.NoError(t, err)
	questions := v["questions"].([]any)
	assert.Len(t, questions, 4)
}

func TestPromptForJSONRepairsMalformedOutput(t *testing.T) {
	// Trailing comma plus single quotes: jsonrepair fixes both.
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		textTurn("{'questions': ['a', 'b', 'c', 'd'],}"),
	}}
	model := bedrockModel("m", 100000)
	client := newTestClient(t, adapter, []domain.ModelDescriptor{model})

	v, err := client.PromptForJSON(context.Background(), domain.Principal{UserID: "u"}, model,
		"generate questions", json.RawMessage(faqQuestionsSchema), CallOptions{})
	require.NoError(t, err)
	assert.Len(t, v["questions"].([]any), 4)
}

func TestPromptForJSONSchemaViolationFailsAfterRetry(t *testing.T) {
	adapter := &scriptedAdapter{responses: []scriptedResponse{
		textTurn(`{"questions": "not an array"}`),
		textTurn(`{"questions": "still not an array"}`),
	}}
	model := bedrockModel("m", 100000)
	client := newTestClient(t, adapter, []domain.ModelDescriptor{model})

	_, err := client.PromptForJSON(context.Background(), domain.Principal{UserID: "u"}, model,
		"generate questions", json.RawMessage(faqQuestionsSchema), CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderError)
	assert.Equal(t, 2, adapter.callCount())
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}
