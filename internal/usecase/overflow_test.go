package usecase

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

func testModel(id string, window int) domain.ModelDescriptor {
	return domain.ModelDescriptor{
		ID:                   id,
		Provider:             domain.ProviderBedrock,
		ContextWindow:        window,
		OutputTokenLimit:     4096,
		SupportsSystemPrompt: true,
	}
}

func conversationOf(n int) []domain.Message {
	msgs := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		msgs = append(msgs, domain.Message{Role: role, Content: fmt.Sprintf("message %d", i)})
	}
	return msgs
}

func TestApplyProactiveSplitsAtCachedBoundary(t *testing.T) {
	model := testModel("m", 100000)
	msgs := conversationOf(48)
	entry := OverflowEntry{
		HistoricalEndIndex: 34,
		ExtractedContext:   "the user is planning a trip",
		MessageCount:       46,
		ModelID:            "m",
	}

	rebuilt, applied := ApplyProactive(entry, model, msgs)
	require.True(t, applied)

	// [system summary] + messages[35..47].
	require.Len(t, rebuilt, 1+48-35)
	assert.Equal(t, domain.RoleSystem, rebuilt[0].Role)
	assert.Equal(t, "Previous relevant context: the user is planning a trip", rebuilt[0].Content)
	assert.Equal(t, "message 35", rebuilt[1].Content)
	assert.Equal(t, "message 47", rebuilt[len(rebuilt)-1].Content)
}

func TestApplyProactiveIdempotent(t *testing.T) {
	model := testModel("m", 100000)
	msgs := conversationOf(40)
	entry := OverflowEntry{HistoricalEndIndex: 19, ExtractedContext: "summary", MessageCount: 30, ModelID: "m"}

	first, ok1 := ApplyProactive(entry, model, msgs)
	second, ok2 := ApplyProactive(entry, model, msgs)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, first, second, "a stable prefix yields an equivalent prompt on every execution")
}

func TestApplyProactiveRejectsModelMismatch(t *testing.T) {
	entry := OverflowEntry{HistoricalEndIndex: 10, MessageCount: 20, ModelID: "other"}
	msgs := conversationOf(30)

	_, applied := ApplyProactive(entry, testModel("m", 100000), msgs)
	assert.False(t, applied, "cache is only valid for the model it was built with")
}

func TestApplyProactiveRejectsShrunkConversation(t *testing.T) {
	entry := OverflowEntry{HistoricalEndIndex: 10, MessageCount: 30, ModelID: "m"}
	msgs := conversationOf(20)

	_, applied := ApplyProactive(entry, testModel("m", 100000), msgs)
	assert.False(t, applied)
}

func TestOverflowCacheBasicsAndEviction(t *testing.T) {
	cache := NewOverflowCache()
	cache.max = 2

	cache.Put("u", "c1", OverflowEntry{ModelID: "m", MessageCount: 1})
	cache.Put("u", "c2", OverflowEntry{ModelID: "m", MessageCount: 2})

	// Touch c1 so c2 becomes the eviction candidate.
	_, ok := cache.Get("u", "c1")
	require.True(t, ok)

	cache.Put("u", "c3", OverflowEntry{ModelID: "m", MessageCount: 3})

	_, ok = cache.Get("u", "c2")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = cache.Get("u", "c1")
	assert.True(t, ok)
	_, ok = cache.Get("u", "c3")
	assert.True(t, ok)
}

func TestOverflowCacheInvalidate(t *testing.T) {
	cache := NewOverflowCache()
	cache.Put("u", "c1", OverflowEntry{ModelID: "m"})
	cache.Invalidate("u", "c1")
	_, ok := cache.Get("u", "c1")
	assert.False(t, ok)
}

func TestIntactBoundaryKeepsTailWithinBudget(t *testing.T) {
	counter, err := NewTokenCounter()
	require.NoError(t, err)

	// A tiny window forces a split: each message is ~6 tokens with framing.
	model := testModel("m", 100)
	msgs := conversationOf(40)

	boundary := IntactBoundary(counter, model, msgs)
	assert.Greater(t, boundary, 0, "old messages fall outside the intact budget")
	assert.Less(t, boundary, len(msgs))

	tail := msgs[boundary:]
	assert.LessOrEqual(t, counter.CountMessageTokens(tail), BudgetFor(model).Intact)
}

func TestIntactBoundaryKeepsOversizedFinalMessage(t *testing.T) {
	counter, err := NewTokenCounter()
	require.NoError(t, err)

	model := testModel("m", 100)
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "small"},
		{Role: domain.RoleUser, Content: strings.Repeat("oversized message content ", 200)},
	}

	boundary := IntactBoundary(counter, model, msgs)
	assert.Equal(t, 1, boundary, "the final message is always kept")
}

func TestBuildExtractionInputIncremental(t *testing.T) {
	counter, err := NewTokenCounter()
	require.NoError(t, err)

	model := testModel("m", 100000)
	msgs := conversationOf(6)

	system, user := BuildExtractionInput(counter, model, "prior summary text", msgs)
	assert.Contains(t, system, "existing summary", "incremental mode uses the update prompt")
	assert.Contains(t, user, "prior summary text")
	assert.Contains(t, user, "message 5")
}

func TestBuildExtractionInputTruncatesToBudget(t *testing.T) {
	counter, err := NewTokenCounter()
	require.NoError(t, err)

	model := testModel("m", 400) // extraction budget: 120 tokens
	big := []domain.Message{{Role: domain.RoleUser, Content: strings.Repeat("lorem ipsum dolor ", 500)}}

	_, user := BuildExtractionInput(counter, model, "", big)
	assert.LessOrEqual(t, len(user), int(float64(BudgetFor(model).Extraction)*charsPerTokenSafe)+1)
}
