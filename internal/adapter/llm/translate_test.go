package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

func TestShapeMessagesFlattensSystemRole(t *testing.T) {
	model := domain.ModelDescriptor{ID: "m", SupportsSystemPrompt: false}
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "you are helpful"},
		{Role: domain.RoleUser, Content: "hi"},
	}

	shaped := shapeMessages(model, msgs)
	require.Len(t, shaped, 2)
	assert.Equal(t, domain.RoleUser, shaped[0].Role)
	assert.Equal(t, "you are helpful", shaped[0].Content)
}

func TestShapeMessagesAppendsSystemSuffix(t *testing.T) {
	model := domain.ModelDescriptor{ID: "m", SupportsSystemPrompt: true, SystemPromptSuffix: "Always cite sources."}
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "you are helpful"},
		{Role: domain.RoleUser, Content: "hi"},
	}

	shaped := shapeMessages(model, msgs)
	assert.Equal(t, "you are helpful\nAlways cite sources.", shaped[0].Content)
}

func TestShapeMessagesAddsSuffixWithoutSystemMessage(t *testing.T) {
	model := domain.ModelDescriptor{ID: "m", SupportsSystemPrompt: true, SystemPromptSuffix: "Be terse."}
	msgs := []domain.Message{{Role: domain.RoleUser, Content: "hi"}}

	shaped := shapeMessages(model, msgs)
	require.Len(t, shaped, 2)
	assert.Equal(t, domain.RoleSystem, shaped[0].Role)
	assert.Equal(t, "Be terse.", shaped[0].Content)
}

func TestShapeMessagesStripsImagesWithNotice(t *testing.T) {
	model := domain.ModelDescriptor{ID: "m", SupportsSystemPrompt: true, SupportsImages: false}
	msgs := []domain.Message{
		{Role: domain.RoleUser, Parts: []domain.ContentPart{
			{Type: "text", Text: "look at this"},
			{Type: "image_url", ImageURL: &domain.ImageURL{URL: "data:image/png;base64,AAAA"}},
		}},
	}

	shaped := shapeMessages(model, msgs)
	require.Len(t, shaped, 2)
	assert.Equal(t, imagesStrippedNotice, shaped[0].Content)
	assert.Empty(t, shaped[1].Parts)
	assert.Equal(t, "look at this", shaped[1].Content)
}

func TestShapeMessagesKeepsImagesWhenSupported(t *testing.T) {
	model := domain.ModelDescriptor{ID: "m", SupportsSystemPrompt: true, SupportsImages: true}
	msgs := []domain.Message{
		{Role: domain.RoleUser, Parts: []domain.ContentPart{
			{Type: "image_url", ImageURL: &domain.ImageURL{URL: "data:image/png;base64,AAAA"}},
		}},
	}

	shaped := shapeMessages(model, msgs)
	require.Len(t, shaped, 1)
	assert.Len(t, shaped[0].Parts, 1)
}
