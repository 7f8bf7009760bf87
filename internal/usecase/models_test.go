package usecase

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
)

type fakeModelReader struct {
	models    []domain.ModelDescriptor
	permitted []string
}

func (f *fakeModelReader) Models(context.Context) ([]domain.ModelDescriptor, error) {
	return f.models, nil
}

func (f *fakeModelReader) UserPermittedModels(context.Context, string) ([]string, error) {
	return f.permitted, nil
}

func testRegistry(t *testing.T, aliases map[string]domain.AliasInfo, reader *fakeModelReader) *ModelRegistry {
	t.Helper()
	if reader == nil {
		reader = &fakeModelReader{}
	}
	return newModelRegistryWithAliases(aliases, reader, slog.Default())
}

func TestResolveAliasPassThrough(t *testing.T) {
	registry := testRegistry(t, map[string]domain.AliasInfo{
		"opus-latest": {ResolvesTo: "us.anthropic.claude-opus-4-6-v1:0", Category: "chat", Tier: "advanced"},
	}, nil)

	// Unknown names pass through unchanged.
	for _, name := range []string{
		"us.anthropic.claude-3-5-sonnet-20241022-v2:0",
		"gpt-4o",
		"anything-at-all",
	} {
		res := registry.ResolveAlias(name)
		assert.Equal(t, name, res.ResolvedID)
		assert.False(t, res.WasAlias)
	}

	// Empty passes through unchanged.
	res := registry.ResolveAlias("")
	assert.Equal(t, "", res.ResolvedID)
	assert.False(t, res.WasAlias)

	// A known alias resolves to its target.
	res = registry.ResolveAlias("opus-latest")
	assert.Equal(t, "us.anthropic.claude-opus-4-6-v1:0", res.ResolvedID)
	assert.True(t, res.WasAlias)
	require.NotNil(t, res.Info)
	assert.Equal(t, "advanced", res.Info.Tier)
}

func TestUserAvailableModelsDerivedSelections(t *testing.T) {
	reader := &fakeModelReader{models: []domain.ModelDescriptor{
		{ID: "cheap", InputTokenRate: 0.001, OutputTokenRate: 0.002},
		{ID: "mid", InputTokenRate: 0.01, OutputTokenRate: 0.03},
		{ID: "pricey", InputTokenRate: 0.1, OutputTokenRate: 0.3},
	}}
	registry := testRegistry(t, nil, reader)

	catalog, err := registry.UserAvailableModels(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cheap", catalog.Cheapest)
	assert.Equal(t, "pricey", catalog.Advanced)
	assert.Len(t, catalog.ModelsByID, 3)
}

func TestUserAvailableModelsRespectsPermissions(t *testing.T) {
	reader := &fakeModelReader{
		models: []domain.ModelDescriptor{
			{ID: "a", InputTokenRate: 1},
			{ID: "b", InputTokenRate: 2},
		},
		permitted: []string{"b"},
	}
	registry := testRegistry(t, nil, reader)

	catalog, err := registry.UserAvailableModels(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, catalog.ModelsByID, 1)
	assert.Equal(t, "b", catalog.Cheapest)
}

func TestCheapestEquivalentMatchesCapabilityFlags(t *testing.T) {
	catalog := domain.UserModels{ModelsByID: map[string]domain.ModelDescriptor{
		"cheap-text":   {ID: "cheap-text", InputTokenRate: 0.001},
		"cheap-vision": {ID: "cheap-vision", SupportsImages: true, InputTokenRate: 0.005},
		"big-vision":   {ID: "big-vision", SupportsImages: true, InputTokenRate: 0.1},
	}}

	of := domain.ModelDescriptor{ID: "big-vision", SupportsImages: true}
	assert.Equal(t, "cheap-vision", catalog.CheapestEquivalent(of),
		"capability flags must match; the cheaper text-only model is not equivalent")
}
