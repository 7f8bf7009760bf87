package search

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

type fakeBackend struct {
	name    string
	results []Result
	err     error
	calls   int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Search(context.Context, string, int) ([]Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func chainOf(backends ...Backend) *Chain {
	return NewChainWithBackends(backends, config.SearchConfig{
		CacheTTL:   time.Minute,
		MaxResults: 5,
	}, slog.Default())
}

func TestChainFallsThroughOnTransportError(t *testing.T) {
	first := &fakeBackend{name: "brave", err: fmt.Errorf("connection refused")}
	second := &fakeBackend{name: "tavily", results: []Result{{Title: "hit", URL: "u", Description: "d"}}}
	chain := chainOf(first, second)

	resp, err := chain.Search(context.Background(), "query")
	require.NoError(t, err)
	assert.Equal(t, "tavily", resp.Provider)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestChainAllBackendsFail(t *testing.T) {
	chain := chainOf(
		&fakeBackend{name: "a", err: fmt.Errorf("down")},
		&fakeBackend{name: "b", err: fmt.Errorf("down too")},
	)
	_, err := chain.Search(context.Background(), "query")
	assert.Error(t, err)
}

func TestChainCachesByQuery(t *testing.T) {
	backend := &fakeBackend{name: "brave", results: []Result{{Title: "t"}}}
	chain := chainOf(backend)

	_, err := chain.Search(context.Background(), "same query")
	require.NoError(t, err)
	_, err = chain.Search(context.Background(), "same query")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls, "second identical query is served from cache")

	_, err = chain.Search(context.Background(), "different query")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
}

func TestChainAvailable(t *testing.T) {
	assert.False(t, NewChain(config.SearchConfig{}, slog.Default()).Available())
	assert.True(t, NewChain(config.SearchConfig{BraveAPIKey: "k"}, slog.Default()).Available())
}

func TestFormatMarkdown(t *testing.T) {
	resp := Response{
		Provider: "brave",
		Query:    "Paris weather",
		Results: []Result{
			{Title: "Forecast", URL: "https://example.com", Description: "Sunny"},
		},
	}
	md := FormatMarkdown(resp)
	assert.Contains(t, md, `Search results for "Paris weather"`)
	assert.Contains(t, md, "**Forecast**")
	assert.Contains(t, md, "https://example.com")

	empty := FormatMarkdown(Response{Query: "nothing"})
	assert.Contains(t, empty, "No search results")
}
