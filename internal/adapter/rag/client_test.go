package rag

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

func TestRetrieveParsesRowShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embedding-dual-retrieval", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "what is the plan", req["userInput"])

		// Row: [content, key, locations, indexes, charIndex, user,
		// tokenCount, ragId, score]
		io.WriteString(w, `{"result":[
			["chunk one","doc-a.pdf",[{"page":1}],[0,1],10,"u",42,"rag-1",0.91],
			["chunk two","doc-b.pdf",[],[2],55,"u",17,"rag-2",0.72]
		]}`)
	}))
	defer server.Close()

	client := NewClient(config.RAGConfig{
		APIBaseURL:    server.URL,
		Limit:         5,
		MaxConcurrent: 10,
		Timeout:       5 * time.Second,
	}, slog.Default())

	results, err := client.Retrieve(context.Background(), "tok",
		Sources{User: []string{"s3://u/doc-a.pdf"}}, "what is the plan")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "chunk one", results[0].Content)
	assert.Equal(t, "doc-a.pdf", results[0].Key)
	assert.Equal(t, "rag-1", results[0].RagID)
	assert.InDelta(t, 0.91, results[0].Score, 1e-9)
	assert.Equal(t, []int{2}, results[1].Indexes)
	assert.Equal(t, 55, results[1].CharIndex)
}

func TestRetrieveErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(config.RAGConfig{
		APIBaseURL: server.URL, Limit: 5, MaxConcurrent: 10, Timeout: 5 * time.Second,
	}, slog.Default())

	_, err := client.Retrieve(context.Background(), "tok", Sources{}, "q")
	assert.Error(t, err)
}

func TestMergeDeduplicatesAndSorts(t *testing.T) {
	a := []Result{
		{Content: "alpha", Key: "k1", RagID: "r1", Score: 0.5},
		{Content: "beta", Key: "k1", RagID: "r2", Score: 0.9},
	}
	b := []Result{
		{Content: "alpha duplicate id", Key: "k1", RagID: "r1", Score: 0.99}, // duplicate ragId
		{Content: "beta", Key: "k2", RagID: "r3", Score: 0.95},               // duplicate content
		{Content: "gamma", Key: "k2", RagID: "r4", Score: 0.7},
	}

	merged := Merge(a, b)
	require.Len(t, merged, 3)
	assert.Equal(t, "beta", merged[0].Content, "sorted by score descending")
	assert.Equal(t, "gamma", merged[1].Content)
	assert.Equal(t, "alpha", merged[2].Content)
}

func TestFormatContextGroupsByKey(t *testing.T) {
	text := FormatContext([]Result{
		{Content: "first", Key: "doc-a", Score: 0.9},
		{Content: "second", Key: "doc-b", Score: 0.8},
		{Content: "third", Key: "doc-a", Score: 0.7},
	})
	assert.Contains(t, text, "From doc-a:")
	assert.Contains(t, text, "From doc-b:")
	assert.Contains(t, text, "- first")
	assert.Contains(t, text, "- third")

	assert.Empty(t, FormatContext(nil))
}
