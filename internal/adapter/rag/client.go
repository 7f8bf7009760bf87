package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

// Result is one retrieval hit.
type Result struct {
	Content   string  `json:"content"`
	Key       string  `json:"key"`
	Locations []any   `json:"locations,omitempty"`
	Indexes   []int   `json:"indexes,omitempty"`
	CharIndex int     `json:"charIndex,omitempty"`
	RagID     string  `json:"ragId"`
	Score     float64 `json:"score"`
}

// Client issues retrieval queries against the embedding-dual-retrieval
// endpoint. Concurrency is bounded by a shared semaphore.
type Client struct {
	baseURL string
	limit   int
	timeout time.Duration
	sem     *semaphore.Weighted
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a retrieval client.
func NewClient(cfg config.RAGConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		limit:   cfg.Limit,
		timeout: cfg.Timeout,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		http:    &http.Client{},
		logger:  logger,
	}
}

type retrievalRequest struct {
	DataSources      []string `json:"dataSources"`
	GroupDataSources []string `json:"groupDataSources"`
	ASTDataSources   []string `json:"astDataSources"`
	UserInput        string   `json:"userInput"`
	Limit            int      `json:"limit"`
}

type retrievalResponse struct {
	Result [][]any `json:"result"`
}

// Sources partitions the resolved data sources for a retrieval call.
type Sources struct {
	User  []string
	Group []string
	AST   []string
}

// Retrieve issues one retrieval query and returns up to the configured
// number of results.
func (c *Client) Retrieve(ctx context.Context, token string, sources Sources, query string) ([]Result, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, domain.WrapOp("rag.acquire", err)
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(retrievalRequest{
		DataSources:      emptyIfNil(sources.User),
		GroupDataSources: emptyIfNil(sources.Group),
		ASTDataSources:   emptyIfNil(sources.AST),
		UserInput:        query,
		Limit:            c.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embedding-dual-retrieval", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create retrieval request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retrieval request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read retrieval response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: retrieval %d: %s", domain.ErrProviderError, resp.StatusCode, raw)
	}

	var rr retrievalResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("unmarshal retrieval response: %w", err)
	}

	results := make([]Result, 0, len(rr.Result))
	for _, row := range rr.Result {
		// Row shape: [content, key, locations, indexes, charIndex, user,
		// tokenCount, ragId, score].
		if len(row) < 9 {
			continue
		}
		r := Result{}
		r.Content, _ = row[0].(string)
		r.Key, _ = row[1].(string)
		if locs, ok := row[2].([]any); ok {
			r.Locations = locs
		}
		if idx, ok := row[3].([]any); ok {
			for _, v := range idx {
				if f, ok := v.(float64); ok {
					r.Indexes = append(r.Indexes, int(f))
				}
			}
		}
		if ci, ok := row[4].(float64); ok {
			r.CharIndex = int(ci)
		}
		r.RagID, _ = row[7].(string)
		if score, ok := row[8].(float64); ok {
			r.Score = score
		}
		results = append(results, r)
	}

	return results, nil
}

// Merge deduplicates results by ragId and by exact content and sorts by score
// descending. It does not group by source key; FormatContext does that.
func Merge(batches ...[]Result) []Result {
	seenID := make(map[string]bool)
	seenContent := make(map[string]bool)
	var merged []Result

	for _, batch := range batches {
		for _, r := range batch {
			if r.RagID != "" && seenID[r.RagID] {
				continue
			}
			if seenContent[r.Content] {
				continue
			}
			seenID[r.RagID] = true
			seenContent[r.Content] = true
			merged = append(merged, r)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	return merged
}

// FormatContext renders merged results as the aggregated context text
// attached to the conversation, grouped by source key.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant retrieved context:\n\n")
	byKey := make(map[string][]Result)
	var keys []string
	for _, r := range results {
		if _, ok := byKey[r.Key]; !ok {
			keys = append(keys, r.Key)
		}
		byKey[r.Key] = append(byKey[r.Key], r)
	}
	for _, key := range keys {
		fmt.Fprintf(&sb, "From %s:\n", key)
		for _, r := range byKey[key] {
			fmt.Fprintf(&sb, "- %s\n", strings.TrimSpace(r.Content))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
