package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

// Result is one normalized web search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Response is the normalized outcome of one search call.
type Response struct {
	Provider string   `json:"provider"`
	Query    string   `json:"query"`
	Results  []Result `json:"results"`
	Answer   string   `json:"answer,omitempty"`
}

// Backend abstracts one web search engine.
type Backend interface {
	Search(ctx context.Context, query string, count int) ([]Result, error)
	Name() string
}

// Chain tries configured backends in priority order (Brave, Tavily, Serper,
// SerpAPI), falling through to the next on transport error. Results are
// cached by query for a short TTL.
type Chain struct {
	backends []Backend
	count    int
	cacheTTL time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	resp      Response
	expiresAt time.Time
}

// NewChain builds the backend chain from configured API keys.
func NewChain(cfg config.SearchConfig, logger *slog.Logger) *Chain {
	var backends []Backend
	if cfg.BraveAPIKey != "" {
		backends = append(backends, NewBrave(cfg.BraveAPIKey))
	}
	if cfg.TavilyAPIKey != "" {
		backends = append(backends, NewTavily(cfg.TavilyAPIKey))
	}
	if cfg.SerperAPIKey != "" {
		backends = append(backends, NewSerper(cfg.SerperAPIKey))
	}
	if cfg.SerpAPIKey != "" {
		backends = append(backends, NewSerpAPI(cfg.SerpAPIKey))
	}
	return &Chain{
		backends: backends,
		count:    cfg.MaxResults,
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

// NewChainWithBackends builds a chain over explicit backends (used by tests
// and custom wiring).
func NewChainWithBackends(backends []Backend, cfg config.SearchConfig, logger *slog.Logger) *Chain {
	return &Chain{
		backends: backends,
		count:    cfg.MaxResults,
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

// Available reports whether at least one backend is configured.
func (c *Chain) Available() bool { return len(c.backends) > 0 }

// Search runs the query against the first healthy backend.
func (c *Chain) Search(ctx context.Context, query string) (Response, error) {
	key := fmt.Sprintf("%s|%d", query, c.count)
	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		c.logger.Debug("web search cache hit", "query", query)
		return entry.resp, nil
	}
	c.mu.Unlock()

	var lastErr error
	for _, b := range c.backends {
		results, err := b.Search(ctx, query, c.count)
		if err != nil {
			c.logger.Warn("search backend failed, trying next",
				"backend", b.Name(),
				"error", err,
			)
			lastErr = err
			continue
		}
		resp := Response{Provider: b.Name(), Query: query, Results: results}
		c.mu.Lock()
		c.cache[key] = cacheEntry{resp: resp, expiresAt: time.Now().Add(c.cacheTTL)}
		c.mu.Unlock()
		return resp, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no search backend configured")
	}
	return Response{}, fmt.Errorf("all search backends failed: %w", lastErr)
}

// FormatMarkdown renders search results as Markdown for LLM consumption.
func FormatMarkdown(resp Response) string {
	if len(resp.Results) == 0 {
		return fmt.Sprintf("No search results found for %q.", resp.Query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for %q (via %s):\n\n", resp.Query, resp.Provider)
	for i, r := range resp.Results {
		fmt.Fprintf(&sb, "%d. **%s**\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	if resp.Answer != "" {
		fmt.Fprintf(&sb, "Summary answer: %s\n", resp.Answer)
	}
	return sb.String()
}
