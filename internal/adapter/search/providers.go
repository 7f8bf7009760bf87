package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const searchTimeout = 15 * time.Second

func newSearchHTTPClient() *http.Client {
	return &http.Client{Timeout: searchTimeout}
}

func readJSON(resp *http.Response, into any) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, into)
}

// --- Brave ---

// Brave queries the Brave Search API.
type Brave struct {
	apiKey string
	client *http.Client
}

// NewBrave creates the Brave backend.
func NewBrave(apiKey string) *Brave {
	return &Brave{apiKey: apiKey, client: newSearchHTTPClient()}
}

func (b *Brave) Name() string { return "brave" }

func (b *Brave) Search(ctx context.Context, query string, count int) ([]Result, error) {
	u := "https://api.search.brave.com/res/v1/web/search?q=" + url.QueryEscape(query) +
		"&count=" + strconv.Itoa(count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := readJSON(resp, &body); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}

	results := make([]Result, 0, len(body.Web.Results))
	for _, r := range body.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return results, nil
}

// --- Tavily ---

// Tavily queries the Tavily search API.
type Tavily struct {
	apiKey string
	client *http.Client
}

// NewTavily creates the Tavily backend.
func NewTavily(apiKey string) *Tavily {
	return &Tavily{apiKey: apiKey, client: newSearchHTTPClient()}
}

func (t *Tavily) Name() string { return "tavily" }

func (t *Tavily) Search(ctx context.Context, query string, count int) ([]Result, error) {
	payload, _ := json.Marshal(map[string]any{
		"query":       query,
		"max_results": count,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.tavily.com/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}

	var body struct {
		Answer  string `json:"answer"`
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := readJSON(resp, &body); err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}

	results := make([]Result, 0, len(body.Results))
	for _, r := range body.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Description: r.Content})
	}
	return results, nil
}

// --- Serper ---

// Serper queries the serper.dev Google proxy.
type Serper struct {
	apiKey string
	client *http.Client
}

// NewSerper creates the Serper backend.
func NewSerper(apiKey string) *Serper {
	return &Serper{apiKey: apiKey, client: newSearchHTTPClient()}
}

func (s *Serper) Name() string { return "serper" }

func (s *Serper) Search(ctx context.Context, query string, count int) ([]Result, error) {
	payload, _ := json.Marshal(map[string]any{"q": query, "num": count})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://google.serper.dev/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper: %w", err)
	}

	var body struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := readJSON(resp, &body); err != nil {
		return nil, fmt.Errorf("serper: %w", err)
	}

	results := make([]Result, 0, len(body.Organic))
	for _, r := range body.Organic {
		results = append(results, Result{Title: r.Title, URL: r.Link, Description: r.Snippet})
	}
	return results, nil
}

// --- SerpAPI ---

// SerpAPI queries serpapi.com.
type SerpAPI struct {
	apiKey string
	client *http.Client
}

// NewSerpAPI creates the SerpAPI backend.
func NewSerpAPI(apiKey string) *SerpAPI {
	return &SerpAPI{apiKey: apiKey, client: newSearchHTTPClient()}
}

func (s *SerpAPI) Name() string { return "serpapi" }

func (s *SerpAPI) Search(ctx context.Context, query string, count int) ([]Result, error) {
	u := "https://serpapi.com/search?engine=google&q=" + url.QueryEscape(query) +
		"&num=" + strconv.Itoa(count) + "&api_key=" + url.QueryEscape(s.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serpapi: %w", err)
	}

	var body struct {
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := readJSON(resp, &body); err != nil {
		return nil, fmt.Errorf("serpapi: %w", err)
	}

	results := make([]Result, 0, len(body.OrganicResults))
	for _, r := range body.OrganicResults {
		results = append(results, Result{Title: r.Title, URL: r.Link, Description: r.Snippet})
	}
	return results, nil
}

// Compile-time interface checks.
var (
	_ Backend = (*Brave)(nil)
	_ Backend = (*Tavily)(nil)
	_ Backend = (*Serper)(nil)
	_ Backend = (*SerpAPI)(nil)
)
