// Package web implements web search and page fetching. Search goes
// through the Brave Search API; result pages are fetched in parallel and
// reduced to readable text.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/velikov/florin"
)

const (
	searchResultCount = 6
	maxPageBytes      = 512 << 10
	maxPageChars      = 4000
	maxFetchChars     = 8000
	userAgent         = "Mozilla/5.0 (compatible; FlorinBot/1.0)"
)

// Config tunes the web tool.
type Config struct {
	BraveAPIKey string
	SearchCost  decimal.Decimal
	Logger      *slog.Logger
}

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Tool implements web_search and web_fetch.
type Tool struct {
	apiKey     string
	searchCost decimal.Decimal
	endpoint   string
	client     *http.Client
	log        *slog.Logger
}

var _ florin.Tool = (*Tool)(nil)

func New(cfg Config) *Tool {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tool{
		apiKey:     cfg.BraveAPIKey,
		searchCost: cfg.SearchCost,
		endpoint:   braveEndpoint,
		client:     &http.Client{Timeout: 15 * time.Second},
		log:        log.With("component", "web"),
	}
}

func (t *Tool) Definitions() []florin.ToolDefinition {
	return []florin.ToolDefinition{
		{
			Name:        "web_search",
			Description: "Search the web for current information. Use for recent events, news, prices, weather, or anything needing up-to-date data. Cite result URLs in your answer.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"search query optimized for search engines"}},"required":["query"]}`),
		},
		{
			Name:        "web_fetch",
			Description: "Fetch one URL and extract its readable text. Use for reading a specific page, article or documentation. Free of charge.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, _ florin.ToolScope, name string, args json.RawMessage) (*florin.ToolResult, error) {
	switch name {
	case "web_search":
		var params struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return florin.ErrorResult("invalid args: %v", err), nil
		}
		if strings.TrimSpace(params.Query) == "" {
			return florin.ErrorResult("query is required"), nil
		}
		content, err := t.search(ctx, params.Query)
		if err != nil {
			return nil, fmt.Errorf("web_search: %w", err)
		}
		return &florin.ToolResult{Content: content, CostUSD: t.searchCost}, nil

	case "web_fetch":
		var params struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return florin.ErrorResult("invalid args: %v", err), nil
		}
		content, err := t.fetch(ctx, params.URL, maxFetchChars)
		if err != nil {
			return florin.ErrorResult("%v", err), nil
		}
		return florin.TextResult(content), nil
	}
	return florin.ErrorResult("unknown tool: %s", name), nil
}

type braveResult struct {
	Title   string
	URL     string
	Snippet string
	Content string // extracted page text, may be empty
}

// search queries Brave, fetches the result pages in parallel, and formats
// a numbered citation list.
func (t *Tool) search(ctx context.Context, query string) (string, error) {
	results, err := t.braveSearch(ctx, query, searchResultCount)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	t.fetchAll(ctx, results)
	return formatResults(query, results), nil
}

func (t *Tool) braveSearch(ctx context.Context, query string, count int) ([]*braveResult, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", t.endpoint, url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &florin.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: florin.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("brave parse: %w", err)
	}

	results := make([]*braveResult, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		results = append(results, &braveResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}
	return results, nil
}

// fetchAll extracts page text for each result concurrently. A page that
// fails to fetch keeps its snippet only.
func (t *Tool) fetchAll(ctx context.Context, results []*braveResult) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, r := range results {
		r := r
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, 8*time.Second)
			defer cancel()
			content, err := t.fetch(fetchCtx, r.URL, maxPageChars)
			if err != nil {
				t.log.Debug("page fetch failed", "url", r.URL, "error", err)
				return nil
			}
			r.Content = content
			return nil
		})
	}
	g.Wait()
}

// fetch downloads one URL and extracts readable text up to maxChars.
func (t *Tool) fetch(ctx context.Context, rawURL string, maxChars int) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}

	html := string(body)
	text := ""
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err == nil && article.TextContent != "" {
		text = strings.TrimSpace(article.TextContent)
	} else {
		text = stripHTML(html)
	}

	if len(text) > maxChars {
		text = text[:maxChars] + "\n... (truncated)"
	}
	return text, nil
}

// formatResults renders a numbered citation list the model can quote.
func formatResults(query string, results []*braveResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			b.WriteString(stripHTML(r.Snippet))
			b.WriteByte('\n')
		}
		if r.Content != "" {
			b.WriteString(r.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
