// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const webSearchTimeout = 15 * time.Second

type searchResult struct {
	Title       string
	URL         string
	Description string
}

type searchProvider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]searchResult, error)
}

// WebSearchToolOptions configures which search backend(s) web_search uses.
// Brave is preferred (richer results, requires an API key); DuckDuckGo's
// HTML-scrape endpoint is the keyless fallback.
type WebSearchToolOptions struct {
	BraveAPIKey          string
	BraveMaxResults      int
	BraveEnabled         bool
	DuckDuckGoMaxResults int
	DuckDuckGoEnabled    bool
}

// WebSearchTool searches the web via whichever configured provider is enabled.
type WebSearchTool struct {
	provider   searchProvider
	maxResults int
}

// NewWebSearchTool returns nil if no search backend is enabled, so callers
// can skip registering the tool entirely.
func NewWebSearchTool(opts WebSearchToolOptions) *WebSearchTool {
	if opts.BraveEnabled && opts.BraveAPIKey != "" {
		return &WebSearchTool{provider: &braveSearchProvider{apiKey: opts.BraveAPIKey}, maxResults: orDefault(opts.BraveMaxResults, 5)}
	}
	if opts.DuckDuckGoEnabled {
		return &WebSearchTool{provider: &duckDuckGoProvider{}, maxResults: orDefault(opts.DuckDuckGoMaxResults, 5)}
	}
	return nil
}

func orDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) Description() string { return fmt.Sprintf("Search the web using %s and return titles, URLs, and snippets where available.", t.provider.Name()) }
func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "description": "The search query"},
			"count": map[string]interface{}{"type": "integer", "description": "Number of results to return"},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	count := t.maxResults
	if c, ok := args["count"].(float64); ok && int(c) > 0 {
		count = int(c)
	}

	searchCtx, cancel := context.WithTimeout(ctx, webSearchTimeout)
	defer cancel()

	results, err := t.provider.Search(searchCtx, query, count)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: web search failed: %v", err))
	}
	if len(results) == 0 {
		return SilentResult("No results found.")
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Description)
	}
	return SilentResult(b.String())
}

// ---------------------------------------------------------------------------
// Brave provider
// ---------------------------------------------------------------------------

const braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

type braveSearchProvider struct {
	apiKey string
}

func (p *braveSearchProvider) Name() string { return "Brave Search" }

func (p *braveSearchProvider) Search(ctx context.Context, query string, count int) ([]searchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, truncateStr(string(body), 200))
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]searchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, searchResult{Title: r.Title, URL: r.URL, Description: r.Description})
	}
	return results, nil
}

// ---------------------------------------------------------------------------
// DuckDuckGo provider — HTML-scrape endpoint, no API key required.
// ---------------------------------------------------------------------------

const duckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

type duckDuckGoProvider struct{}

func (p *duckDuckGoProvider) Name() string { return "DuckDuckGo" }

func (p *duckDuckGoProvider) Search(ctx context.Context, query string, count int) ([]searchResult, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, duckDuckGoEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; picoclaw-agent/1.0)")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned %d", resp.StatusCode)
	}

	results := parseDuckDuckGoHTML(string(body))
	if len(results) > count {
		results = results[:count]
	}
	return results, nil
}

// parseDuckDuckGoHTML extracts each result's link and title from the HTML
// results page; snippets are not extracted, so Description stays empty. The
// markup is plain and stable enough for a targeted scan of the result__a
// anchors rather than pulling in a full HTML parser.
func parseDuckDuckGoHTML(html string) []searchResult {
	var results []searchResult
	const linkClass = `class="result__a"`

	for {
		idx := strings.Index(html, linkClass)
		if idx == -1 {
			break
		}
		html = html[idx+len(linkClass):]

		hrefStart := strings.Index(html, `href="`)
		if hrefStart == -1 {
			break
		}
		hrefStart += len(`href="`)
		hrefEnd := strings.Index(html[hrefStart:], `"`)
		if hrefEnd == -1 {
			break
		}
		href := html[hrefStart : hrefStart+hrefEnd]

		titleStart := strings.Index(html, ">")
		titleEnd := strings.Index(html, "</a>")
		title := ""
		if titleStart != -1 && titleEnd != -1 && titleEnd > titleStart {
			title = stripTags(html[titleStart+1 : titleEnd])
		}

		results = append(results, searchResult{Title: title, URL: decodeDuckDuckGoRedirect(href)})
	}
	return results
}

func decodeDuckDuckGoRedirect(href string) string {
	if idx := strings.Index(href, "uddg="); idx != -1 {
		raw := href[idx+len("uddg="):]
		if amp := strings.Index(raw, "&"); amp != -1 {
			raw = raw[:amp]
		}
		if decoded, err := url.QueryUnescape(raw); err == nil {
			return decoded
		}
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch r {
		case '<':
			inTag = true
		case '>':
			inTag = false
		default:
			if !inTag {
				b.WriteRune(r)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
