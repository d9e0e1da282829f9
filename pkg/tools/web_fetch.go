// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	webFetchTimeout   = 15 * time.Second
	webFetchMaxBody   = 1 << 20 // 1MB
	webFetchUserAgent = "Mozilla/5.0 (compatible; picoclaw-agent/1.0)"
)

// WebFetchTool downloads a URL and extracts its readable text content.
type WebFetchTool struct {
	maxChars int
	client   *http.Client
}

func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = 50000
	}
	return &WebFetchTool{
		maxChars: maxChars,
		client:   &http.Client{Timeout: webFetchTimeout},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its readable text content. Use for reading web pages, articles, and documentation. Refuses to fetch private/loopback network addresses."
}
func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{"type": "string", "description": "HTTP or HTTPS URL to fetch"},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if isBlockedHost(parsed.Hostname()) {
		return ErrorResult("Action Blocked: refusing to fetch private/loopback network address")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	req.Header.Set("User-Agent", webFetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: fetch failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return ErrorResult(fmt.Sprintf("Error: HTTP %d from %s", resp.StatusCode, rawURL))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBody))
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: reading response: %v", err))
	}

	text := extractReadableText(string(body), parsed)
	if len(text) > t.maxChars {
		text = text[:t.maxChars] + "\n... (truncated)"
	}
	return SilentResult(text)
}

func extractReadableText(html string, pageURL *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return strings.TrimSpace(html)
}

// isBlockedHost reports whether host resolves to a private, loopback, or
// link-local address, defending web_fetch against SSRF into internal
// services.
func isBlockedHost(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		if ip := net.ParseIP(host); ip != nil {
			return isPrivateIP(ip)
		}
		return false
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return true
		}
	}
	return false
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
