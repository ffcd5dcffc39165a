// Package proxy implements the built-in local capability handlers for
// fetching web pages and extracting their content. These back the
// proxy.fetch and proxy.extract capabilities when no upstream service is
// reachable, and are also served directly on the control API.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	fetchTimeout = 10 * time.Second
	// maxBodyBytes caps how much of a page we read. Articles beyond this
	// are truncated, not rejected.
	maxBodyBytes = 2 << 20

	userAgent = "alabobai-runtime/1.0"
)

// Article is the readable core of one fetched page.
type Article struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	TextContent string `json:"textContent"`
	Length      int    `json:"length"`
}

// Client fetches pages and extracts readable content.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a proxy client with default timeouts.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
}

// FetchArticle downloads rawURL and isolates its main article content.
func (c *Client) FetchArticle(ctx context.Context, rawURL string) (*Article, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("Request failed with status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	article, err := readability.FromReader(body, parsed)
	if err != nil {
		return nil, fmt.Errorf("extract readable content: %w", err)
	}

	return &Article{
		URL:         rawURL,
		Title:       article.Title,
		Content:     article.Content,
		TextContent: article.TextContent,
		Length:      article.Length,
	}, nil
}

// Fetch runs the proxy.fetch handler: fetch + readability.
func (c *Client) Fetch(ctx context.Context, rawURL string) (map[string]any, error) {
	article, err := c.FetchArticle(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":          true,
		"url":         article.URL,
		"title":       article.Title,
		"content":     article.Content,
		"textContent": article.TextContent,
		"length":      article.Length,
	}, nil
}
