// Package websearch fetches fresh context for deep-search agents: a search
// provider (serper or serpapi) supplies result links, the pages are scraped
// concurrently, and the visible text is spliced together under a character
// budget.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"taskweave/internal/config"
	"taskweave/internal/logging"
)

// Result is one search hit with its scraped page text.
type Result struct {
	Title   string
	Link    string
	Snippet string
	Content string
}

// Client queries a search provider and scrapes result pages.
type Client struct {
	cfg        *config.WebSearchConfig
	httpClient *http.Client

	// Overridable endpoints for tests.
	serperURL  string
	serpapiURL string
}

// New builds a web search client.
func New(cfg *config.WebSearchConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		serperURL:  "https://google.serper.dev/search",
		serpapiURL: "https://serpapi.com/search.json",
	}
}

// Search runs the query and returns up to maxResults hits with scraped
// content, bounded by maxChars total scraped characters.
func (c *Client) Search(ctx context.Context, query string, maxResults, maxChars int) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryWebSearch, "Search")
	defer timer.Stop()

	if maxResults < 1 {
		maxResults = 1
	}

	var (
		results []Result
		err     error
	)
	switch c.cfg.Provider {
	case "serpapi":
		results, err = c.searchSerpAPI(ctx, query)
	default:
		results, err = c.searchSerper(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	perPage := maxChars
	if len(results) > 0 {
		perPage = maxChars / len(results)
	}

	var g errgroup.Group
	gctx := ctx
	for i := range results {
		i := i
		g.Go(func() error {
			text, scrapeErr := c.scrape(gctx, results[i].Link, perPage)
			if scrapeErr != nil {
				// A dead page costs its snippet, not the whole search.
				logging.Get(logging.CategoryWebSearch).Warn("scrape of %s failed: %v", results[i].Link, scrapeErr)
				results[i].Content = results[i].Snippet
				return nil
			}
			results[i].Content = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.WebSearch("search %q returned %d results", query, len(results))
	return results, nil
}

// SearchText renders the results as prompt-ready text.
func (c *Client) SearchText(ctx context.Context, query string, maxResults, maxChars int) (string, error) {
	results, err := c.Search(ctx, query, maxResults, maxChars)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.Link, r.Content)
	}
	return sb.String(), nil
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

func (c *Client) searchSerper(ctx context.Context, query string) ([]Result, error) {
	if c.cfg.SerperAPIKey == "" {
		return nil, fmt.Errorf("serper API key not configured")
	}
	body, _ := json.Marshal(map[string]string{"q": query})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serperURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", c.cfg.SerperAPIKey)
	req.Header.Set("Content-Type", "application/json")

	var parsed serperResponse
	if err := c.doJSON(req, &parsed); err != nil {
		return nil, fmt.Errorf("serper search: %w", err)
	}

	out := make([]Result, 0, len(parsed.Organic))
	for _, o := range parsed.Organic {
		out = append(out, Result{Title: o.Title, Link: o.Link, Snippet: o.Snippet})
	}
	return out, nil
}

type serpapiResponse struct {
	OrganicResults []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
}

func (c *Client) searchSerpAPI(ctx context.Context, query string) ([]Result, error) {
	if c.cfg.SerpAPIKey == "" {
		return nil, fmt.Errorf("serpapi API key not configured")
	}
	u := fmt.Sprintf("%s?q=%s&api_key=%s", c.serpapiURL, url.QueryEscape(query), url.QueryEscape(c.cfg.SerpAPIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var parsed serpapiResponse
	if err := c.doJSON(req, &parsed); err != nil {
		return nil, fmt.Errorf("serpapi search: %w", err)
	}

	out := make([]Result, 0, len(parsed.OrganicResults))
	for _, o := range parsed.OrganicResults {
		out = append(out, Result{Title: o.Title, Link: o.Link, Snippet: o.Snippet})
	}
	return out, nil
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// scrape fetches the page and extracts its visible text, truncated to
// maxChars.
func (c *Client) scrape(ctx context.Context, link string, maxChars int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; taskweave/0.4)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	text, err := VisibleText(resp.Body)
	if err != nil {
		return "", err
	}
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return text, nil
}

// VisibleText extracts human-readable text from an HTML document, skipping
// script, style, and other non-content subtrees.
func VisibleText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	skip := map[string]bool{
		"script": true, "style": true, "noscript": true,
		"head": true, "iframe": true, "svg": true,
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skip[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.TrimSpace(sb.String()), nil
}
