package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"taskweave/internal/config"
)

func TestSerperSearchScrapesResults(t *testing.T) {
	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><title>x</title><script>var a=1;</script></head><body><p>Page %s body text.</p></body></html>`, r.URL.Path)
	}))
	defer pages.Close()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "k" {
			t.Errorf("missing API key header")
		}
		fmt.Fprintf(w, `{"organic":[
			{"title":"One","link":"%s/one","snippet":"s1"},
			{"title":"Two","link":"%s/two","snippet":"s2"},
			{"title":"Three","link":"%s/three","snippet":"s3"}
		]}`, pages.URL, pages.URL, pages.URL)
	}))
	defer provider.Close()

	c := New(&config.WebSearchConfig{Provider: "serper", SerperAPIKey: "k"})
	c.serperURL = provider.URL

	results, err := c.Search(context.Background(), "query", 2, 60000)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected max-results cap of 2, got %d", len(results))
	}
	if !strings.Contains(results[0].Content, "Page /one body text.") {
		t.Errorf("scraped content missing: %q", results[0].Content)
	}
	if strings.Contains(results[0].Content, "var a=1") {
		t.Errorf("script text leaked into content: %q", results[0].Content)
	}
}

func TestSerpAPIProvider(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "sk" {
			t.Errorf("api_key not forwarded")
		}
		fmt.Fprint(w, `{"organic_results":[{"title":"A","link":"http://127.0.0.1:1/none","snippet":"fallback snippet"}]}`)
	}))
	defer provider.Close()

	c := New(&config.WebSearchConfig{Provider: "serpapi", SerpAPIKey: "sk"})
	c.serpapiURL = provider.URL

	results, err := c.Search(context.Background(), "q", 3, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d", len(results))
	}
	// The link is unreachable, so the snippet stands in for the page.
	if results[0].Content != "fallback snippet" {
		t.Errorf("content = %q, want snippet fallback", results[0].Content)
	}
}

func TestSearchCharBudgetSplitsAcrossPages(t *testing.T) {
	long := strings.Repeat("word ", 2000)
	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<html><body>%s</body></html>", long)
	}))
	defer pages.Close()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"organic":[
			{"title":"One","link":"%s/a","snippet":"s"},
			{"title":"Two","link":"%s/b","snippet":"s"}
		]}`, pages.URL, pages.URL)
	}))
	defer provider.Close()

	c := New(&config.WebSearchConfig{Provider: "serper", SerperAPIKey: "k"})
	c.serperURL = provider.URL

	results, err := c.Search(context.Background(), "q", 2, 1000)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		if len(r.Content) > 500 {
			t.Errorf("result %d content %d chars, want <= 500", i, len(r.Content))
		}
	}
}

func TestMissingAPIKey(t *testing.T) {
	c := New(&config.WebSearchConfig{Provider: "serper"})
	if _, err := c.Search(context.Background(), "q", 1, 100); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestVisibleText(t *testing.T) {
	in := `<html><head><style>.x{}</style></head><body><h1>Title</h1><p>Hello <b>world</b>.</p><noscript>fallback banner</noscript></body></html>`
	out, err := VisibleText(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Title") || !strings.Contains(out, "Hello world .") {
		t.Errorf("visible text = %q", out)
	}
	if strings.Contains(out, ".x{}") || strings.Contains(out, "fallback banner") {
		t.Errorf("non-visible text leaked: %q", out)
	}
}
