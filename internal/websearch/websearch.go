// Package websearch is a small in-process search helper. It queries the
// DuckDuckGo HTML endpoint and extracts result links and snippets, so the
// web_search action never needs to reach the remote execution host.
package websearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/opsrelay/opsrelay/internal/util/sanitize"
)

const (
	endpoint       = "https://html.duckduckgo.com/html/"
	defaultTimeout = 15 * time.Second
	maxResults     = 8
	maxTitleLen    = 200
)

// strict strips every HTML tag from snippets.
var strict = bluemonday.StrictPolicy()

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client performs searches. BaseURL is overridable for tests.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a search client with default settings.
func New() *Client {
	return &Client{
		BaseURL:    endpoint,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Search runs a query and returns up to maxResults hits.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "opsrelay-websearch/1.0")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d", resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse search results: %w", err)
	}

	return extractResults(doc), nil
}

// extractResults walks the parsed document collecting result anchors
// (class "result__a") and their sibling snippets (class "result__snippet").
func extractResults(doc *html.Node) []Result {
	var results []Result

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "result__a") {
			r := Result{
				Title: sanitize.Title(textContent(n), maxTitleLen),
				URL:   resolveHref(attr(n, "href")),
			}
			if r.Title != "" && r.URL != "" {
				results = append(results, r)
			}
		}
		if n.Type == html.ElementNode && hasClass(n, "result__snippet") && len(results) > 0 {
			if results[len(results)-1].Snippet == "" {
				results[len(results)-1].Snippet = strings.TrimSpace(strict.Sanitize(textContent(n)))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return results
}

// resolveHref unwraps DuckDuckGo's redirect links (//duckduckgo.com/l/?uddg=<url>).
func resolveHref(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if uddg := u.Query().Get("uddg"); uddg != "" {
		if direct, err := url.QueryUnescape(uddg); err == nil {
			return direct
		}
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
