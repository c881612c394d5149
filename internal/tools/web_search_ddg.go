package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ddgProvider scrapes the HTML-only DuckDuckGo frontend. It needs no key,
// so it serves as the fallback backend.
type ddgProvider struct {
	endpoint string
	client   *http.Client
}

func newDDGProvider() *ddgProvider {
	return &ddgProvider{
		endpoint: "https://html.duckduckgo.com/html/",
		client:   &http.Client{Timeout: searchTimeout},
	}
}

func (p *ddgProvider) Name() string { return "duckduckgo" }

func (p *ddgProvider) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?q="+url.QueryEscape(params.Query), nil)
	if err != nil {
		return nil, fmt.Errorf("ddg request: %w", err)
	}
	req.Header.Set("User-Agent", webSearchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ddg request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ddg status %d", resp.StatusCode)
	}
	return parseDDGResults(resp.Body, params.Count)
}

// parseDDGResults walks the result page. Titles live in anchors classed
// result__a, snippets in the result__snippet anchor that follows each one.
func parseDDGResults(r io.Reader, limit int) ([]searchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("ddg parse: %w", err)
	}

	var results []searchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			classes := attrValue(n, "class")
			switch {
			case strings.Contains(classes, "result__a"):
				results = append(results, searchResult{
					Title: textContent(n),
					URL:   ddgTargetURL(attrValue(n, "href")),
				})
				return
			case strings.Contains(classes, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Description == "" {
					results[len(results)-1].Description = textContent(n)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// ddgTargetURL unwraps the duckduckgo.com/l/ redirect, returning the real
// destination carried in the uddg query parameter.
func ddgTargetURL(href string) string {
	if !strings.Contains(href, "uddg=") {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
