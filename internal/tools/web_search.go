package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	defaultSearchCount  = 5
	maxSearchCount      = 10
	searchTimeout       = 30 * time.Second
	braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
	webSearchUserAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// WebSearchProvider abstracts a web search backend.
type WebSearchProvider interface {
	Search(ctx context.Context, params searchParams) ([]searchResult, error)
	Name() string
}

type searchParams struct {
	Query      string
	Count      int
	Country    string
	SearchLang string
	UILang     string
	Freshness  string
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

var (
	freshnessShortcuts = map[string]bool{"pd": true, "pw": true, "pm": true, "py": true}
	freshnessRangeRe   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})to(\d{4}-\d{2}-\d{2})$`)
)

// normalizeFreshness accepts the shortcut codes and date ranges the Brave
// API understands; anything else is dropped rather than passed through.
func normalizeFreshness(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return ""
	}
	if freshnessShortcuts[v] {
		return v
	}
	if m := freshnessRangeRe.FindStringSubmatch(v); len(m) == 3 {
		start, errS := time.Parse("2006-01-02", m[1])
		end, errE := time.Parse("2006-01-02", m[2])
		if errS == nil && errE == nil && !start.After(end) {
			return v
		}
	}
	return ""
}

// WebSearchTool queries the configured backends in priority order; the
// first one to answer wins.
type WebSearchTool struct {
	backends []WebSearchProvider
	cache    *webCache
}

// WebSearchConfig selects and configures search backends.
type WebSearchConfig struct {
	BraveAPIKey string
	DDGEnabled  bool
	CacheTTL    time.Duration
}

// NewWebSearchTool returns nil when no backend is configured; callers skip
// registration in that case.
func NewWebSearchTool(cfg WebSearchConfig) *WebSearchTool {
	var backends []WebSearchProvider
	if cfg.BraveAPIKey != "" {
		backends = append(backends, newBraveProvider(cfg.BraveAPIKey))
	}
	if cfg.DDGEnabled {
		backends = append(backends, newDDGProvider())
	}
	if len(backends) == 0 {
		return nil
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &WebSearchTool{
		backends: backends,
		cache:    newWebCache(defaultCacheMaxEntries, ttl),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets from search results."
}

func (t *WebSearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query string.",
			},
			"count": map[string]any{
				"type":        "number",
				"description": "Number of results to return (1-10).",
				"minimum":     1.0,
				"maximum":     float64(maxSearchCount),
			},
			"country": map[string]any{
				"type":        "string",
				"description": "2-letter country code for region-specific results (e.g., 'DE', 'US', 'ALL'). Default: 'US'.",
			},
			"search_lang": map[string]any{
				"type":        "string",
				"description": "ISO language code for search results (e.g., 'de', 'en', 'fr').",
			},
			"ui_lang": map[string]any{
				"type":        "string",
				"description": "ISO language code for UI elements.",
			},
			"freshness": map[string]any{
				"type":        "string",
				"description": "Filter results by discovery time. Supports 'pd' (past day), 'pw' (past week), 'pm' (past month), 'py' (past year), and date range 'YYYY-MM-DDtoYYYY-MM-DD'.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	params, err := parseSearchArgs(args)
	if err != nil {
		return ErrorResult(err.Error())
	}

	cacheKey := params.cacheKey()
	if cached, ok := t.cache.get(cacheKey); ok {
		slog.Debug("tools.web_search_cache_hit", "query", params.Query)
		return NewResult(cached)
	}

	var lastErr error
	for _, backend := range t.backends {
		results, err := backend.Search(ctx, params)
		if err != nil {
			slog.Warn("tools.web_search_backend_failed", "backend", backend.Name(), "error", err)
			lastErr = err
			continue
		}

		wrapped := wrapExternalContent(formatSearchResults(params.Query, results, backend.Name()), "Web Search", false)
		t.cache.set(cacheKey, wrapped)
		return NewResult(wrapped)
	}

	if lastErr != nil {
		return ErrorResult(fmt.Sprintf("all search backends failed: %v", lastErr))
	}
	return ErrorResult("no search backends configured")
}

func parseSearchArgs(args map[string]any) (searchParams, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return searchParams{}, fmt.Errorf("query is required")
	}

	count := defaultSearchCount
	if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= maxSearchCount {
		count = int(c)
	}

	str := func(key string) string {
		s, _ := args[key].(string)
		return s
	}
	return searchParams{
		Query:      query,
		Count:      count,
		Country:    str("country"),
		SearchLang: str("search_lang"),
		UILang:     str("ui_lang"),
		Freshness:  str("freshness"),
	}, nil
}

func (p searchParams) cacheKey() string {
	return fmt.Sprintf("search:%s:%d:%s:%s:%s:%s",
		p.Query, p.Count, p.Country, p.SearchLang, p.UILang, p.Freshness)
}

func formatSearchResults(query string, results []searchResult, backend string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, backend)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
