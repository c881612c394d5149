package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!DOCTYPE html>
<html><head><title>ignored</title><style>body{color:red}</style></head>
<body>
<nav><a href="/home">Home</a></nav>
<script>alert("x")</script>
<h1>Release Notes</h1>
<p>Ships with <strong>faster</strong> sync &amp; a new <a href="https://example.com/docs">manual</a>.</p>
<ul><li>one</li><li>two</li></ul>
<pre>a := 1
b := 2</pre>
<footer>copyright</footer>
</body></html>`

func TestExtractHTMLToMarkdown(t *testing.T) {
	out, extractor := extractContent([]byte(samplePage), "text/html; charset=utf-8", "markdown")
	assert.Equal(t, "html-to-markdown", extractor)

	assert.Contains(t, out, "# Release Notes")
	assert.Contains(t, out, "**faster**")
	assert.Contains(t, out, "[manual](https://example.com/docs)")
	assert.Contains(t, out, "- one")
	assert.Contains(t, out, "```\na := 1\nb := 2\n```")
	// Entities decode through the parser.
	assert.Contains(t, out, "sync & a new")
	// Chrome, scripts, and styles do not leak into the content.
	assert.NotContains(t, out, "alert")
	assert.NotContains(t, out, "color:red")
	assert.NotContains(t, out, "Home")
	assert.NotContains(t, out, "copyright")
	assert.NotContains(t, out, "ignored")
}

func TestExtractHTMLToText(t *testing.T) {
	out, extractor := extractContent([]byte(samplePage), "text/html", "text")
	assert.Equal(t, "html-to-text", extractor)
	assert.Contains(t, out, "Release Notes")
	assert.Contains(t, out, "- one")
	assert.NotContains(t, out, "<p>")
	assert.NotContains(t, out, "alert")
}

func TestExtractJSONPrettyPrints(t *testing.T) {
	out, extractor := extractContent([]byte(`{"b":2,"a":1}`), "application/json", "markdown")
	assert.Equal(t, "json", extractor)
	assert.Contains(t, out, "\"a\": 1")

	// Invalid JSON falls back to the raw body.
	out, extractor = extractContent([]byte(`{nope`), "application/json", "markdown")
	assert.Equal(t, "raw", extractor)
	assert.Equal(t, "{nope", out)
}

func TestMarkdownToText(t *testing.T) {
	out := markdownToText("# Title\n\nSee [docs](https://example.com) for **bold** `code`.")
	assert.Equal(t, "Title\n\nSee docs for bold code.", out)
}

const sampleDDGPage = `<html><body>
<div class="result">
  <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fguide&amp;rut=abc">Example <b>Guide</b></a>
  <a class="result__snippet" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fguide">A short description.</a>
</div>
<div class="result">
  <a class="result__a" href="https://other.test/page">Other Page</a>
  <a class="result__snippet" href="https://other.test/page">Second snippet.</a>
</div>
<div class="result">
  <a class="result__a" href="https://third.test/">Third</a>
</div>
</body></html>`

func TestParseDDGResults(t *testing.T) {
	results, err := parseDDGResults(strings.NewReader(sampleDDGPage), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "Example Guide", results[0].Title)
	assert.Equal(t, "https://example.com/guide", results[0].URL)
	assert.Equal(t, "A short description.", results[0].Description)

	assert.Equal(t, "Other Page", results[1].Title)
	assert.Equal(t, "https://other.test/page", results[1].URL)
	assert.Equal(t, "Second snippet.", results[1].Description)
}

func TestDDGTargetURLPassthrough(t *testing.T) {
	assert.Equal(t, "https://plain.test/x", ddgTargetURL("https://plain.test/x"))
	assert.Equal(t, "https://example.com/a?b=1",
		ddgTargetURL("//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fa%3Fb%3D1&rut=zz"))
}

func TestBraveProviderSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-test", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "3", r.URL.Query().Get("count"))
		assert.Equal(t, "pw", r.URL.Query().Get("freshness"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"web":{"results":[
			{"title":"Go","url":"https://go.dev","description":"The Go site"},
			{"title":"Tour","url":"https://go.dev/tour","description":""}
		]}}`))
	}))
	defer srv.Close()

	p := &braveProvider{token: "sk-test", endpoint: srv.URL, client: srv.Client()}
	results, err := p.Search(context.Background(), searchParams{Query: "golang", Count: 3, Freshness: "PW"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Go", results[0].Title)
	assert.Equal(t, "https://go.dev", results[0].URL)
}

func TestBraveProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := &braveProvider{token: "sk-test", endpoint: srv.URL, client: srv.Client()}
	_, err := p.Search(context.Background(), searchParams{Query: "x", Count: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestNormalizeFreshness(t *testing.T) {
	assert.Equal(t, "pd", normalizeFreshness("PD"))
	assert.Equal(t, "2024-01-01to2024-02-01", normalizeFreshness("2024-01-01to2024-02-01"))
	assert.Equal(t, "", normalizeFreshness("2024-02-01to2024-01-01"))
	assert.Equal(t, "", normalizeFreshness("yesterday"))
}

func TestWebSearchToolFallsBackAcrossBackends(t *testing.T) {
	failing := stubBackend{name: "primary", err: assert.AnError}
	answering := stubBackend{name: "secondary", results: []searchResult{
		{Title: "Hit", URL: "https://hit.test", Description: "found it"},
	}}
	tool := &WebSearchTool{
		backends: []WebSearchProvider{failing, answering},
		cache:    newWebCache(4, defaultCacheTTL),
	}

	res := tool.Execute(context.Background(), map[string]any{"query": "anything"})
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "via secondary")
	assert.Contains(t, res.Content, "https://hit.test")
}

type stubBackend struct {
	name    string
	results []searchResult
	err     error
}

func (s stubBackend) Name() string { return s.name }
func (s stubBackend) Search(context.Context, searchParams) ([]searchResult, error) {
	return s.results, s.err
}
