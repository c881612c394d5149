package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// braveProvider calls the Brave Search REST API. It ranks first in the
// backend order whenever a subscription token is configured.
type braveProvider struct {
	token    string
	endpoint string
	client   *http.Client
}

func newBraveProvider(token string) *braveProvider {
	return &braveProvider{
		token:    token,
		endpoint: braveSearchEndpoint,
		client:   &http.Client{Timeout: searchTimeout},
	}
}

func (p *braveProvider) Name() string { return "brave" }

// braveResponse mirrors the slice of the API document we consume; the field
// names of searchResult line up with Brave's own.
type braveResponse struct {
	Web struct {
		Results []searchResult `json:"results"`
	} `json:"web"`
}

func (p *braveProvider) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(params.Count))
	for key, val := range map[string]string{
		"country":     params.Country,
		"search_lang": params.SearchLang,
		"ui_lang":     params.UILang,
		"freshness":   normalizeFreshness(params.Freshness),
	} {
		if val != "" {
			q.Set(key, val)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("brave request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("brave status %d: %s", resp.StatusCode, detail)
	}

	var decoded braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("brave response: %w", err)
	}
	return decoded.Web.Results, nil
}
