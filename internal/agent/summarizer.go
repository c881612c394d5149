package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/ArchitectVS7/OpenClaw/internal/providers"
)

// providerSummarizer adapts the model provider to the context engine's
// Summarizer interface. Summaries run on the same failover chain as turns
// but never stream to subscribers.
type providerSummarizer struct {
	provider providers.Provider
	model    string
}

func newSummarizer(p providers.Provider, model string) *providerSummarizer {
	return &providerSummarizer{provider: p, model: model}
}

func (s *providerSummarizer) Summarize(ctx context.Context, text string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	resp, err := s.provider.ChatStream(ctx, providers.ChatRequest{
		Model:     s.model,
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: text}},
		MaxTokens: maxTokens,
	}, func(providers.StreamChunk) {})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", errors.New("summariser returned empty output")
	}
	return out, nil
}
