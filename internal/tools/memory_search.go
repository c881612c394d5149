package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/ArchitectVS7/OpenClaw/internal/memory"
)

// MemorySearchTool lets the model query long-term memory explicitly, beyond
// what automatic retrieval injects.
type MemorySearchTool struct {
	provider   memory.SearchProvider
	sessionKey string
}

func NewMemorySearchTool(p memory.SearchProvider, sessionKey string) *MemorySearchTool {
	return &MemorySearchTool{provider: p, sessionKey: sessionKey}
}

func (t *MemorySearchTool) Name() string        { return "memory_search" }
func (t *MemorySearchTool) Description() string { return "Search long-term memory for relevant facts" }

func (t *MemorySearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for",
			},
			"limit": map[string]any{
				"type":        "number",
				"description": "Max results (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	limit := 5
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	results, err := t.provider.Search(ctx, t.sessionKey, query, limit)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search failed: %v", err)).WithError(err)
	}
	if len(results) == 0 {
		return NewResult("(no matching memories)")
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%.2f] %s\n", i+1, r.Score, r.Note.Text)
	}
	return NewResult(b.String())
}
