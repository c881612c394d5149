// Package memory is the long-term store behind semantic retrieval: durable
// notes and archived conversation text, indexed for relevance search.
package memory

import (
	"context"
	"time"
)

// Note is one indexed fragment of long-term memory.
type Note struct {
	ID         string
	SessionKey string
	Source     string // "conversation", "memory_file", "tool"
	Text       string
	CreatedAt  time.Time
}

// Result is a search hit with its relevance score in [0,1].
type Result struct {
	Note  Note
	Score float64
}

// SearchProvider indexes and searches long-term memory. The default
// implementation is the SQLite full-text index; deployments can swap in a
// vector backend without touching the context engine.
type SearchProvider interface {
	Index(ctx context.Context, notes []Note) error
	Search(ctx context.Context, sessionKey, query string, limit int) ([]Result, error)
	Delete(ctx context.Context, ids []string) error
	Close() error
}
