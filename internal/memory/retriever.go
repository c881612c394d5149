package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/ArchitectVS7/OpenClaw/internal/contextengine"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
)

// Retriever adapts a SearchProvider to the context engine's retrieval
// interface.
type Retriever struct {
	provider SearchProvider
}

// NewRetriever wraps a search provider.
func NewRetriever(p SearchProvider) *Retriever {
	return &Retriever{provider: p}
}

// Search implements contextengine.Retriever.
func (r *Retriever) Search(ctx context.Context, sessionKey, query string, limit int) ([]contextengine.Chunk, error) {
	results, err := r.provider.Search(ctx, sessionKey, query, limit)
	if err != nil {
		return nil, err
	}
	chunks := make([]contextengine.Chunk, 0, len(results))
	for _, res := range results {
		chunks = append(chunks, contextengine.Chunk{
			Text:   res.Note.Text,
			Score:  res.Score,
			Source: res.Note.Source,
		})
	}
	return chunks, nil
}

// archiveChunkChars bounds each archived note so retrieval injects focused
// fragments rather than whole transcripts.
const archiveChunkChars = 2_000

// Archive indexes the text of entries that rolled out of live history, so
// summarised conversation stays searchable verbatim.
func Archive(ctx context.Context, p SearchProvider, sessionKey string, entries []sessions.Entry) error {
	var b strings.Builder
	var notes []Note
	flush := func() {
		if b.Len() == 0 {
			return
		}
		notes = append(notes, Note{
			SessionKey: sessionKey,
			Source:     "conversation",
			Text:       b.String(),
		})
		b.Reset()
	}
	for _, e := range entries {
		var line string
		switch e.Type {
		case sessions.EntryUser:
			line = "user: " + e.Message().Text
		case sessions.EntryAssistant:
			line = "assistant: " + e.Message().Text
		default:
			continue
		}
		if b.Len() > 0 && b.Len()+len(line) > archiveChunkChars {
			flush()
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	flush()
	if len(notes) == 0 {
		return nil
	}
	if err := p.Index(ctx, notes); err != nil {
		return fmt.Errorf("archive session %s: %w", sessionKey, err)
	}
	return nil
}
