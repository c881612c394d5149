package contextengine

import (
	"context"
	"fmt"
	"strings"
)

// Retriever searches long-term memory for chunks relevant to a query.
// Implemented by internal/memory.
type Retriever interface {
	Search(ctx context.Context, sessionKey, query string, limit int) ([]Chunk, error)
}

// Chunk is one retrieved memory fragment with its relevance score in [0,1].
type Chunk struct {
	Text   string
	Score  float64
	Source string
}

// Retrieval knobs. Zero values get defaults from the constants below.
type RetrievalKnobs struct {
	Enabled  bool
	MaxItems int     // cap on injected chunks
	MinScore float64 // chunks below this relevance are discarded
}

const (
	DefaultRetrievalMaxItems = 5
	DefaultRetrievalMinScore = 0.35

	// retrievalTruncateFloor: a chunk is truncated to fit only when at
	// least this many tokens of it would survive; otherwise it is dropped
	// whole. Fragments shorter than this mislead more than they help.
	retrievalTruncateFloor = 100
)

// packRetrieved filters, caps, and renders retrieved chunks into the
// wrapped preamble block, spending at most budget tokens. The final chunk
// may be truncated, earlier ones are all-or-nothing.
func packRetrieved(chunks []Chunk, minScore float64, maxItems, budget int) (string, int) {
	if maxItems <= 0 {
		maxItems = DefaultRetrievalMaxItems
	}
	if minScore <= 0 {
		minScore = DefaultRetrievalMinScore
	}

	const openTag = "<relevant-prior-context>\n"
	const closeTag = "</relevant-prior-context>"
	overhead := EstimateText(openTag) + EstimateText(closeTag)
	if budget <= overhead {
		return "", 0
	}
	remaining := budget - overhead

	var b strings.Builder
	used := 0
	n := 0
	for _, c := range chunks {
		if n >= maxItems {
			break
		}
		if c.Score < minScore {
			continue
		}
		text := c.Text
		cost := EstimateText(text) + 1 // trailing newline
		if cost > remaining {
			if remaining < retrievalTruncateFloor {
				break
			}
			text = text[:min(len(text), (remaining-1)*4)]
			cost = EstimateText(text) + 1
		}
		fmt.Fprintf(&b, "%s\n", text)
		remaining -= cost
		used += cost
		n++
		if remaining <= 0 {
			break
		}
	}
	if n == 0 {
		return "", 0
	}
	return openTag + b.String() + closeTag, used + overhead
}
