package contextengine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetriever struct {
	chunks []Chunk
	err    error
	query  string
}

func (f *fakeRetriever) Search(_ context.Context, _, query string, _ int) ([]Chunk, error) {
	f.query = query
	return f.chunks, f.err
}

func TestBuildInputReclaimsIntoHistory(t *testing.T) {
	e := New(Options{Window: 200_000})
	system := strings.Repeat("s", 80_000) // 20k tokens against a 30k slice

	in := e.BuildInput("agent:main:telegram:dm:u1", system, "", nil, Knobs{}, RetrievalKnobs{})
	assert.Equal(t, 20_000, in.Plan.SystemPrompt)
	assert.Equal(t, 0, in.Plan.Bootstrap)
	// 10k from system + 20k bootstrap + 20k reserve on top of 90k.
	assert.Equal(t, 140_000, in.Plan.History)
	assert.Empty(t, in.Warnings)
}

func TestBuildInputPacksRetrievedContext(t *testing.T) {
	fr := &fakeRetriever{chunks: []Chunk{
		{Text: "deploy happens fridays", Score: 0.9},
		{Text: "irrelevant noise", Score: 0.1},
	}}
	e := New(Options{Window: 200_000, Retriever: fr})

	in := e.BuildInput("agent:main:telegram:dm:u1", "sys", "when do we deploy", nil,
		Knobs{}, RetrievalKnobs{Enabled: true})
	assert.Equal(t, "when do we deploy", fr.query)
	assert.Contains(t, in.Preamble, "<relevant-prior-context>")
	assert.Contains(t, in.Preamble, "deploy happens fridays")
	assert.NotContains(t, in.Preamble, "irrelevant noise")
	// Retrieved text is charged to the bootstrap slice.
	assert.Greater(t, in.Plan.Bootstrap, 0)
}

func TestBuildInputRetrievalFailureIsNonFatal(t *testing.T) {
	fr := &fakeRetriever{err: assert.AnError}
	e := New(Options{Window: 200_000, Retriever: fr})

	in := e.BuildInput("agent:main:telegram:dm:u1", "sys", "query", nil,
		Knobs{}, RetrievalKnobs{Enabled: true})
	assert.NotContains(t, in.Preamble, "relevant-prior-context")
}

func TestBuildInputFreshSummaryRechargesBootstrap(t *testing.T) {
	fs := &fakeSummarizer{out: strings.Repeat("k", 2_000)} // 500-token summary
	e := New(Options{Window: 10_000, Summarizer: fs})
	raw := seqd(turns(20, 400, 400)...)

	in := e.BuildInput("agent:main:telegram:dm:u1", "sys", "", raw,
		Knobs{SummaryEnabled: true, SummaryWindow: 3, TriggerThreshold: 1_000}, RetrievalKnobs{})
	require.NotNil(t, in.NewSummary)
	assert.Equal(t, fs.out, in.Preamble)
	// The new summary occupies the bootstrap slice.
	assert.Equal(t, 500, in.Plan.Bootstrap)
	assert.LessOrEqual(t, in.Plan.Total(), 10_000)
}

func TestPackRetrievedMinScoreAndCap(t *testing.T) {
	chunks := []Chunk{
		{Text: "a", Score: 0.9}, {Text: "b", Score: 0.8}, {Text: "c", Score: 0.7},
		{Text: "d", Score: 0.6}, {Text: "e", Score: 0.5}, {Text: "f", Score: 0.45},
		{Text: "low", Score: 0.1},
	}
	out, used := packRetrieved(chunks, 0.3, 5, 10_000)
	assert.NotContains(t, out, "low")
	assert.NotContains(t, out, "f\n") // capped at 5
	assert.Contains(t, out, "e\n")
	assert.Greater(t, used, 0)
}

func TestPackRetrievedTruncationFloor(t *testing.T) {
	big := Chunk{Text: strings.Repeat("x", 4_000), Score: 0.9} // 1000 tokens

	// Enough room to keep ≥100 tokens: truncated, not dropped.
	out, used := packRetrieved([]Chunk{big}, 0.3, 5, 300)
	assert.Contains(t, out, "xxx")
	assert.LessOrEqual(t, used, 300)

	// Under the floor: dropped whole.
	out, _ = packRetrieved([]Chunk{big}, 0.3, 5, 60)
	assert.Empty(t, out)
}
