package contextengine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// seqd assigns dense seqs to a built entry slice, like the log would.
func seqd(entries ...sessions.Entry) []sessions.Entry {
	for i := range entries {
		entries[i].Seq = uint64(i + 1)
	}
	return entries
}

// turn builds one user+assistant pair with payloads of the given size.
func turn(userLen, asstLen int) []sessions.Entry {
	return []sessions.Entry{
		sessions.UserEntry(strings.Repeat("u", userLen)),
		sessions.AssistantEntry(strings.Repeat("a", asstLen)),
	}
}

func turns(n, userLen, asstLen int) []sessions.Entry {
	var out []sessions.Entry
	for i := 0; i < n; i++ {
		out = append(out, turn(userLen, asstLen)...)
	}
	return out
}

type fakeSummarizer struct {
	out   string
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _ string, _ int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func TestDMHistoryLimitWinsOverBudget(t *testing.T) {
	e := New(Options{Window: 200_000})
	raw := seqd(turns(10, 40, 40)...)

	sel := e.SelectHistory(raw, 100_000, Knobs{DMHistoryLimit: 3})
	// 3 turns of user+assistant each.
	require.Len(t, sel.Entries, 6)
	assert.Equal(t, sessions.EntryUser, sel.Entries[0].Type)
	// The limit applies even though everything fits the budget.
	assert.Equal(t, raw[len(raw)-6].Seq, sel.Entries[0].Seq)
}

func TestTokenTrimDropsOldestOnTurnBoundary(t *testing.T) {
	e := New(Options{Window: 200_000})
	// 10 turns, ~200 tokens each (400+400 chars).
	raw := seqd(turns(10, 400, 400)...)
	total := EstimateEntries(raw)

	sel := e.SelectHistory(raw, total/2, Knobs{PreserveRecentTurns: 2})
	require.NotEmpty(t, sel.Entries)
	assert.Equal(t, sessions.EntryUser, sel.Entries[0].Type)
	assert.LessOrEqual(t, EstimateEntries(sel.Entries), total/2)
	// Suffix of the original, order preserved.
	assert.Equal(t, raw[len(raw)-len(sel.Entries)].Seq, sel.Entries[0].Seq)
	assert.Empty(t, sel.Warnings)
}

func TestTokenTrimKeepsOversizedRecentTurnsWithWarning(t *testing.T) {
	e := New(Options{Window: 200_000})
	// A single enormous recent turn that alone blows the budget.
	raw := seqd(append(turns(3, 40, 40), turn(40_000, 40)...)...)

	sel := e.SelectHistory(raw, 1_000, Knobs{PreserveRecentTurns: 1})
	require.Len(t, sel.Warnings, 1)
	assert.Equal(t, protocol.ErrOverBudget, sel.Warnings[0].Kind)
	// The oversized turn survives.
	found := false
	for _, en := range sel.Entries {
		if EstimateEntry(en) > 1_000 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestZeroBudgetReturnsEmpty(t *testing.T) {
	e := New(Options{Window: 0})
	sel := e.SelectHistory(seqd(turns(2, 40, 40)...), 0, Knobs{})
	assert.Empty(t, sel.Entries)
}

func TestSelectionIdempotentUnderBudget(t *testing.T) {
	e := New(Options{Window: 200_000})
	raw := seqd(turns(4, 40, 40)...)
	sel := e.SelectHistory(raw, 100_000, Knobs{})
	assert.Equal(t, len(raw), len(sel.Entries))

	again := e.SelectHistory(raw, 100_000, Knobs{})
	assert.Equal(t, sel.Entries, again.Entries)
}

func TestSummaryTriggerProducesSummaryAndKeepsWindow(t *testing.T) {
	fs := &fakeSummarizer{out: "user prefers dark mode; pending: deploy fix"}
	e := New(Options{Window: 10_000, Summarizer: fs})
	raw := seqd(turns(20, 400, 400)...)

	k := Knobs{SummaryEnabled: true, SummaryWindow: 3, TriggerThreshold: 1_000}
	sel := e.SelectHistory(raw, 2_000, k)

	require.NotNil(t, sel.NewSummary)
	assert.Equal(t, fs.out, sel.NewSummary.Text)
	assert.Equal(t, fs.out, sel.SummaryText)
	assert.Greater(t, fs.calls, 0)
	// Summary covers exactly the prefix before the verbatim window.
	kept := lastNUserTurns(raw, 3)
	assert.Equal(t, raw[len(raw)-len(kept)-1].Seq, sel.NewSummary.CoversToSeq)
	assert.Equal(t, 17, sel.NewSummary.CoversTurns)
}

func TestSummaryTriggerIsMinOfThresholdAndBudgetShare(t *testing.T) {
	fs := &fakeSummarizer{out: "s"}
	e := New(Options{Window: 10_000, Summarizer: fs})
	// ~440 tokens of history.
	raw := seqd(turns(11, 80, 80)...)

	// Budget 500: 0.8·500 = 400 < threshold 100000, so the 440-token
	// history crosses the effective trigger.
	sel := e.SelectHistory(raw, 500, Knobs{SummaryEnabled: true, SummaryWindow: 2, TriggerThreshold: 100_000})
	assert.NotNil(t, sel.NewSummary)
}

func TestSummarizerFailureFallsBackToTrim(t *testing.T) {
	fs := &fakeSummarizer{err: errors.New("provider down")}
	e := New(Options{Window: 10_000, Summarizer: fs})
	raw := seqd(turns(20, 400, 400)...)

	sel := e.SelectHistory(raw, 2_000, Knobs{SummaryEnabled: true, SummaryWindow: 3, TriggerThreshold: 1_000})
	assert.Nil(t, sel.NewSummary)
	require.NotEmpty(t, sel.Warnings)
	assert.Equal(t, "SummarizerFailed", sel.Warnings[0].Kind)
	// History still fits and is never empty.
	require.NotEmpty(t, sel.Entries)
	assert.LessOrEqual(t, EstimateEntries(sel.Entries), 2_000)
}

func TestExistingSummaryExcludesCoveredPrefix(t *testing.T) {
	e := New(Options{Window: 200_000})
	raw := turns(4, 40, 40)
	raw = append(raw, sessions.SummaryEntry(sessions.SummaryData{Text: "earlier talk", CoversToSeq: 4, CoversTurns: 2}))
	raw = append(raw, turn(40, 40)...)
	raw = seqd(raw...) // summary lands at seq 9, covering 1..4

	sel := e.SelectHistory(raw, 100_000, Knobs{})
	assert.Equal(t, "earlier talk", sel.SummaryText)
	// Entries 1..4 are covered, 5..8 and 10..11 remain (9 is the summary).
	require.Len(t, sel.Entries, 6)
	assert.Equal(t, uint64(5), sel.Entries[0].Seq)
}

func TestStagedSummaryThreadsPriorAcrossChunks(t *testing.T) {
	fs := &fakeSummarizer{out: "merged"}
	e := New(Options{Window: 1_000, Summarizer: fs}) // 300-token chunks → 256 floor
	long := strings.Repeat("user: hello\n", 400)     // ~4800 chars, several chunks

	out, err := e.stagedSummary(context.Background(), long, "prior", 512)
	require.NoError(t, err)
	assert.Equal(t, "merged", out)
	assert.Greater(t, fs.calls, 1)
}
