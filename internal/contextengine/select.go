package contextengine

import (
	"fmt"

	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// DefaultPreserveRecentTurns is the number of trailing user turns that
// token-trim never drops, even over budget — a single huge recent turn is
// a correctness signal, not something to silently lose.
const DefaultPreserveRecentTurns = 5

// Knobs are the history-selection configuration for one call.
type Knobs struct {
	DMHistoryLimit      int // >0: hard turn cap for this provider/user
	PreserveRecentTurns int // 0 = DefaultPreserveRecentTurns

	SummaryEnabled   bool
	SummaryWindow    int // recent user turns kept verbatim when summarising
	SummaryMaxTokens int
	TriggerThreshold int // absolute token threshold; effective trigger is min(this, 0.8·H)
}

// Selection is the outcome of history selection for one call.
type Selection struct {
	Entries     []sessions.Entry      // surviving history, oldest first
	SummaryText string                // preamble text (existing or freshly produced)
	NewSummary  *sessions.SummaryData // non-nil when a fresh summary should be appended
	Warnings    []Warning
}

// selectable reports whether an entry participates in model input. Summary
// entries become preamble, unknown types are preserved in the log but
// skipped here.
func selectable(e sessions.Entry) bool {
	switch e.Type {
	case sessions.EntryUser, sessions.EntryAssistant,
		sessions.EntryToolCall, sessions.EntryToolResult, sessions.EntryToolFailed:
		return true
	}
	return false
}

// latestSummary returns the newest summary entry, if any.
func latestSummary(entries []sessions.Entry) (sessions.SummaryData, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == sessions.EntrySummary {
			return entries[i].Summary(), true
		}
	}
	return sessions.SummaryData{}, false
}

// prepare splits the raw log into the already-summarised prefix and the
// live tail of selectable entries.
func prepare(raw []sessions.Entry) (live []sessions.Entry, summary sessions.SummaryData, hasSummary bool) {
	summary, hasSummary = latestSummary(raw)
	for _, e := range raw {
		if hasSummary && e.Seq <= summary.CoversToSeq {
			continue
		}
		if selectable(e) {
			live = append(live, e)
		}
	}
	return live, summary, hasSummary
}

// lastNUserTurns returns the suffix starting at the nth-from-last user
// entry. A turn is one user entry plus everything until the next user
// entry, so assistant/tool pairing is preserved by construction.
func lastNUserTurns(entries []sessions.Entry, n int) []sessions.Entry {
	if n <= 0 || len(entries) == 0 {
		return entries
	}
	count := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == sessions.EntryUser {
			count++
			if count == n {
				return entries[i:]
			}
		}
	}
	return entries
}

// alignToUserBoundary advances start forward to the next user entry so the
// first surviving message opens a turn.
func alignToUserBoundary(entries []sessions.Entry, start int) int {
	for start < len(entries) && entries[start].Type != sessions.EntryUser {
		start++
	}
	return start
}

// tokenTrim drops oldest-first until the history fits budget, always
// preserving the last preserveTurns user turns, then aligns the cut to a
// turn boundary.
func tokenTrim(entries []sessions.Entry, budget, preserveTurns int) ([]sessions.Entry, []Warning) {
	if preserveTurns <= 0 {
		preserveTurns = DefaultPreserveRecentTurns
	}
	if len(entries) == 0 {
		return entries, nil
	}

	total := EstimateEntries(entries)
	if total <= budget {
		return entries, nil
	}

	// Index where the protected recent window begins.
	protected := len(entries) - len(lastNUserTurns(entries, preserveTurns))

	drop := 0
	for drop < protected && total > budget {
		total -= EstimateEntry(entries[drop])
		drop++
	}
	drop = alignToUserBoundary(entries, drop)
	if drop > protected {
		drop = protected
	}
	kept := entries[drop:]

	var warnings []Warning
	if EstimateEntries(kept) > budget {
		warnings = append(warnings, Warning{
			Kind:    protocol.ErrOverBudget,
			Message: fmt.Sprintf("recent turns exceed history budget (%d > %d tokens); kept anyway", EstimateEntries(kept), budget),
		})
	}
	return kept, warnings
}

// SelectHistory applies the selection strategy in priority order:
//  1. configured DM turn limit,
//  2. rolling summarisation past the trigger threshold,
//  3. plain token trim with turn-boundary alignment.
//
// The summariser may be nil, which disables path 2.
func (e *Engine) SelectHistory(raw []sessions.Entry, budget int, k Knobs) Selection {
	live, summary, hasSummary := prepare(raw)

	sel := Selection{}
	if hasSummary {
		sel.SummaryText = summary.Text
	}

	if budget <= 0 {
		// Degenerate window: history selection returns empty.
		return sel
	}

	// 1. Hard DM turn limit.
	if k.DMHistoryLimit > 0 {
		sel.Entries = lastNUserTurns(live, k.DMHistoryLimit)
		return sel
	}

	total := EstimateEntries(live)

	// 2. Rolling summarisation.
	if k.SummaryEnabled && e.summarizer != nil {
		trigger := int(0.8 * float64(budget))
		if k.TriggerThreshold > 0 && k.TriggerThreshold < trigger {
			trigger = k.TriggerThreshold
		}
		if total > trigger {
			return e.summarise(live, summary, hasSummary, budget, k, sel)
		}
	}

	// 3. Token trim.
	sel.Entries, sel.Warnings = tokenTrim(live, budget, k.PreserveRecentTurns)
	return sel
}
