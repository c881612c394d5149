// Package contextengine keeps each model call inside its context window:
// it allocates the token budget, trims or summarises history, and packs
// semantically retrieved context.
//
// Everything here is synchronous and deterministic: given identical inputs
// and knobs the engine produces byte-identical model input. The only
// suspension point is the summariser's model call.
package contextengine

import "github.com/ArchitectVS7/OpenClaw/internal/sessions"

// EstimateText approximates tokens with the 4-chars-per-token heuristic.
// Provider-agnostic and stable; true usage reported by the provider updates
// the session counters after the call.
func EstimateText(s string) int {
	return (len(s) + 3) / 4
}

// EstimateEntry estimates the token cost of one history entry.
func EstimateEntry(e sessions.Entry) int {
	switch e.Type {
	case sessions.EntryUser, sessions.EntryAssistant, sessions.EntryMessageTruncated:
		return EstimateText(e.Message().Text)
	case sessions.EntryToolCall:
		tc := e.ToolCall()
		return EstimateText(tc.Name) + EstimateText(string(tc.Args))
	case sessions.EntryToolResult, sessions.EntryToolFailed:
		return EstimateText(e.ToolResult().Content)
	case sessions.EntrySummary:
		return EstimateText(e.Summary().Text)
	default:
		// Unknown types are skipped by selection and cost nothing.
		return 0
	}
}

// EstimateEntries sums EstimateEntry over a slice.
func EstimateEntries(entries []sessions.Entry) int {
	total := 0
	for _, e := range entries {
		total += EstimateEntry(e)
	}
	return total
}
