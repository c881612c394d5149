package contextengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
)

// Summarizer compacts conversation text. Implemented by the agent runtime
// on top of the model provider.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxTokens int) (string, error)
}

// preservationPrompt is prefixed to every summariser chunk.
const preservationPrompt = `Summarize the conversation below for future context. Preserve: key decisions and their rationale, open questions, stated user preferences, and pending tasks. Be concise; drop pleasantries.`

// summaryChunkShare caps each summariser stage at 30% of the context
// window so the summariser's own calls always fit.
const summaryChunkShare = 0.30

// summarise splits live history into a recent window and an older prefix,
// compacts the older part through the staged summariser, and falls back to
// pure token trim when the summariser fails. It never drops to nothing.
func (e *Engine) summarise(live []sessions.Entry, prior sessions.SummaryData, hasPrior bool, budget int, k Knobs, sel Selection) Selection {
	window := k.SummaryWindow
	if window <= 0 {
		window = 4
	}
	recent := lastNUserTurns(live, window)
	older := live[:len(live)-len(recent)]

	if len(older) == 0 {
		// Nothing to compact; trim the recent window alone.
		sel.Entries, sel.Warnings = tokenTrim(live, budget, k.PreserveRecentTurns)
		return sel
	}

	maxTokens := k.SummaryMaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	text, err := e.stagedSummary(e.baseCtx, renderTranscript(older), prior.Text, maxTokens)
	if err != nil {
		// Fallback: keep any existing summary verbatim, keep the recent
		// window, token-trim older messages oldest-first, and alert ops.
		sel.Warnings = append(sel.Warnings, Warning{
			Kind:    "SummarizerFailed",
			Message: fmt.Sprintf("rolling summary failed, fell back to token trim: %v", err),
		})
		sel.Entries, _ = tokenTrim(live, budget, k.PreserveRecentTurns)
		return sel
	}

	var originalTokens int
	for _, en := range older {
		originalTokens += EstimateEntry(en)
	}
	newSummary := sessions.SummaryData{
		Text:           text,
		CoversToSeq:    older[len(older)-1].Seq,
		CoversTurns:    countUserTurns(older),
		OriginalTokens: originalTokens,
	}
	if hasPrior {
		newSummary.Supersedes = prior.CoversToSeq
	}

	sel.SummaryText = text
	sel.NewSummary = &newSummary
	sel.Entries, sel.Warnings = tokenTrim(recent, budget, k.PreserveRecentTurns)
	return sel
}

// stagedSummary feeds the transcript through the summariser in chunks no
// larger than 30% of the context window, threading the accumulated summary
// through each stage.
func (e *Engine) stagedSummary(ctx context.Context, transcript, priorSummary string, maxTokens int) (string, error) {
	chunkTokens := int(summaryChunkShare * float64(e.window))
	if chunkTokens < 256 {
		chunkTokens = 256
	}
	chunkChars := chunkTokens * 4

	acc := priorSummary
	for len(transcript) > 0 {
		n := len(transcript)
		if n > chunkChars {
			// Cut on a line boundary where possible.
			n = chunkChars
			if idx := strings.LastIndexByte(transcript[:n], '\n'); idx > 0 {
				n = idx + 1
			}
		}
		chunk := transcript[:n]
		transcript = transcript[n:]

		prompt := preservationPrompt
		if acc != "" {
			prompt += "\n\nExisting summary (extend, do not repeat):\n" + acc
		}
		prompt += "\n\nConversation:\n" + chunk

		out, err := e.summarizer.Summarize(ctx, prompt, maxTokens)
		if err != nil {
			return "", err
		}
		acc = out
	}
	return acc, nil
}

func renderTranscript(entries []sessions.Entry) string {
	var b strings.Builder
	for _, en := range entries {
		switch en.Type {
		case sessions.EntryUser:
			fmt.Fprintf(&b, "user: %s\n", en.Message().Text)
		case sessions.EntryAssistant:
			fmt.Fprintf(&b, "assistant: %s\n", en.Message().Text)
		case sessions.EntryToolCall:
			tc := en.ToolCall()
			fmt.Fprintf(&b, "assistant invoked %s\n", tc.Name)
		case sessions.EntryToolResult, sessions.EntryToolFailed:
			tr := en.ToolResult()
			fmt.Fprintf(&b, "%s result: %s\n", tr.Name, truncate(tr.Content, 400))
		}
	}
	return b.String()
}

func countUserTurns(entries []sessions.Entry) int {
	n := 0
	for _, e := range entries {
		if e.Type == sessions.EntryUser {
			n++
		}
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
