package contextengine

import (
	"context"
	"log/slog"

	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
)

// Engine assembles model input for one agent. It is safe for concurrent use;
// all state lives in the arguments.
type Engine struct {
	window     int
	ratios     Ratios
	minResp    int
	summarizer Summarizer // nil disables rolling summarisation
	retriever  Retriever  // nil disables semantic retrieval
	baseCtx    context.Context
}

// Options configure a new Engine. Zero values fall back to defaults.
type Options struct {
	Window      int
	Ratios      Ratios
	MinResponse int
	Summarizer  Summarizer
	Retriever   Retriever
	BaseContext context.Context
}

// New builds an Engine for a model with the given context window.
func New(opts Options) *Engine {
	r := opts.Ratios
	if r == (Ratios{}) {
		r = DefaultRatios
	}
	ctx := opts.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}
	return &Engine{
		window:     opts.Window,
		ratios:     r,
		minResp:    opts.MinResponse,
		summarizer: opts.Summarizer,
		retriever:  opts.Retriever,
		baseCtx:    ctx,
	}
}

// Input is the fully assembled model input for one call.
type Input struct {
	SystemPrompt string
	Preamble     string // summary + retrieved context, rendered
	History      []sessions.Entry
	Plan         Plan
	NewSummary   *sessions.SummaryData
	Warnings     []Warning
}

// BuildInput runs the full pipeline for one call:
//
//	allocate → measure system prompt and bootstrap → reclaim unused slices
//	into history → select history (DM limit / summarise / trim) → pack
//	retrieved context against the bootstrap slice.
//
// The rolling summary counts against the bootstrap slice, not history: it
// is preamble the model reads, not turns it replays.
func (e *Engine) BuildInput(sessionKey, systemPrompt, query string, raw []sessions.Entry, k Knobs, rk RetrievalKnobs) Input {
	plan := Allocate(e.window, e.ratios, e.minResp)

	// First pass: measure preamble with the existing summary so reclaim
	// sees real numbers.
	_, existingSummary, hasSummary := prepare(raw)
	preamble := ""
	if hasSummary {
		preamble = existingSummary.Text
	}

	retrieved := ""
	retrievedTokens := 0
	if rk.Enabled && e.retriever != nil && query != "" {
		limit := rk.MaxItems
		if limit <= 0 {
			limit = DefaultRetrievalMaxItems
		}
		chunks, err := e.retriever.Search(e.baseCtx, sessionKey, query, limit*2)
		if err != nil {
			slog.Warn("contextengine.retrieval_failed", "session", sessionKey, "error", err)
		} else {
			avail := plan.Bootstrap - EstimateText(preamble)
			retrieved, retrievedTokens = packRetrieved(chunks, rk.MinScore, limit, avail)
		}
	}

	actualSystem := EstimateText(systemPrompt)
	actualBootstrap := EstimateText(preamble) + retrievedTokens

	reclaimed, warnings := plan.Reclaim(actualSystem, actualBootstrap)

	sel := e.SelectHistory(raw, reclaimed.History, k)
	warnings = append(warnings, sel.Warnings...)

	// A fresh summary changes the preamble; re-run reclaim with the new
	// numbers so history gets the honest remainder. Selection is already
	// final — a second selection over fewer tokens would only shrink it,
	// and the new summary covers exactly what was dropped.
	if sel.NewSummary != nil {
		actualBootstrap = EstimateText(sel.SummaryText) + retrievedTokens
		reclaimed, _ = plan.Reclaim(actualSystem, actualBootstrap)
	}

	full := sel.SummaryText
	if retrieved != "" {
		if full != "" {
			full += "\n\n"
		}
		full += retrieved
	}

	return Input{
		SystemPrompt: systemPrompt,
		Preamble:     full,
		History:      sel.Entries,
		Plan:         reclaimed,
		NewSummary:   sel.NewSummary,
		Warnings:     warnings,
	}
}
