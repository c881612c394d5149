// Package agent drives the model loop for one turn: profile resolution,
// context assembly, streaming block aggregation, tool dispatch with policy
// and approval mediation, and session log bookkeeping.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/config"
	"github.com/ArchitectVS7/OpenClaw/internal/contextengine"
	"github.com/ArchitectVS7/OpenClaw/internal/providers"
	"github.com/ArchitectVS7/OpenClaw/internal/scheduler"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
	"github.com/ArchitectVS7/OpenClaw/internal/tools"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// Runner executes turns for one agent. Safe for concurrent use; per-turn
// state lives on the stack and the lane scheduler serialises model calls.
type Runner struct {
	agentID   string
	current   func() *config.Config
	provider  providers.Provider
	sessions  *sessions.Manager
	registry  *tools.Registry
	policy    *tools.PolicyEngine
	broker    *tools.Broker
	sched     *scheduler.Scheduler
	events    bus.Publisher
	retriever contextengine.Retriever
	workspace string
}

// RunnerOptions wires one agent runner. Retriever may be nil.
type RunnerOptions struct {
	AgentID   string
	Config    func() *config.Config
	Provider  providers.Provider
	Sessions  *sessions.Manager
	Registry  *tools.Registry
	Policy    *tools.PolicyEngine
	Broker    *tools.Broker
	Scheduler *scheduler.Scheduler
	Events    bus.Publisher
	Retriever contextengine.Retriever
	Workspace string
}

func NewRunner(opts RunnerOptions) *Runner {
	return &Runner{
		agentID:   opts.AgentID,
		current:   opts.Config,
		provider:  opts.Provider,
		sessions:  opts.Sessions,
		registry:  opts.Registry,
		policy:    opts.Policy,
		broker:    opts.Broker,
		sched:     opts.Scheduler,
		events:    opts.Events,
		retriever: opts.Retriever,
		workspace: opts.Workspace,
	}
}

// Outcome summarises one completed turn for agent.wait callers.
type Outcome struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	StopReason string `json:"stopReason"`
	Content    string `json:"content"`
	Tokens     int    `json:"tokens"`
}

// Run executes one turn: append the user entry, admit to the lane, build
// model input, stream, dispatch tools, and terminate with chat.message_end.
// The returned Outcome is always non-nil, including cancelled turns.
func (r *Runner) Run(ctx context.Context, sessionKey, message, runID string) (*Outcome, error) {
	conf := r.current()
	resolved := conf.ResolveAgent(r.agentID)
	profile, err := LoadProfile(r.workspace, r.agentID, resolved)
	if err != nil {
		return nil, err
	}
	key, err := sessions.ParseKey(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.ErrBadRequest, err)
	}

	userSeq, err := r.sessions.Append(sessionKey, sessions.UserEntry(message))
	if err != nil {
		r.opsEvent(protocol.ErrSessionCorrupted, err.Error(), sessionKey)
		return nil, err
	}

	agg := newAggregator(r.events, sessionKey, runID)

	if err := r.sched.Acquire(ctx, profile.Lane); err != nil {
		return r.finishCancelled(sessionKey, runID, agg, 0)
	}
	defer r.sched.Release(profile.Lane)

	// The history snapshot is taken only after lane admission, so a turn
	// queued behind another on the same session sees that turn's full
	// exchange. Our own pending user entry is excluded; the engine
	// receives it separately as the query.
	snap, err := r.sessions.Snapshot(sessionKey)
	if err != nil {
		r.opsEvent(protocol.ErrSessionCorrupted, err.Error(), sessionKey)
		return nil, err
	}
	history := make([]sessions.Entry, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.Seq == userSeq {
			continue
		}
		history = append(history, e)
	}

	input := r.buildInput(ctx, conf, profile, key, history, message)
	for _, w := range input.Warnings {
		r.opsEvent(w.Kind, w.Message, sessionKey)
	}
	if input.NewSummary != nil {
		seq, err := r.sessions.Append(sessionKey, sessions.SummaryEntry(*input.NewSummary))
		if err != nil {
			r.opsEvent(protocol.ErrSessionCorrupted, err.Error(), sessionKey)
		} else {
			_ = r.sessions.UpdateMeta(sessionKey, func(m *sessions.Metadata) { m.SummarySeq = seq })
		}
	}

	system := profile.SystemPrompt
	if input.Preamble != "" {
		system += "\n\n" + input.Preamble
	}
	messages := toProviderMessages(input.History)
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: message})

	toolSpecs := r.toolSpecs()
	var totalIn, totalOut int

	maxIter := profile.MaxIterations
	if maxIter <= 0 {
		maxIter = 20
	}

	var finalContent string
	stopReason := protocol.StopEndTurn
	for iteration := 1; ; iteration++ {
		resp, err := r.provider.ChatStream(ctx, providers.ChatRequest{
			Model:     profile.Model,
			System:    system,
			Messages:  messages,
			Tools:     toolSpecs,
			MaxTokens: profile.MaxTokens,
		}, func(chunk providers.StreamChunk) {
			if chunk.Text != "" {
				agg.Write(chunk.Text)
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return r.finishCancelled(sessionKey, runID, agg, totalOut)
			}
			kind := providers.KindOf(err)
			slog.Error("agent.turn_failed", "agent", r.agentID, "session", sessionKey, "kind", kind, "error", err)
			r.opsEvent(kind, err.Error(), sessionKey)
			return r.finishError(sessionKey, runID, agg, kind, totalOut)
		}

		totalIn += resp.Usage.InputTokens
		totalOut += resp.Usage.OutputTokens
		agg.Flush()

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			if resp.StopReason == "max_tokens" {
				stopReason = protocol.StopMaxTokens
			}
			break
		}
		if iteration >= maxIter {
			slog.Warn("agent.max_iterations", "agent", r.agentID, "session", sessionKey, "iterations", iteration)
			r.opsEvent(protocol.ErrBadRequest, fmt.Sprintf("tool loop stopped after %d iterations", iteration), sessionKey)
			finalContent = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			content, isErr, err := r.dispatchTool(ctx, conf, sessionKey, agg, tc)
			if err != nil {
				// Only cancellation escapes dispatch.
				return r.finishCancelled(sessionKey, runID, agg, totalOut)
			}
			messages = append(messages, providers.Message{
				Role:    providers.RoleTool,
				ToolID:  tc.ID,
				Content: content,
				IsError: isErr,
			})
		}
	}

	if _, err := r.sessions.Append(sessionKey, sessions.AssistantEntry(finalContent)); err != nil {
		r.opsEvent(protocol.ErrSessionCorrupted, err.Error(), sessionKey)
	}
	_ = r.sessions.UpdateMeta(sessionKey, func(m *sessions.Metadata) {
		m.Model = profile.Model
		m.Lane = profile.Lane
		m.InputTokens += int64(totalIn)
		m.OutputTokens += int64(totalOut)
		m.LastActive = time.Now().UTC()
	})

	out := &Outcome{
		RunID:      runID,
		SessionKey: sessionKey,
		StopReason: stopReason,
		Content:    finalContent,
		Tokens:     totalOut,
	}
	r.messageEnd(sessionKey, runID, stopReason, totalOut)
	return out, nil
}

// buildInput assembles the model input through the context engine using
// the live configuration.
func (r *Runner) buildInput(ctx context.Context, conf *config.Config, profile *Profile, key sessions.Key, history []sessions.Entry, query string) contextengine.Input {
	resolved := conf.ResolveAgent(r.agentID)
	cm := resolved.ContextManagement

	opts := contextengine.Options{
		Window:      profile.ContextWindow,
		BaseContext: ctx,
	}
	var knobs contextengine.Knobs
	var rk contextengine.RetrievalKnobs

	if cm != nil && cm.Enabled {
		b := cm.Budget
		if b.SystemPromptRatio+b.BootstrapRatio+b.HistoryRatio+b.ResponseRatio > 0 {
			opts.Ratios = contextengine.Ratios{
				SystemPrompt: b.SystemPromptRatio,
				Bootstrap:    b.BootstrapRatio,
				History:      b.HistoryRatio,
				Response:     b.ResponseRatio,
			}
		}
		opts.MinResponse = b.MinResponseTokens

		if cm.RollingSummary.Enabled {
			knobs.SummaryEnabled = true
			knobs.SummaryWindow = cm.RollingSummary.WindowSize
			knobs.SummaryMaxTokens = cm.RollingSummary.SummaryMaxTokens
			knobs.TriggerThreshold = cm.RollingSummary.TriggerThreshold
			opts.Summarizer = newSummarizer(r.provider, profile.Model)
		}
		if cm.SemanticHistory.Enabled && r.retriever != nil {
			rk = contextengine.RetrievalKnobs{
				Enabled:  true,
				MaxItems: cm.SemanticHistory.MaxRetrievedChunks,
				MinScore: cm.SemanticHistory.MinRelevanceScore,
			}
			opts.Retriever = r.retriever
		}
	}
	if key.Kind == sessions.PeerDM {
		knobs.DMHistoryLimit = conf.DMHistoryLimitFor(key.Provider, key.UserID)
	}

	engine := contextengine.New(opts)
	return engine.BuildInput(key.String(), profile.SystemPrompt, query, history, knobs, rk)
}

// dispatchTool runs one model-requested tool call through validation,
// policy, approval, and execution. All failures become synthetic results
// fed back to the model; only cancellation returns an error.
func (r *Runner) dispatchTool(ctx context.Context, conf *config.Config, sessionKey string, agg *aggregator, tc providers.ToolCall) (content string, isErr bool, err error) {
	agg.ToolCall(tc.Name)
	if _, aerr := r.sessions.Append(sessionKey, sessions.ToolCallEntry(tc.ID, tc.Name, tc.Args)); aerr != nil {
		r.opsEvent(protocol.ErrSessionCorrupted, aerr.Error(), sessionKey)
	}

	refuse := func(kind, reason string) (string, bool, error) {
		msg := fmt.Sprintf("%s: %s", kind, reason)
		if _, aerr := r.sessions.Append(sessionKey, sessions.ToolResultEntry(tc.ID, tc.Name, msg, true)); aerr != nil {
			r.opsEvent(protocol.ErrSessionCorrupted, aerr.Error(), sessionKey)
		}
		return msg, true, nil
	}

	if verr := r.registry.Validate(tc.Name, tc.Args); verr != nil {
		return refuse(protocol.ErrSchemaViolation, verr.Error())
	}

	switch r.policy.Check(tc.Name) {
	case tools.AccessDeny:
		return refuse(protocol.ErrToolDenied, "tool denied by policy")
	case tools.AccessRequiresApproval:
		info := r.broker.Request(sessionKey, tc.Name, tc.Args, previewArgs(tc.Args))
		granted, reason, aerr := r.broker.Await(ctx, info.ID)
		if aerr != nil {
			if ctx.Err() != nil {
				_ = r.broker.Decide(info.ID, false)
				return "", true, ctx.Err()
			}
			return refuse(protocol.ErrToolDenied, aerr.Error())
		}
		if !granted {
			if reason == tools.ReasonExpired {
				return refuse(protocol.ErrApprovalExpired, reason)
			}
			return refuse(protocol.ErrToolDenied, reason)
		}
		if cerr := r.broker.Consume(info.ID, tc.Name, tc.Args); cerr != nil {
			return refuse(protocol.ErrApprovalDigestMismatch, cerr.Error())
		}
	}

	tool, ok := r.registry.Get(tc.Name)
	if !ok {
		return refuse(protocol.ErrBadRequest, "unknown tool: "+tc.Name)
	}
	var args map[string]any
	if len(tc.Args) > 0 {
		if uerr := json.Unmarshal(tc.Args, &args); uerr != nil {
			return refuse(protocol.ErrSchemaViolation, "arguments are not a JSON object")
		}
	}

	timeout := time.Duration(conf.Tools.ExecTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	result := tool.Execute(execCtx, args)
	cancel()
	if ctx.Err() != nil {
		if _, aerr := r.sessions.Append(sessionKey, sessions.ToolFailedEntry(tc.ID, tc.Name, "cancelled")); aerr != nil {
			r.opsEvent(protocol.ErrSessionCorrupted, aerr.Error(), sessionKey)
		}
		return "", true, ctx.Err()
	}

	if result.Err != nil {
		slog.Warn("agent.tool_error", "agent", r.agentID, "tool", tc.Name, "error", result.Err)
	}
	if _, aerr := r.sessions.Append(sessionKey, sessions.ToolResultEntry(tc.ID, tc.Name, result.Content, result.IsError)); aerr != nil {
		r.opsEvent(protocol.ErrSessionCorrupted, aerr.Error(), sessionKey)
	}
	return result.Content, result.IsError, nil
}

func (r *Runner) finishCancelled(sessionKey, runID string, agg *aggregator, tokens int) (*Outcome, error) {
	agg.Flush()
	if _, err := r.sessions.Append(sessionKey, sessions.TruncatedEntry("cancelled")); err != nil {
		r.opsEvent(protocol.ErrSessionCorrupted, err.Error(), sessionKey)
	}
	r.messageEnd(sessionKey, runID, protocol.StopCancelled, tokens)
	return &Outcome{
		RunID:      runID,
		SessionKey: sessionKey,
		StopReason: protocol.StopCancelled,
		Tokens:     tokens,
	}, nil
}

func (r *Runner) finishError(sessionKey, runID string, agg *aggregator, kind string, tokens int) (*Outcome, error) {
	agg.Flush()
	if _, err := r.sessions.Append(sessionKey, sessions.TruncatedEntry(kind)); err != nil {
		r.opsEvent(protocol.ErrSessionCorrupted, err.Error(), sessionKey)
	}
	r.messageEnd(sessionKey, runID, protocol.StopError, tokens)
	return &Outcome{
		RunID:      runID,
		SessionKey: sessionKey,
		StopReason: protocol.StopError,
		Tokens:     tokens,
	}, nil
}

func (r *Runner) messageEnd(sessionKey, runID, stopReason string, tokens int) {
	r.events.Publish(bus.Event{
		Topic: protocol.EventChatMessageEnd,
		Payload: protocol.ChatMessageEnd{
			SessionKey: sessionKey,
			RunID:      runID,
			StopReason: stopReason,
			Tokens:     tokens,
		},
	})
}

func (r *Runner) opsEvent(kind, message, sessionKey string) {
	r.events.Publish(bus.Event{
		Topic:   protocol.EventOps,
		Payload: protocol.OpsEvent{Kind: kind, Message: message, SessionKey: sessionKey},
	})
}

// toolSpecs renders the policy-visible tool surface for the provider.
func (r *Runner) toolSpecs() []providers.ToolSpec {
	var specs []providers.ToolSpec
	for _, name := range r.policy.Filter(r.registry) {
		t, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		specs = append(specs, providers.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return specs
}

// toProviderMessages converts selected history entries to provider turns.
func toProviderMessages(entries []sessions.Entry) []providers.Message {
	var out []providers.Message
	for _, e := range entries {
		switch e.Type {
		case sessions.EntryUser:
			out = append(out, providers.Message{Role: providers.RoleUser, Content: e.Message().Text})
		case sessions.EntryAssistant:
			out = append(out, providers.Message{Role: providers.RoleAssistant, Content: e.Message().Text})
		case sessions.EntryToolCall:
			tc := e.ToolCall()
			out = append(out, providers.Message{
				Role:      providers.RoleAssistant,
				ToolCalls: []providers.ToolCall{{ID: tc.CallID, Name: tc.Name, Args: tc.Args}},
			})
		case sessions.EntryToolResult, sessions.EntryToolFailed:
			tr := e.ToolResult()
			out = append(out, providers.Message{
				Role:    providers.RoleTool,
				ToolID:  tr.CallID,
				Content: tr.Content,
				IsError: tr.IsError,
			})
		}
	}
	return out
}

const previewLimit = 200

// previewArgs redacts an argument payload down to a short preview for the
// approval event. Full arguments never leave the runtime. The cut lands on
// a rune boundary so multibyte text is never split mid-sequence.
func previewArgs(raw json.RawMessage) string {
	s := string(raw)
	if len(s) <= previewLimit {
		return s
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
