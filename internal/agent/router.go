package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/config"
	"github.com/ArchitectVS7/OpenClaw/internal/contextengine"
	"github.com/ArchitectVS7/OpenClaw/internal/providers"
	"github.com/ArchitectVS7/OpenClaw/internal/scheduler"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
	"github.com/ArchitectVS7/OpenClaw/internal/tools"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// inboundSource delivers channel-normalised messages to the runtime.
// Satisfied by the event bus.
type inboundSource interface {
	Inbound() <-chan bus.InboundMessage
}

// Router owns the agent runners and maps session keys to turns. It is the
// single entry point for agent.invoke / agent.wait / agent.cancel and for
// inbound messages from channel adapters, cron, and cross-session tools.
type Router struct {
	deps RouterOptions

	mu      sync.Mutex
	runners map[string]*Runner
	active  map[string][]*turnHandle   // sessionKey → in-flight turns
	waiters map[string][]chan *Outcome // sessionKey → agent.wait registrations
}

type turnHandle struct {
	runID  string
	cancel context.CancelFunc
}

// RouterOptions are the shared dependencies for all runners.
type RouterOptions struct {
	Config    func() *config.Config
	Provider  providers.Provider
	Sessions  *sessions.Manager
	Registry  *tools.Registry
	Policy    *tools.PolicyEngine
	Broker    *tools.Broker
	Scheduler *scheduler.Scheduler
	Events    bus.Publisher
	Inbound   inboundSource
	Retriever contextengine.Retriever
	Workspace string
}

func NewRouter(opts RouterOptions) *Router {
	return &Router{
		deps:    opts,
		runners: make(map[string]*Runner),
		active:  make(map[string][]*turnHandle),
		waiters: make(map[string][]chan *Outcome),
	}
}

// Start consumes inbound messages until ctx is done. Each message starts a
// turn on its session's lane; the loop itself never blocks on turns.
func (rt *Router) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-rt.deps.Inbound.Inbound():
			if !sessions.Valid(m.SessionKey) {
				slog.Warn("agent.inbound_bad_key", "key", m.SessionKey, "channel", m.Channel)
				continue
			}
			if _, err := rt.Invoke(ctx, m.SessionKey, m.Body); err != nil {
				slog.Error("agent.inbound_invoke_failed", "key", m.SessionKey, "error", err)
			}
		}
	}
}

// Invoke starts a turn and returns its run id immediately. The turn runs
// on its own goroutine, serialised by the session's lane.
func (rt *Router) Invoke(ctx context.Context, sessionKey, message string) (string, error) {
	key, err := sessions.ParseKey(sessionKey)
	if err != nil {
		return "", fmt.Errorf("%s: %w", protocol.ErrBadRequest, err)
	}
	if message == "" {
		return "", fmt.Errorf("%s: empty message", protocol.ErrBadRequest)
	}

	runner := rt.runnerFor(rt.agentIDFor(key))
	runID := uuid.New().String()

	// The turn outlives the RPC that started it; only agent.cancel or
	// router shutdown aborts it.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &turnHandle{runID: runID, cancel: cancel}

	rt.mu.Lock()
	rt.active[sessionKey] = append(rt.active[sessionKey], handle)
	rt.mu.Unlock()

	go func() {
		defer cancel()
		outcome, err := runner.Run(turnCtx, sessionKey, message, runID)
		if err != nil && outcome == nil {
			slog.Error("agent.turn_aborted", "session", sessionKey, "run", runID, "error", err)
			outcome = &Outcome{RunID: runID, SessionKey: sessionKey, StopReason: protocol.StopError}
		}
		rt.finish(sessionKey, handle, outcome)
	}()
	return runID, nil
}

// Wait blocks until the next message_end on the session, or ctx is done.
// A dropped connection cancels only the registration, never the turn.
func (rt *Router) Wait(ctx context.Context, sessionKey string) (*Outcome, error) {
	ch := make(chan *Outcome, 1)
	rt.mu.Lock()
	rt.waiters[sessionKey] = append(rt.waiters[sessionKey], ch)
	rt.mu.Unlock()

	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		rt.dropWaiter(sessionKey, ch)
		return nil, ctx.Err()
	}
}

// Cancel aborts all in-flight turns on the session.
func (rt *Router) Cancel(sessionKey string) error {
	rt.mu.Lock()
	handles := rt.active[sessionKey]
	rt.mu.Unlock()
	if len(handles) == 0 {
		return fmt.Errorf("%s: no active turn for %s", protocol.ErrBadRequest, sessionKey)
	}
	for _, h := range handles {
		h.cancel()
	}
	return nil
}

// Busy reports whether the session has an in-flight turn.
func (rt *Router) Busy(sessionKey string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.active[sessionKey]) > 0
}

func (rt *Router) finish(sessionKey string, handle *turnHandle, outcome *Outcome) {
	rt.mu.Lock()
	handles := rt.active[sessionKey]
	for i, h := range handles {
		if h == handle {
			rt.active[sessionKey] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(rt.active[sessionKey]) == 0 {
		delete(rt.active, sessionKey)
	}
	waiting := rt.waiters[sessionKey]
	delete(rt.waiters, sessionKey)
	rt.mu.Unlock()

	for _, ch := range waiting {
		ch <- outcome
	}
}

func (rt *Router) dropWaiter(sessionKey string, ch chan *Outcome) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	waiting := rt.waiters[sessionKey]
	for i, c := range waiting {
		if c == ch {
			rt.waiters[sessionKey] = append(waiting[:i], waiting[i+1:]...)
			return
		}
	}
}

// agentIDFor maps a session scope to a configured agent. Sub-agent
// sessions use the "sub" agent when configured, otherwise the default.
func (rt *Router) agentIDFor(key sessions.Key) string {
	if key.Scope == sessions.ScopeSub {
		for _, id := range rt.deps.Config().AgentIDs() {
			if id == "sub" {
				return id
			}
		}
	}
	return config.DefaultAgentID
}

func (rt *Router) runnerFor(agentID string) *Runner {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if r, ok := rt.runners[agentID]; ok {
		return r
	}
	r := NewRunner(RunnerOptions{
		AgentID:   agentID,
		Config:    rt.deps.Config,
		Provider:  rt.deps.Provider,
		Sessions:  rt.deps.Sessions,
		Registry:  rt.deps.Registry,
		Policy:    rt.deps.Policy,
		Broker:    rt.deps.Broker,
		Scheduler: rt.deps.Scheduler,
		Events:    rt.deps.Events,
		Retriever: rt.deps.Retriever,
		Workspace: rt.deps.Workspace,
	})
	rt.runners[agentID] = r
	return r
}
