package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
)

// SessionsListTool lists this agent's sessions.
type SessionsListTool struct {
	manager *sessions.Manager
	agentID string
}

func NewSessionsListTool(m *sessions.Manager, agentID string) *SessionsListTool {
	return &SessionsListTool{manager: m, agentID: agentID}
}

func (t *SessionsListTool) Name() string { return "sessions_list" }
func (t *SessionsListTool) Description() string {
	return "List sessions for this agent with optional filters"
}

func (t *SessionsListTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"limit": map[string]any{
				"type":        "number",
				"description": "Max sessions to return (default 20)",
			},
			"active_minutes": map[string]any{
				"type":        "number",
				"description": "Only show sessions active in the last N minutes",
			},
		},
	}
}

func (t *SessionsListTool) Execute(_ context.Context, args map[string]any) *Result {
	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	var activeCutoff time.Time
	if v, ok := args["active_minutes"].(float64); ok && int(v) > 0 {
		activeCutoff = time.Now().Add(-time.Duration(v) * time.Minute)
	}

	keys, err := t.manager.Keys()
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list sessions: %v", err)).WithError(err)
	}

	type sessionEntry struct {
		Key        string `json:"key"`
		Entries    int    `json:"entries"`
		LastActive string `json:"lastActive"`
	}
	entries := make([]sessionEntry, 0, len(keys))
	for _, key := range keys {
		if !t.ownSession(key) {
			continue
		}
		snap, err := t.manager.Snapshot(key)
		if err != nil {
			continue // corrupted sessions are listed by operators, not the model
		}
		if !activeCutoff.IsZero() && snap.Meta.LastActive.Before(activeCutoff) {
			continue
		}
		entries = append(entries, sessionEntry{
			Key:        key,
			Entries:    len(snap.Entries),
			LastActive: snap.Meta.LastActive.Format(time.RFC3339),
		})
		if len(entries) >= limit {
			break
		}
	}

	out, _ := json.Marshal(map[string]any{"count": len(entries), "sessions": entries})
	return NewResult(string(out))
}

func (t *SessionsListTool) ownSession(key string) bool {
	return t.agentID == "" || strings.HasPrefix(key, "agent:"+t.agentID+":")
}

// SessionsHistoryTool reads another session's recent turns.
type SessionsHistoryTool struct {
	manager *sessions.Manager
	agentID string
}

func NewSessionsHistoryTool(m *sessions.Manager, agentID string) *SessionsHistoryTool {
	return &SessionsHistoryTool{manager: m, agentID: agentID}
}

func (t *SessionsHistoryTool) Name() string { return "sessions_history" }
func (t *SessionsHistoryTool) Description() string {
	return "Read the recent history of another session"
}

func (t *SessionsHistoryTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_key": map[string]any{
				"type":        "string",
				"description": "Target session key",
			},
			"limit": map[string]any{
				"type":        "number",
				"description": "Max entries to return (default 20)",
			},
		},
		"required": []string{"session_key"},
	}
}

func (t *SessionsHistoryTool) Execute(_ context.Context, args map[string]any) *Result {
	key, _ := args["session_key"].(string)
	if key == "" {
		return ErrorResult("session_key is required")
	}
	if t.agentID != "" && !strings.HasPrefix(key, "agent:"+t.agentID+":") {
		return ErrorResult("access denied: session belongs to a different agent")
	}
	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}

	snap, err := t.manager.Snapshot(key)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to load session: %v", err)).WithError(err)
	}
	entries := snap.Entries
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	var b strings.Builder
	for _, e := range entries {
		switch e.Type {
		case sessions.EntryUser:
			fmt.Fprintf(&b, "user: %s\n", e.Message().Text)
		case sessions.EntryAssistant:
			fmt.Fprintf(&b, "assistant: %s\n", e.Message().Text)
		}
	}
	if b.Len() == 0 {
		return NewResult("(no messages)")
	}
	return NewResult(b.String())
}

// sendRatePerMinute bounds sessions_send per target session so one agent
// cannot flood another.
const sendRatePerMinute = 30

// SessionsSendTool injects a message into another session. Fire-and-forget:
// the recipient is scheduled on its own lane, and both sides get a receipt
// in their logs.
type SessionsSendTool struct {
	manager *sessions.Manager
	events  bus.Inboundable
	agentID string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSessionsSendTool builds the cross-session send tool.
func NewSessionsSendTool(m *sessions.Manager, events bus.Inboundable, agentID string) *SessionsSendTool {
	return &SessionsSendTool{
		manager:  m,
		events:   events,
		agentID:  agentID,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *SessionsSendTool) Name() string { return "sessions_send" }
func (t *SessionsSendTool) Description() string {
	return "Send a message into another session belonging to this agent"
}

func (t *SessionsSendTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_key": map[string]any{
				"type":        "string",
				"description": "Target session key",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Message to deliver",
			},
		},
		"required": []string{"session_key", "message"},
	}
}

func (t *SessionsSendTool) Execute(_ context.Context, args map[string]any) *Result {
	key, _ := args["session_key"].(string)
	message, _ := args["message"].(string)
	if key == "" || message == "" {
		return ErrorResult("session_key and message are required")
	}
	if t.agentID != "" && !strings.HasPrefix(key, "agent:"+t.agentID+":") {
		return ErrorResult("access denied: target session belongs to a different agent")
	}
	if !t.limiter(key).Allow() {
		return ErrorResult(fmt.Sprintf("rate limit exceeded for %s (%d/min)", key, sendRatePerMinute))
	}

	// Receipt in the recipient's log happens when its run consumes the
	// inbound message; the sender's receipt is the tool result itself.
	t.events.PublishInbound(bus.InboundMessage{
		Channel:    "internal",
		SenderID:   "sessions_send",
		SessionKey: key,
		Body:       message,
	})

	out, _ := json.Marshal(map[string]string{"status": "accepted", "sessionKey": key})
	return NewResult(string(out))
}

func (t *SessionsSendTool) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/sendRatePerMinute), sendRatePerMinute)
		t.limiters[key] = l
	}
	return l
}
