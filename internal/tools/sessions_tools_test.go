package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
)

func newTestManager(t *testing.T) *sessions.Manager {
	t.Helper()
	m, err := sessions.NewManager(t.TempDir(), 0)
	require.NoError(t, err)
	return m
}

func TestSessionsListScopedToAgent(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Append("agent:main:telegram:dm:u1", sessions.UserEntry("hi"))
	require.NoError(t, err)
	_, err = m.Append("agent:other:telegram:dm:u2", sessions.UserEntry("yo"))
	require.NoError(t, err)

	tool := NewSessionsListTool(m, "main")
	res := tool.Execute(context.Background(), map[string]any{})
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "agent:main:telegram:dm:u1")
	assert.NotContains(t, res.Content, "agent:other")
}

func TestSessionsHistoryDeniesForeignAgent(t *testing.T) {
	m := newTestManager(t)
	tool := NewSessionsHistoryTool(m, "main")
	res := tool.Execute(context.Background(), map[string]any{"session_key": "agent:other:telegram:dm:u2"})
	require.True(t, res.IsError)
	assert.Contains(t, res.Content, "access denied")
}

func TestSessionsHistoryReturnsRecentTurns(t *testing.T) {
	m := newTestManager(t)
	key := "agent:main:telegram:dm:u1"
	_, err := m.Append(key, sessions.UserEntry("question"))
	require.NoError(t, err)
	_, err = m.Append(key, sessions.AssistantEntry("answer"))
	require.NoError(t, err)

	tool := NewSessionsHistoryTool(m, "main")
	res := tool.Execute(context.Background(), map[string]any{"session_key": key, "limit": float64(10)})
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "user: question")
	assert.Contains(t, res.Content, "assistant: answer")
}

func TestSessionsSendPublishesInbound(t *testing.T) {
	m := newTestManager(t)
	b := bus.New()
	tool := NewSessionsSendTool(m, b, "main")

	res := tool.Execute(context.Background(), map[string]any{
		"session_key": "agent:main:telegram:dm:u9",
		"message":     "wake up",
	})
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "accepted")

	msg := <-b.Inbound()
	assert.Equal(t, "agent:main:telegram:dm:u9", msg.SessionKey)
	assert.Equal(t, "wake up", msg.Body)
	assert.Equal(t, "internal", msg.Channel)
}

func TestSessionsSendRateLimit(t *testing.T) {
	m := newTestManager(t)
	b := bus.New()
	tool := NewSessionsSendTool(m, b, "main")

	key := "agent:main:telegram:dm:u9"
	limited := false
	for i := 0; i < sendRatePerMinute+5; i++ {
		res := tool.Execute(context.Background(), map[string]any{
			"session_key": key, "message": "spam",
		})
		if res.IsError {
			assert.Contains(t, res.Content, "rate limit")
			limited = true
			break
		}
		// Drain so the inbound queue never blocks.
		<-b.Inbound()
	}
	assert.True(t, limited, "expected the rate limiter to trip")

	// A different target session has its own budget.
	res := tool.Execute(context.Background(), map[string]any{
		"session_key": "agent:main:telegram:dm:u10", "message": "fine",
	})
	assert.False(t, res.IsError)
}

func TestSessionsSendDeniesForeignAgent(t *testing.T) {
	m := newTestManager(t)
	b := bus.New()
	tool := NewSessionsSendTool(m, b, "main")

	res := tool.Execute(context.Background(), map[string]any{
		"session_key": "agent:other:telegram:dm:u2", "message": "nope",
	})
	require.True(t, res.IsError)
	assert.Contains(t, res.Content, "access denied")
}
