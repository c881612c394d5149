package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/config"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

type fakeAdapter struct {
	name string

	mu         sync.Mutex
	running    bool
	sent       []bus.OutboundMessage
	challenges []string
	startErr   error
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Startup(ctx context.Context) error {
	if a.startErr != nil {
		return a.startErr
	}
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	a.sent = append(a.sent, msg)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) SendChallenge(ctx context.Context, senderID, token string) error {
	a.mu.Lock()
	a.challenges = append(a.challenges, senderID+"="+token)
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Health{Running: a.running}
}

func (a *fakeAdapter) outbound() []bus.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bus.OutboundMessage(nil), a.sent...)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
}

func (p *capturingPublisher) Subscribe(string, []string, bus.Handler) {}
func (p *capturingPublisher) Unsubscribe(string)                      {}

func (p *capturingPublisher) Publish(e bus.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *capturingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Topic)
	}
	return out
}

func testManager(t *testing.T, cfg *config.Config) (*Manager, *fakeAdapter, *capturingPublisher, *bus.Bus) {
	t.Helper()
	pub := &capturingPublisher{}
	b := bus.New()
	m := NewManager(pub, b, func() *config.Config { return cfg }, &fakeIssuer{token: "pair-tok"})
	a := &fakeAdapter{name: "telegram"}
	m.Register(a)
	return m, a, pub, b
}

func recvInbound(t *testing.T, b *bus.Bus) bus.InboundMessage {
	t.Helper()
	select {
	case msg := <-b.Inbound():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
		return bus.InboundMessage{}
	}
}

func TestIngressAllowlistedDMReachesRuntime(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"telegram": {Enabled: true, Allowlist: []string{"u1"}},
	}
	m, _, _, b := testManager(t, cfg)

	m.Ingress(context.Background(), "telegram", sessions.PeerDM, "u1", "hello", nil)

	msg := recvInbound(t, b)
	assert.Equal(t, "agent:main:telegram:dm:u1", msg.SessionKey)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, "telegram", msg.Channel)
}

func TestIngressUnknownSenderGetsPairingChallenge(t *testing.T) {
	m, a, pub, b := testManager(t, config.Default())

	m.Ingress(context.Background(), "telegram", sessions.PeerDM, "stranger", "hi", nil)

	a.mu.Lock()
	challenges := append([]string(nil), a.challenges...)
	a.mu.Unlock()
	require.Len(t, challenges, 1)
	assert.Equal(t, "stranger=pair-tok", challenges[0])
	assert.Contains(t, pub.topics(), protocol.EventPairingRequested)

	select {
	case msg := <-b.Inbound():
		t.Fatalf("unexpected inbound %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	// Paired sender passes on the next message.
	m.MarkPaired("telegram", "stranger")
	m.Ingress(context.Background(), "telegram", sessions.PeerDM, "stranger", "hi again", nil)
	msg := recvInbound(t, b)
	assert.Equal(t, "hi again", msg.Body)
	assert.Contains(t, pub.topics(), protocol.EventPairingResolved)
}

func TestIngressGroupAllowlist(t *testing.T) {
	cfg := config.Default()
	cfg.Channels = map[string]config.ChannelConfig{
		"telegram": {Allowlist: []string{"g1"}},
	}
	m, _, _, b := testManager(t, cfg)

	m.Ingress(context.Background(), "telegram", sessions.PeerGroup, "g2", "drop me", nil)
	select {
	case msg := <-b.Inbound():
		t.Fatalf("unexpected inbound %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}

	m.Ingress(context.Background(), "telegram", sessions.PeerGroup, "g1", "keep me", nil)
	msg := recvInbound(t, b)
	assert.Equal(t, "agent:main:telegram:group:g1", msg.SessionKey)
}

func TestEgressReassemblesReply(t *testing.T) {
	m, a, _, _ := testManager(t, config.Default())
	key := "agent:main:telegram:dm:u1"

	m.onEvent(bus.Event{Topic: protocol.EventChatDelta, Payload: protocol.ChatDelta{
		SessionKey: key, RunID: "r1", Kind: protocol.BlockText, Partial: "hello\n"}})
	m.onEvent(bus.Event{Topic: protocol.EventChatBlockEnd, Payload: protocol.ChatBlockEnd{
		SessionKey: key, RunID: "r1", Kind: protocol.BlockText}})
	m.onEvent(bus.Event{Topic: protocol.EventChatDelta, Payload: protocol.ChatDelta{
		SessionKey: key, RunID: "r1", Kind: protocol.BlockText, Partial: "world"}})
	m.onEvent(bus.Event{Topic: protocol.EventChatMessageEnd, Payload: protocol.ChatMessageEnd{
		SessionKey: key, RunID: "r1", StopReason: protocol.StopEndTurn}})

	sent := a.outbound()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello\n\nworld", sent[0].Body)
	assert.Equal(t, "u1", sent[0].Recipient)
	assert.Equal(t, "telegram", sent[0].Channel)
}

func TestEgressIgnoresToolCallBlocksAndOtherProviders(t *testing.T) {
	m, a, _, _ := testManager(t, config.Default())

	m.onEvent(bus.Event{Topic: protocol.EventChatDelta, Payload: protocol.ChatDelta{
		SessionKey: "agent:main:telegram:dm:u1", RunID: "r1", Kind: protocol.BlockToolCall, Partial: "exec"}})
	m.onEvent(bus.Event{Topic: protocol.EventChatDelta, Payload: protocol.ChatDelta{
		SessionKey: "agent:main:discord:dm:u1", RunID: "r2", Kind: protocol.BlockText, Partial: "elsewhere"}})
	m.onEvent(bus.Event{Topic: protocol.EventChatMessageEnd, Payload: protocol.ChatMessageEnd{
		SessionKey: "agent:main:telegram:dm:u1", RunID: "r1", StopReason: protocol.StopEndTurn}})

	assert.Empty(t, a.outbound())
}

func TestEgressSuppressesErrorAndCancelledStops(t *testing.T) {
	m, a, _, _ := testManager(t, config.Default())
	key := "agent:main:telegram:dm:u1"

	for _, stop := range []string{protocol.StopError, protocol.StopCancelled} {
		m.onEvent(bus.Event{Topic: protocol.EventChatDelta, Payload: protocol.ChatDelta{
			SessionKey: key, RunID: stop, Kind: protocol.BlockText, Partial: "partial answer\n"}})
		m.onEvent(bus.Event{Topic: protocol.EventChatMessageEnd, Payload: protocol.ChatMessageEnd{
			SessionKey: key, RunID: stop, StopReason: stop}})
	}

	assert.Empty(t, a.outbound())
}

func TestManagerRestart(t *testing.T) {
	m, a, _, _ := testManager(t, config.Default())
	ctx := context.Background()

	require.NoError(t, m.Restart(ctx, "telegram"))
	assert.True(t, a.Health().Running)

	err := m.Restart(ctx, "nosuch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), protocol.ErrBadRequest)
}

func TestManagerStatusAndSend(t *testing.T) {
	m, a, _, _ := testManager(t, config.Default())
	require.NoError(t, a.Startup(context.Background()))

	st := m.Status()
	require.Contains(t, st, "telegram")
	assert.True(t, st["telegram"].Running)

	require.NoError(t, m.Send(context.Background(), "telegram", "u1", "direct"))
	sent := a.outbound()
	require.Len(t, sent, 1)
	assert.Equal(t, "direct", sent[0].Body)

	err := m.Send(context.Background(), "nosuch", "u1", "x")
	assert.Error(t, err)
}

func TestSenderLimiterBounds(t *testing.T) {
	l := NewSenderLimiter()
	allowed := 0
	for i := 0; i < inboundBurst+5; i++ {
		if l.Allow("telegram:u1") {
			allowed++
		}
	}
	assert.Equal(t, inboundBurst, allowed)
	// Other senders have their own budget.
	assert.True(t, l.Allow("telegram:u2"))
}
