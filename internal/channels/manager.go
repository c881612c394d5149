package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/config"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

const (
	egressSubscriber = "channels.egress"
	healthInterval   = 30 * time.Second
	sendTimeout      = 30 * time.Second
)

// Manager owns adapter lifecycle and the egress loop. Inbound traffic passes
// through a per-sender throttle and DM gating; outbound replies are
// reassembled from chat.delta events and delivered to the originating
// adapter.
type Manager struct {
	events  bus.Publisher
	sink    bus.Inboundable
	current func() *config.Config
	gate    *DMGate
	limit   *SenderLimiter

	mu       sync.RWMutex
	adapters map[string]Adapter

	rmu     sync.Mutex
	replies map[string]*strings.Builder // sessionKey|runID → reassembled text
}

func NewManager(events bus.Publisher, sink bus.Inboundable, current func() *config.Config, issuer TokenIssuer) *Manager {
	return &Manager{
		events:   events,
		sink:     sink,
		current:  current,
		gate:     NewDMGate(issuer),
		limit:    NewSenderLimiter(),
		adapters: make(map[string]Adapter),
		replies:  make(map[string]*strings.Builder),
	}
}

// Register adds an adapter. Call before Startup; later registrations join
// the egress loop but must be started individually via Restart.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
}

// Startup subscribes the egress loop, starts every registered adapter, and
// begins the health heartbeat. Adapter failures are logged, not fatal; a
// broken adapter stays registered for channels.restart.
func (m *Manager) Startup(ctx context.Context) {
	m.events.Subscribe(egressSubscriber, []string{
		protocol.EventChatDelta,
		protocol.EventChatBlockEnd,
		protocol.EventChatMessageEnd,
	}, m.onEvent)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, a := range m.adapters {
		if err := a.Startup(ctx); err != nil {
			slog.Error("channels.startup_failed", "channel", name, "error", err)
			continue
		}
		slog.Info("channels.started", "channel", name)
	}

	go m.heartbeat(ctx)
}

// Shutdown stops adapters and detaches the egress loop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.events.Unsubscribe(egressSubscriber)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, a := range m.adapters {
		if err := a.Shutdown(ctx); err != nil {
			slog.Error("channels.shutdown_failed", "channel", name, "error", err)
		}
	}
}

// Status reports per-adapter health for channels.status.
func (m *Manager) Status() map[string]Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Health, len(m.adapters))
	for name, a := range m.adapters {
		out[name] = a.Health()
	}
	return out
}

// Restart bounces one adapter for channels.restart.
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.mu.RLock()
	a, ok := m.adapters[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: unknown channel %q", protocol.ErrBadRequest, name)
	}
	if err := a.Shutdown(ctx); err != nil {
		slog.Warn("channels.restart_shutdown_failed", "channel", name, "error", err)
	}
	if err := a.Startup(ctx); err != nil {
		return fmt.Errorf("restart %s: %w", name, err)
	}
	slog.Info("channels.restarted", "channel", name)
	return nil
}

// Send delivers one message through a named adapter, for send.outbound.
func (m *Manager) Send(ctx context.Context, channel, recipient, body string) error {
	m.mu.RLock()
	a, ok := m.adapters[channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: unknown channel %q", protocol.ErrBadRequest, channel)
	}
	return a.Send(ctx, bus.OutboundMessage{Channel: channel, Recipient: recipient, Body: body})
}

// Ingress is the single entry point for adapter-received messages. It
// throttles, gates DMs per the channel's dmPolicy, and forwards accepted
// messages to the runtime.
func (m *Manager) Ingress(ctx context.Context, provider string, kind sessions.PeerKind, senderID, body string, attachments []string) {
	if !m.limit.Allow(provider + ":" + senderID) {
		slog.Warn("channels.rate_limited", "channel", provider, "sender", senderID)
		return
	}

	cfg := m.current().Channel(provider)
	switch kind {
	case sessions.PeerDM:
		verdict, token := m.gate.Check(cfg, provider, senderID)
		switch verdict {
		case VerdictDrop:
			slog.Debug("channels.dm_dropped", "channel", provider, "sender", senderID)
			return
		case VerdictChallenge:
			m.challenge(ctx, provider, senderID, token)
			return
		}
	default:
		// Group/channel peers: allowlist only, no pairing flow.
		if len(cfg.Allowlist) > 0 && !allowlisted(cfg.Allowlist, senderID) {
			slog.Debug("channels.peer_dropped", "channel", provider, "sender", senderID)
			return
		}
	}

	m.sink.PublishInbound(bus.InboundMessage{
		Channel:     provider,
		SenderID:    senderID,
		SessionKey:  sessions.BuildKey(sessions.ScopeMain, provider, kind, senderID),
		Body:        body,
		Attachments: attachments,
	})
}

// MarkPaired admits a sender after pairing completes and announces it.
func (m *Manager) MarkPaired(provider, senderID string) {
	m.gate.MarkPaired(provider, senderID)
	m.events.Publish(bus.Event{
		Topic:   protocol.EventPairingResolved,
		Payload: protocol.PairingResolved{Provider: provider, SenderID: senderID},
	})
}

func (m *Manager) challenge(ctx context.Context, provider, senderID, token string) {
	m.events.Publish(bus.Event{
		Topic:   protocol.EventPairingRequested,
		Payload: protocol.PairingRequested{Provider: provider, SenderID: senderID},
	})

	m.mu.RLock()
	a := m.adapters[provider]
	m.mu.RUnlock()
	cs, ok := a.(ChallengeSender)
	if !ok {
		return
	}
	if err := cs.SendChallenge(ctx, senderID, token); err != nil {
		slog.Warn("channels.challenge_failed", "channel", provider, "sender", senderID, "error", err)
	}
}

// onEvent reassembles streamed blocks into the outbound reply. Deltas carry
// whole lines; a block_end restores the paragraph break the aggregator
// dropped.
func (m *Manager) onEvent(e bus.Event) {
	switch e.Topic {
	case protocol.EventChatDelta:
		d, ok := e.Payload.(protocol.ChatDelta)
		if !ok || d.Kind == protocol.BlockToolCall {
			return
		}
		if !m.handles(d.SessionKey) {
			return
		}
		m.rmu.Lock()
		b := m.replies[d.SessionKey+"|"+d.RunID]
		if b == nil {
			b = &strings.Builder{}
			m.replies[d.SessionKey+"|"+d.RunID] = b
		}
		b.WriteString(d.Partial)
		m.rmu.Unlock()

	case protocol.EventChatBlockEnd:
		d, ok := e.Payload.(protocol.ChatBlockEnd)
		if !ok || d.Kind == protocol.BlockToolCall {
			return
		}
		m.rmu.Lock()
		if b := m.replies[d.SessionKey+"|"+d.RunID]; b != nil {
			b.WriteString("\n")
		}
		m.rmu.Unlock()

	case protocol.EventChatMessageEnd:
		d, ok := e.Payload.(protocol.ChatMessageEnd)
		if !ok {
			return
		}
		m.rmu.Lock()
		b := m.replies[d.SessionKey+"|"+d.RunID]
		delete(m.replies, d.SessionKey+"|"+d.RunID)
		m.rmu.Unlock()
		if b == nil {
			return
		}
		if d.StopReason != protocol.StopEndTurn && d.StopReason != protocol.StopMaxTokens {
			return
		}
		m.deliver(d.SessionKey, strings.TrimSpace(b.String()))
	}
}

func (m *Manager) deliver(sessionKey, body string) {
	if body == "" {
		return
	}
	key, err := sessions.ParseKey(sessionKey)
	if err != nil {
		return
	}
	m.mu.RLock()
	a, ok := m.adapters[key.Provider]
	m.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	msg := bus.OutboundMessage{Channel: key.Provider, Recipient: key.UserID, Body: body}
	if err := a.Send(ctx, msg); err != nil {
		slog.Error("channels.send_failed", "channel", key.Provider, "recipient", key.UserID, "error", err)
	}
}

// handles reports whether the session belongs to a registered adapter.
func (m *Manager) handles(sessionKey string) bool {
	key, err := sessions.ParseKey(sessionKey)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.adapters[key.Provider]
	return ok
}

func (m *Manager) heartbeat(ctx context.Context) {
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.events.Publish(bus.Event{Topic: protocol.EventHealth, Payload: m.Status()})
		}
	}
}
