// Package channels defines the boundary between messaging providers and the
// runtime. Adapters normalise provider traffic into inbound messages, deliver
// replies outbound, and report liveness; the Manager owns their lifecycle and
// applies DM gating and a per-sender throttle before anything reaches an
// agent.
package channels

import (
	"context"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
)

// Health is one adapter's liveness report, carried on the health topic.
type Health struct {
	Running bool   `json:"running"`
	Detail  string `json:"detail,omitempty"`
}

// Adapter is implemented once per messaging provider. Startup must return
// once the adapter is receiving; long-running work belongs on the adapter's
// own goroutines, cancelled through the Startup context. Ingress goes
// through Manager.Ingress, never straight to the bus.
type Adapter interface {
	Name() string
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	Health() Health
}

// ChallengeSender is implemented by adapters that can deliver a pairing
// challenge back to an unknown DM sender. Adapters without it still gate;
// the challenge is only visible on the pairing.requested topic.
type ChallengeSender interface {
	SendChallenge(ctx context.Context, senderID, token string) error
}
