package channels

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ArchitectVS7/OpenClaw/internal/config"
)

// Verdict is the outcome of DM gating for one inbound message.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictChallenge
	VerdictDrop
)

// challengeTTL bounds both the pairing token lifetime and how long a sender
// stays silenced after a challenge before a fresh one is issued.
const challengeTTL = 15 * time.Minute

// TokenIssuer mints single-use pairing tokens. Satisfied by
// identity.Pairings.
type TokenIssuer interface {
	Issue(role string, ttl time.Duration) (string, error)
}

type gateKey struct {
	provider string
	sender   string
}

// DMGate applies the per-channel dmPolicy to direct messages.
//
//	pairing (default): unknown senders get one pairing challenge and are
//	                   dropped until paired
//	open:              unknowns pass only with an explicit "*" allowlist entry
//	closed:            unknowns are dropped silently
//
// Allowlisted senders pass under every policy.
type DMGate struct {
	issuer TokenIssuer

	mu         sync.Mutex
	paired     map[gateKey]bool
	challenged map[gateKey]time.Time
}

func NewDMGate(issuer TokenIssuer) *DMGate {
	return &DMGate{
		issuer:     issuer,
		paired:     make(map[gateKey]bool),
		challenged: make(map[gateKey]time.Time),
	}
}

// Check gates one DM. On VerdictChallenge the returned token is the freshly
// issued pairing token to deliver to the sender.
func (g *DMGate) Check(cfg config.ChannelConfig, provider, senderID string) (Verdict, string) {
	if allowlisted(cfg.Allowlist, senderID) {
		return VerdictAccept, ""
	}

	switch cfg.DMPolicy {
	case "open":
		// The wildcard must be explicit; a bare "open" admits nobody new.
		if allowlisted(cfg.Allowlist, "*") {
			return VerdictAccept, ""
		}
		return VerdictDrop, ""
	case "closed":
		return VerdictDrop, ""
	}

	// pairing, the default
	g.mu.Lock()
	defer g.mu.Unlock()

	k := gateKey{provider: provider, sender: senderID}
	if g.paired[k] {
		return VerdictAccept, ""
	}
	if at, ok := g.challenged[k]; ok && time.Since(at) < challengeTTL {
		return VerdictDrop, ""
	}
	token, err := g.issuer.Issue("channel", challengeTTL)
	if err != nil {
		slog.Error("channels.pairing_issue_failed", "provider", provider, "error", err)
		return VerdictDrop, ""
	}
	g.challenged[k] = time.Now()
	return VerdictChallenge, token
}

// MarkPaired admits a sender after their pairing token was consumed.
func (g *DMGate) MarkPaired(provider, senderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := gateKey{provider: provider, sender: senderID}
	g.paired[k] = true
	delete(g.challenged, k)
}

func allowlisted(list []string, senderID string) bool {
	for _, a := range list {
		if a == senderID {
			return true
		}
	}
	return false
}
