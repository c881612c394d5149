package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// Approval states.
const (
	StatePending = "pending"
	StateGranted = "granted"
	StateDenied  = "denied"
	StateExpired = "expired"
)

// DefaultApprovalTTL bounds how long a request may sit unanswered.
const DefaultApprovalTTL = 15 * time.Minute

// Denial reasons returned by Await.
const (
	ReasonDenied  = "denied by operator"
	ReasonExpired = "approval expired before a decision"
)

var (
	// ErrDigestMismatch means the arguments presented at execution differ
	// from the ones the operator approved. The approval is burned.
	ErrDigestMismatch = errors.New("approval digest mismatch")
	// ErrApprovalUnknown means no approval exists with that ID.
	ErrApprovalUnknown = errors.New("unknown approval")
	// ErrApprovalExpired means the TTL elapsed before a decision.
	ErrApprovalExpired = errors.New("approval expired")
)

type approval struct {
	id         string
	sessionKey string
	tool       string
	digest     string
	state      string
	createdAt  time.Time
	expiresAt  time.Time
	decided    chan struct{} // closed on grant/deny/expiry
}

// ApprovalInfo is the operator-facing view of one request.
type ApprovalInfo struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"sessionKey"`
	Tool       string    `json:"tool"`
	Digest     string    `json:"digest"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Broker mediates operator approval for gated tool invocations. Each
// approval binds to a SHA-256 digest of the exact arguments and is spendable
// exactly once: re-running the same call needs a fresh approval, and a call
// with different arguments burns the approval and fails. Settled approvals
// are dropped from the broker, so the pending map stays bounded by the
// number of requests still in flight.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*approval
	ttl     time.Duration
	events  bus.Publisher
	now     func() time.Time
}

// NewBroker builds a broker publishing approval lifecycle events on the bus.
func NewBroker(events bus.Publisher, ttl time.Duration) *Broker {
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	return &Broker{
		pending: make(map[string]*approval),
		ttl:     ttl,
		events:  events,
		now:     time.Now,
	}
}

// ArgsDigest canonicalises arguments (JSON with sorted object keys) and
// hashes them together with the tool name.
func ArgsDigest(tool string, rawArgs json.RawMessage) string {
	canonical := canonicalJSON(rawArgs)
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// Request registers a pending approval and announces it to operators. The
// preview must already be redacted by the caller.
func (b *Broker) Request(sessionKey, tool string, rawArgs json.RawMessage, preview string) *ApprovalInfo {
	a := &approval{
		id:         uuid.New().String(),
		sessionKey: sessionKey,
		tool:       tool,
		digest:     ArgsDigest(tool, rawArgs),
		state:      StatePending,
		createdAt:  b.now(),
		decided:    make(chan struct{}),
	}
	a.expiresAt = a.createdAt.Add(b.ttl)

	b.mu.Lock()
	b.pending[a.id] = a
	b.mu.Unlock()

	if b.events != nil {
		b.events.Publish(bus.Event{
			Topic: protocol.EventApprovalRequested,
			Payload: protocol.ApprovalRequested{
				ApprovalID: a.id,
				SessionKey: sessionKey,
				Tool:       tool,
				Preview:    preview,
				Digest:     a.digest,
				ExpiresAt:  a.expiresAt.UTC().Format(time.RFC3339),
			},
		})
	}
	return infoOf(a)
}

// Await blocks until the approval is decided, expires, or ctx is done.
// Expiry resolves as a denial with reason Expired.
func (b *Broker) Await(ctx context.Context, id string) (granted bool, reason string, err error) {
	b.mu.Lock()
	a, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return false, "", ErrApprovalUnknown
	}

	timer := time.NewTimer(time.Until(a.expiresAt))
	defer timer.Stop()

	select {
	case <-a.decided:
	case <-timer.C:
		b.expire(a)
	case <-ctx.Done():
		return false, "", ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch a.state {
	case StateGranted:
		return true, "", nil
	case StateDenied:
		delete(b.pending, id)
		return false, ReasonDenied, nil
	case StateExpired:
		delete(b.pending, id)
		return false, ReasonExpired, nil
	default:
		return false, "", fmt.Errorf("approval %s in unexpected state %s", id, a.state)
	}
}

// Decide records the operator's verdict. Deciding an expired or already
// decided approval is an error.
func (b *Broker) Decide(id string, grant bool) error {
	b.mu.Lock()
	a, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return ErrApprovalUnknown
	}
	if b.now().After(a.expiresAt) && a.state == StatePending {
		b.mu.Unlock()
		b.expire(a)
		return ErrApprovalExpired
	}
	if a.state != StatePending {
		state := a.state
		b.mu.Unlock()
		return fmt.Errorf("approval %s already %s", id, state)
	}
	if grant {
		a.state = StateGranted
	} else {
		a.state = StateDenied
	}
	close(a.decided)
	b.mu.Unlock()

	b.publishResolved(a)
	return nil
}

// Consume spends a granted approval for one execution. The presented
// arguments must hash to the approved digest; a mismatch burns the approval
// so the original grant cannot be replayed with altered arguments. Spent
// approvals are removed, so a second Consume reports ErrApprovalUnknown.
func (b *Broker) Consume(id, tool string, rawArgs json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.pending[id]
	if !ok {
		return ErrApprovalUnknown
	}
	if a.state != StateGranted {
		return fmt.Errorf("approval %s is %s, not granted", id, a.state)
	}
	delete(b.pending, id)
	if ArgsDigest(tool, rawArgs) != a.digest {
		return ErrDigestMismatch
	}
	return nil
}

// List returns all approvals, newest first.
func (b *Broker) List() []ApprovalInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ApprovalInfo, 0, len(b.pending))
	for id, a := range b.pending {
		if b.now().After(a.expiresAt) {
			if a.state == StatePending {
				a.state = StateExpired
				close(a.decided)
			}
			// Settled-but-unclaimed entries go too, once past their TTL.
			delete(b.pending, id)
		}
		out = append(out, *infoOf(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (b *Broker) expire(a *approval) {
	b.mu.Lock()
	if a.state == StatePending {
		a.state = StateExpired
		close(a.decided)
		delete(b.pending, a.id)
		b.mu.Unlock()
		b.publishResolved(a)
		return
	}
	b.mu.Unlock()
}

func (b *Broker) publishResolved(a *approval) {
	if b.events == nil {
		return
	}
	b.events.Publish(bus.Event{
		Topic: protocol.EventApprovalResolved,
		Payload: protocol.ApprovalResolved{
			ApprovalID: a.id,
			Decision:   a.state,
		},
	})
}

func infoOf(a *approval) *ApprovalInfo {
	return &ApprovalInfo{
		ID:         a.id,
		SessionKey: a.sessionKey,
		Tool:       a.tool,
		Digest:     a.digest,
		State:      a.state,
		CreatedAt:  a.createdAt,
		ExpiresAt:  a.expiresAt,
	}
}

// canonicalJSON re-marshals raw JSON so object keys come out sorted at every
// level. encoding/json sorts map keys, which gives a stable byte form.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
