// Package nodes tracks device-node clients connected through the gateway
// and routes capability invocations to them. A node attaches when its
// connection authenticates with role=node and detaches on disconnect.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/tools"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// Capability is one operation a node advertises at attach time.
type Capability struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Info is the operator-facing view of one connected node.
type Info struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"displayName,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	ConnectedAt  time.Time    `json:"connectedAt"`
}

// Grant carries an operator decision alongside a forwarded invocation.
// The node side revalidates the digest binding before executing; a grant
// cannot be replayed against different arguments.
type Grant struct {
	ApprovalID string `json:"approvalId"`
	Digest     string `json:"digest"`
}

// InvokeRequest is one capability invocation forwarded to a node.
type InvokeRequest struct {
	Capability string          `json:"capability"`
	Args       json.RawMessage `json:"args,omitempty"`
	Grant      *Grant          `json:"grant,omitempty"`
}

// InvokeResult is the node's reply.
type InvokeResult struct {
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// Invoker delivers one invocation to a connected node. Implemented by the
// gateway connection that authenticated as that node.
type Invoker interface {
	InvokeCapability(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

type entry struct {
	info Info
	inv  Invoker
}

// Registry is the live table of connected nodes.
type Registry struct {
	events bus.Publisher

	mu    sync.RWMutex
	nodes map[string]entry
}

func NewRegistry(events bus.Publisher) *Registry {
	return &Registry{events: events, nodes: make(map[string]entry)}
}

// Attach registers a node. A reconnect under the same id replaces the old
// entry; the stale connection's invoker is discarded.
func (r *Registry) Attach(info Info, inv Invoker) {
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	r.mu.Lock()
	r.nodes[info.ID] = entry{info: info, inv: inv}
	r.mu.Unlock()

	r.events.Publish(bus.Event{
		Topic:   protocol.EventNodeConnected,
		Payload: protocol.NodeEvent{NodeID: info.ID},
	})
}

// Detach removes a node on disconnect.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	_, ok := r.nodes[id]
	delete(r.nodes, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.events.Publish(bus.Event{
		Topic:   protocol.EventNodeDisconnected,
		Payload: protocol.NodeEvent{NodeID: id},
	})
}

// List returns connected nodes sorted by id, for node.list.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Describe returns one node, for node.describe.
func (r *Registry) Describe(id string) (Info, error) {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return Info{}, fmt.Errorf("%s: unknown node %q", protocol.ErrBadRequest, id)
	}
	return e.info, nil
}

// Invoke forwards one capability call to the node, for node.invoke. The
// capability must be one the node advertised.
func (r *Registry) Invoke(ctx context.Context, id string, req InvokeRequest) (*InvokeResult, error) {
	r.mu.RLock()
	e, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: unknown node %q", protocol.ErrBadRequest, id)
	}
	if !hasCapability(e.info, req.Capability) {
		return nil, fmt.Errorf("%s: node %q has no capability %q", protocol.ErrBadRequest, id, req.Capability)
	}
	return e.inv.InvokeCapability(ctx, req)
}

// ValidateGrant is the node-side check that a forwarded grant binds to the
// arguments actually being executed.
func ValidateGrant(g *Grant, capability string, args json.RawMessage) error {
	if g == nil {
		return fmt.Errorf("%s: missing approval grant", protocol.ErrToolDenied)
	}
	if tools.ArgsDigest(capability, args) != g.Digest {
		return fmt.Errorf("%s: grant %s does not match presented arguments", protocol.ErrApprovalDigestMismatch, g.ApprovalID)
	}
	return nil
}

func hasCapability(info Info, name string) bool {
	for _, c := range info.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}
