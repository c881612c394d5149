package protocol

import "encoding/json"

// Typed parameter and result shapes for the RPC surface. Methods with a
// single obvious argument still take an object so fields can be added
// without breaking callers.

// AgentInvokeParams starts (or queues) a turn on a session.
type AgentInvokeParams struct {
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
}

// AgentInvokeResult acknowledges the queued turn.
type AgentInvokeResult struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId"`
}

// AgentWaitParams blocks until the session's next message_end.
type AgentWaitParams struct {
	SessionKey string `json:"sessionKey"`
}

// AgentCancelParams aborts the in-flight turn on a session.
type AgentCancelParams struct {
	SessionKey string `json:"sessionKey"`
}

// ChatHistoryParams reads recent session history.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// SendOutboundParams delivers a message through a channel adapter.
type SendOutboundParams struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

// SessionsSendParams injects a user message into another session.
type SessionsSendParams struct {
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
}

// SessionsHistoryParams mirrors ChatHistoryParams for the sessions namespace.
type SessionsHistoryParams = ChatHistoryParams

// ApprovalDecideParams records the operator's verdict on a pending approval.
type ApprovalDecideParams struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"` // "grant" or "deny"
}

// NodeInvokeParams executes a capability on a connected node. Approval
// forwarding: when the tool was approval-gated, the gateway-issued decision
// travels along and the node validates the digest binding before executing.
type NodeInvokeParams struct {
	NodeID     string         `json:"nodeId"`
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args,omitempty"`
	ApprovalID string         `json:"approvalId,omitempty"`
	Digest     string         `json:"digest,omitempty"`
}

// ChannelsRestartParams restarts one adapter by provider id.
type ChannelsRestartParams struct {
	Channel string `json:"channel"`
}

// CapabilitySpec describes one operation a node advertises.
type CapabilitySpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ConnectParams completes session setup after the handshake. Only node
// connections carry an announcement; other roles send an empty object.
type ConnectParams struct {
	NodeID       string           `json:"nodeId,omitempty"`
	DisplayName  string           `json:"displayName,omitempty"`
	Capabilities []CapabilitySpec `json:"capabilities,omitempty"`
}

// ConnectResult acknowledges the session.
type ConnectResult struct {
	ConnectionID string `json:"connectionId"`
	Protocol     int    `json:"protocol"`
}

// ConfigUpdateParams replaces the declarative config wholesale. Validation
// failures leave the previous config active.
type ConfigUpdateParams struct {
	Config json.RawMessage `json:"config"`
}

// NodeExecuteParams is the server-initiated forward of node.invoke to the
// node client. The approval fields bind the operator's decision to the
// exact arguments; the node revalidates before executing.
type NodeExecuteParams struct {
	Capability string          `json:"capability"`
	Args       json.RawMessage `json:"args,omitempty"`
	ApprovalID string          `json:"approvalId,omitempty"`
	Digest     string          `json:"digest,omitempty"`
}

// NodeExecuteResult is the node's reply to node.execute.
type NodeExecuteResult struct {
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}
